package agent

import (
	"fmt"
	"time"

	"github.com/haasonsaas/malhub/pkg/models"
)

// DefaultDestructiveTools are the catalog tools that always need a human
// decision before they run.
var DefaultDestructiveTools = []string{
	"mal_delete_skill",
	"mal_delete_project",
	"mal_import_catalog",
	"mal_execute_command",
}

// DeniedToolResult is the tool result content recorded for a rejected call.
const DeniedToolResult = "Operation cancelled by user."

// GateDecision is the gate's verdict on a single tool call.
type GateDecision int

const (
	// GateAllow lets the call run.
	GateAllow GateDecision = iota
	// GateDeny records a cancellation result without running the call.
	GateDeny
	// GateAsk suspends the turn until a human decides.
	GateAsk
)

// Gate holds the fixed set of destructive tool names. It is built once from
// configuration and never changes afterwards.
type Gate struct {
	destructive map[string]struct{}
	now         func() time.Time
}

// NewGate returns a gate for the given destructive tool names.
func NewGate(names []string) *Gate {
	g := &Gate{destructive: make(map[string]struct{}, len(names)), now: time.Now}
	for _, name := range names {
		g.destructive[name] = struct{}{}
	}
	return g
}

// IsDestructive reports whether name requires confirmation. A nil gate
// treats every tool as safe.
func (g *Gate) IsDestructive(name string) bool {
	if g == nil {
		return false
	}
	_, ok := g.destructive[name]
	return ok
}

// Decide returns the verdict for call given the decisions already recorded
// for its batch.
func (g *Gate) Decide(call models.ToolCall, decisions map[string]bool) GateDecision {
	if !g.IsDestructive(call.Name) {
		return GateAllow
	}
	approved, decided := decisions[call.ID]
	switch {
	case !decided:
		return GateAsk
	case approved:
		return GateAllow
	default:
		return GateDeny
	}
}

// NextUndecided returns the first destructive call of the batch that has no
// decision yet.
func (g *Gate) NextUndecided(calls []models.ToolCall, decisions map[string]bool) (models.ToolCall, bool) {
	for _, call := range calls {
		if g.Decide(call, decisions) == GateAsk {
			return call, true
		}
	}
	return models.ToolCall{}, false
}

// Prompt returns the confirmation text shown to the user.
func (g *Gate) Prompt(toolName string) string {
	return fmt.Sprintf("This will execute a destructive operation: %s. Do you want to proceed?", toolName)
}

// Suspend builds the pending suspension for call, carrying forward the
// decisions already made for the batch.
func (g *Gate) Suspend(call models.ToolCall, decisions map[string]bool) *models.PendingSuspension {
	args := call.Input
	if len(args) == 0 {
		args = []byte(`{}`)
	}
	pending := &models.PendingSuspension{
		ToolCallID:  call.ID,
		ToolName:    call.Name,
		Arguments:   append([]byte(nil), args...),
		Prompt:      g.Prompt(call.Name),
		Fingerprint: models.FingerprintToolCall(call),
		CreatedAt:   g.now().UTC(),
	}
	if len(decisions) > 0 {
		pending.Decisions = make(map[string]bool, len(decisions))
		for id, ok := range decisions {
			pending.Decisions[id] = ok
		}
	}
	return pending
}
