package sessions

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/malhub/pkg/models"
)

// TranscriptReport describes tool call/result pairing problems in a history.
type TranscriptReport struct {
	// MissingResults lists tool call ids that were never answered before the
	// next assistant message or the end of the history.
	MissingResults []string
	// OrphanResults lists tool result ids that answer no preceding call.
	OrphanResults []string
	// DuplicateResults lists tool call ids answered more than once.
	DuplicateResults []string
}

// OK reports whether the transcript is well formed.
func (r TranscriptReport) OK() bool {
	return len(r.MissingResults) == 0 && len(r.OrphanResults) == 0 && len(r.DuplicateResults) == 0
}

func (r TranscriptReport) String() string {
	var parts []string
	if len(r.MissingResults) > 0 {
		parts = append(parts, fmt.Sprintf("missing results for %s", strings.Join(r.MissingResults, ",")))
	}
	if len(r.OrphanResults) > 0 {
		parts = append(parts, fmt.Sprintf("orphan results %s", strings.Join(r.OrphanResults, ",")))
	}
	if len(r.DuplicateResults) > 0 {
		parts = append(parts, fmt.Sprintf("duplicate results %s", strings.Join(r.DuplicateResults, ",")))
	}
	return strings.Join(parts, "; ")
}

// ValidateToolCallPairing checks that every assistant tool call is answered by
// exactly one tool result before the next assistant or user message.
//
// When allowTrailing is set, calls of the final assistant message may still be
// unanswered; this is the shape of a thread suspended on a confirmation.
func ValidateToolCallPairing(messages []models.Message, allowTrailing bool) TranscriptReport {
	var report TranscriptReport
	pending := map[string]bool{}
	var pendingOrder []string
	answered := map[string]bool{}

	flush := func() {
		for _, id := range pendingOrder {
			if pending[id] {
				report.MissingResults = append(report.MissingResults, id)
			}
		}
		pending = map[string]bool{}
		pendingOrder = nil
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			flush()
			for _, tc := range msg.ToolCalls {
				pending[tc.ID] = true
				pendingOrder = append(pendingOrder, tc.ID)
			}
		case models.RoleUser:
			flush()
		case models.RoleTool:
			id := msg.ToolCallID
			switch {
			case pending[id]:
				pending[id] = false
				answered[id] = true
			case answered[id]:
				report.DuplicateResults = append(report.DuplicateResults, id)
			default:
				report.OrphanResults = append(report.OrphanResults, id)
			}
		}
	}
	if !allowTrailing {
		flush()
	}
	return report
}
