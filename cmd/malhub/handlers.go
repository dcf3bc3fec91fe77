package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/malhub/internal/agent"
	"github.com/haasonsaas/malhub/internal/config"
	"github.com/haasonsaas/malhub/internal/mcp"
	"github.com/haasonsaas/malhub/internal/sessions"
)

// =============================================================================
// Tools Command Handlers
// =============================================================================

func runToolsList(cmd *cobra.Command, configPath, agentName string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, _ := newLogger(cfg.Logging, cmd.ErrOrStderr())

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.MCP.Timeout)
	defer cancel()
	client := mcp.NewClient(cfg.MCP.ServerConfig(), logger)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to tool catalog at %s: %w", cfg.MCP.URL, err)
	}
	defer client.Close()

	catalog := mcp.Catalog(client, logger)
	if agentName != "" {
		variant, ok := findVariant(cfg.Variants(), agentName)
		if !ok {
			return fmt.Errorf("unknown agent %q", agentName)
		}
		catalog, err = catalog.Filter(variant.Tools)
		if err != nil {
			return err
		}
	}
	return writeToolTable(cmd.OutOrStdout(), catalog, agent.NewGate(cfg.Agent.DestructiveTools))
}

// writeToolTable prints one row per tool, marking the ones that need
// confirmation before they run.
func writeToolTable(out io.Writer, tools *agent.ToolRegistry, gate *agent.Gate) error {
	list := tools.AsLLMTools()
	if len(list) == 0 {
		fmt.Fprintln(out, "No tools found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCONFIRM\tDESCRIPTION")
	for _, tool := range list {
		confirm := "no"
		if gate.IsDestructive(tool.Name()) {
			confirm = "yes"
		}
		desc := strings.Join(strings.Fields(tool.Description()), " ")
		if len(desc) > 80 {
			desc = desc[:77] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", tool.Name(), confirm, desc)
	}
	return w.Flush()
}

func findVariant(variants []agent.Variant, name string) (agent.Variant, bool) {
	for _, v := range variants {
		if v.Name == name {
			return v, true
		}
	}
	return agent.Variant{}, false
}

// =============================================================================
// Threads Command Handlers
// =============================================================================

func runThreadsShow(cmd *cobra.Command, configPath, threadID string) error {
	return withStore(configPath, func(store sessions.Store) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		thread, err := store.Load(ctx, strings.TrimSpace(threadID))
		if err != nil {
			return fmt.Errorf("failed to load thread: %w", err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(thread)
	})
}

func runThreadsReset(cmd *cobra.Command, configPath, threadID string) error {
	return withStore(configPath, func(store sessions.Store) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		threadID = strings.TrimSpace(threadID)
		if err := store.Reset(ctx, threadID); err != nil {
			return fmt.Errorf("failed to reset thread: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Thread %s reset.\n", threadID)
		return nil
	})
}

func withStore(configPath string, fn func(sessions.Store) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open thread store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if _, err := out.Write(schema); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out)
	return err
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	source := configPath
	if source == "" {
		source = "defaults"
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration OK (%s)\n", source)
	fmt.Fprintf(out, "  listen:   %s\n", cfg.Addr())
	fmt.Fprintf(out, "  provider: %s\n", cfg.LLM.DefaultProvider)
	fmt.Fprintf(out, "  catalog:  %s\n", cfg.MCP.URL)
	fmt.Fprintf(out, "  store:    %s\n", cfg.Store.Driver)
	if spec := cfg.Schedule.DailySummary.Cron; spec != "" {
		fmt.Fprintf(out, "  daily summary: %s\n", spec)
	}
	return nil
}
