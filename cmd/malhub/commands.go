package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the HTTP server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the malhub server",
		Long: `Start the malhub server.

The server will:
1. Load configuration from the specified file (or malhub.yaml)
2. Open the thread store
3. Connect to the MCP tool catalog and build the agents
4. Start the daily summary schedule when one is configured
5. Serve /ws/chat, the REST API, health and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  malhub serve

  # Start with a custom config and debug logging
  malhub serve --config /etc/malhub/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildToolsCmd creates the "tools" command group.
func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the MCP tool catalog",
	}

	var (
		configPath string
		agentName  string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List catalog tools and which ones need confirmation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsList(cmd, resolveConfigPath(configPath), agentName)
		},
	}
	list.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	list.Flags().StringVar(&agentName, "agent", "", "Only show tools bound to this agent variant")

	cmd.AddCommand(list)
	return cmd
}

// buildThreadsCmd creates the "threads" command group.
func buildThreadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "Inspect and reset conversation threads",
	}

	var showConfig string
	show := &cobra.Command{
		Use:   "show <thread-id>",
		Short: "Print a thread's status, pending confirmation and messages as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runThreadsShow(cmd, resolveConfigPath(showConfig), args[0])
		},
	}
	show.Flags().StringVarP(&showConfig, "config", "c", "", "Path to configuration file")

	var resetConfig string
	reset := &cobra.Command{
		Use:   "reset <thread-id>",
		Short: "Clear a thread's history and any pending confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runThreadsReset(cmd, resolveConfigPath(resetConfig), args[0])
		},
	}
	reset.Flags().StringVarP(&resetConfig, "config", "c", "", "Path to configuration file")

	cmd.AddCommand(show, reset)
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}

	var validateConfig string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(validateConfig))
		},
	}
	validate.Flags().StringVarP(&validateConfig, "config", "c", "", "Path to configuration file")

	cmd.AddCommand(schema, validate)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("malhub %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
