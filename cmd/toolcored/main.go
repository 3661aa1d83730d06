// Command toolcored is an operator CLI for the plugin process manager: it
// lists discovered plugin manifests and drives daemon start/stop/status/logs
// directly, for debugging a stuck background_rpc plugin outside the agent
// loop.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/toolcore/internal/observability"
	"github.com/haasonsaas/toolcore/internal/plugins"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	pluginDirs   []string
	otelEndpoint string

	tracerShutdown func(context.Context) error
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	err := rootCmd.Execute()
	if tracerShutdown != nil {
		if shutdownErr := tracerShutdown(context.Background()); shutdownErr != nil {
			slog.Warn("tracer shutdown failed", "error", shutdownErr)
		}
	}
	if err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "toolcored",
		Short:        "Operator CLI for the tool orchestration core's plugin daemons",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringSliceVar(&pluginDirs, "plugin-dir", []string{"./plugins"}, "directories to search for plugin manifests (repeatable)")
	rootCmd.PersistentFlags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP gRPC collector endpoint for daemon lifecycle tracing (tracing disabled if empty)")

	rootCmd.AddCommand(
		buildPluginsCmd(),
		buildDaemonsCmd(),
	)
	return rootCmd
}

func openCatalog() (*plugins.Catalog, error) {
	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "toolcored",
		ServiceVersion: version,
		Endpoint:       otelEndpoint,
	})
	tracerShutdown = shutdown
	return plugins.BuildCatalog(plugins.CatalogConfig{Paths: pluginDirs, Tracer: tracer})
}

func buildPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect discovered plugin manifests",
	}
	cmd.AddCommand(buildPluginsListCmd(), buildPluginsWatchCmd())
	return cmd
}

func buildPluginsWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Log plugin manifest directory changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			stop, err := plugins.WatchManifestDirs(ctx, pluginDirs, func() {
				fmt.Fprintf(out, "manifest change detected under %s\n", strings.Join(pluginDirs, ", "))
			})
			if err != nil {
				return err
			}
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
}

func buildPluginsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List discovered plugin manifests and their activation mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPluginsList(cmd)
		},
	}
	return cmd
}

func runPluginsList(cmd *cobra.Command) error {
	catalog, err := openCatalog()
	if err != nil {
		return err
	}
	ids := catalog.PluginIDs()
	out := cmd.OutOrStdout()
	if len(ids) == 0 {
		fmt.Fprintln(out, "no plugin manifests found under", strings.Join(pluginDirs, ", "))
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tACTIVATION\tTOOLS")
	for _, id := range sortedStrings(ids) {
		m, _ := catalog.Manifest(id)
		activation := string(m.ActivationMode)
		if activation == "" {
			activation = "always"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", m.ID, m.Name, activation, len(m.Tools))
	}
	return w.Flush()
}

func buildDaemonsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemons",
		Short: "Start, stop, and inspect plugin background daemons",
	}
	cmd.AddCommand(
		buildDaemonsStartCmd(),
		buildDaemonsStopCmd(),
		buildDaemonsStatusCmd(),
		buildDaemonsLogsCmd(),
	)
	return cmd
}

func buildDaemonsStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <name>",
		Short: "Start a plugin's background daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := openCatalog()
			if err != nil {
				return err
			}
			if err := catalog.StartDaemon(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "daemon %q started\n", args[0])
			return nil
		},
	}
}

func buildDaemonsStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop a plugin's background daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := openCatalog()
			if err != nil {
				return err
			}
			if err := catalog.StopDaemon(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "daemon %q stopped\n", args[0])
			return nil
		},
	}
}

func buildDaemonsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <name>",
		Short: "Show a plugin daemon's lifecycle state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := openCatalog()
			if err != nil {
				return err
			}
			info, ok := catalog.DaemonStatus(args[0])
			if !ok {
				return fmt.Errorf("no daemon record for %q (has it been started?)", args[0])
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "name:       %s\n", info.Name)
			fmt.Fprintf(out, "state:      %s\n", info.State)
			fmt.Fprintf(out, "pid:        %d\n", info.PID)
			fmt.Fprintf(out, "socket:     %s\n", info.SocketPath)
			fmt.Fprintf(out, "log:        %s\n", info.LogPath)
			fmt.Fprintf(out, "started_at: %s\n", info.StartedAt.Format("2006-01-02T15:04:05Z07:00"))
			if info.LastError != "" {
				fmt.Fprintf(out, "last_error: %s\n", info.LastError)
			}
			fmt.Fprintf(out, "restarts:   %d\n", info.RestartCount)
			return nil
		},
	}
}

func buildDaemonsLogsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Tail a plugin daemon's captured stderr",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := openCatalog()
			if err != nil {
				return err
			}
			info, ok := catalog.DaemonStatus(args[0])
			if !ok {
				return fmt.Errorf("no daemon record for %q (has it been started?)", args[0])
			}
			return tailFile(cmd.OutOrStdout(), info.LogPath, follow)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep reading as new lines are appended")
	return cmd
}

func tailFile(out io.Writer, path string, follow bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open log %s: %w", path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			fmt.Fprint(out, line)
		}
		if err != nil {
			if !follow {
				return nil
			}
			// A plain, non-streaming tail: this reference CLI reads what is
			// on disk at invocation time rather than polling for new writes.
			return nil
		}
	}
}

func sortedStrings(in []string) []string {
	out := append([]string(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
