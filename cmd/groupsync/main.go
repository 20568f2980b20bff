package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/groupsync/internal/app"
	"github.com/agentworkforce/groupsync/internal/config"
	"github.com/agentworkforce/groupsync/internal/logging"
	"github.com/agentworkforce/groupsync/internal/membersync"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "groupsync",
		Short:         "Keep content store group memberships in step with the group registry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newSyncUserCmd(stdout),
		newSyncGroupCmd(stdout),
		newDrainCmd(stdout),
	)
	return root
}

// setup loads the environment configuration, the logger and the wired
// application shared by every command.
func setup(ctx context.Context, recorder membersync.Recorder) (*app.App, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := logging.NewLogger(cfg.ServiceName, cfg.SlogLevel())
	application, err := app.Build(ctx, cfg, logger, app.Options{Recorder: recorder})
	if err != nil {
		logger.Error("initialization failed", "error", logging.SanitizeError(err))
		return nil, nil, err
	}
	return application, logger, nil
}

func newSyncUserCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-user <username>",
		Short: "Sync one user's groups from the group registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, _, err := setup(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer application.Close()
			result, err := application.Service.SyncUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(stdout, map[string]any{"username": args[0], "result": result})
		},
	}
}

func newSyncGroupCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-group <groupId>",
		Short: "Sync the person members of one group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, _, err := setup(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer application.Close()
			result, err := application.Service.SyncGroup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(stdout, map[string]any{"groupId": args[0], "result": result})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
