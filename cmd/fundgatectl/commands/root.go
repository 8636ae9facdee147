package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fundgate/fundgate/internal/app"
	"github.com/fundgate/fundgate/internal/config"
	"github.com/fundgate/fundgate/internal/kv"
	"github.com/fundgate/fundgate/internal/worker"
)

// Swapped out in tests.
var (
	openStore = func(ctx context.Context) (kv.Store, error) {
		cfg, err := config.LoadKV()
		if err != nil {
			return nil, err
		}
		return app.OpenStore(ctx, cfg)
	}

	runTick = func(ctx context.Context) (worker.Summary, error) {
		cfg, err := config.Load()
		if err != nil {
			return worker.Summary{}, err
		}
		a, err := app.New(ctx, cfg)
		if err != nil {
			return worker.Summary{}, err
		}
		defer a.Close()
		return a.Worker.Tick(ctx)
	}
)

// NewRootCmd builds the fundgatectl command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fundgatectl",
		Short: "Operator tool for the fundgate report pipeline",
		Long: `fundgatectl inspects jobs, the work queue and the dedupe index in the
shared KV store, and can run a worker tick by hand. It reads the same
environment (and .env file) as the server.`,
		SilenceUsage: true,
	}
	root.AddCommand(newTickCmd(), newStatusCmd(), newQueueCmd(), newDedupeCmd())
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error formatting response: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func withStore(cmd *cobra.Command, fn func(kv.Store) error) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return fmt.Errorf("open kv: %w", err)
	}
	defer store.Close()
	return fn(store)
}
