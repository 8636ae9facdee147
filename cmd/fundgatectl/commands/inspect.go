package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fundgate/fundgate/internal/dedupe"
	"github.com/fundgate/fundgate/internal/job"
	"github.com/fundgate/fundgate/internal/kv"
	"github.com/fundgate/fundgate/internal/queue"
)

func newTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one worker tick against the configured KV store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sum, err := runTick(cmd.Context())
			if err != nil {
				return fmt.Errorf("worker tick: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <jobId>",
		Short: "Show a stored job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !job.ValidID(args[0]) {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			return withStore(cmd, func(store kv.Store) error {
				j, err := job.NewStore(store).Get(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("error fetching job: %w", err)
				}
				if j == nil {
					return fmt.Errorf("job %s not found or expired", args[0])
				}
				return printJSON(cmd.OutOrStdout(), j)
			})
		},
	}
}

type queueOutput struct {
	Length   int64 `json:"length"`
	InFlight int64 `json:"inFlight"`
}

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show queue length and in-flight count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(store kv.Store) error {
				q := queue.New(store, job.NewStore(store))
				var out queueOutput
				var err error
				if out.Length, err = q.Length(cmd.Context()); err != nil {
					return err
				}
				if out.InFlight, err = q.InFlightCount(cmd.Context()); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func newDedupeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dedupe <refId>",
		Short: "Show the cached verdict for a referral id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store kv.Store) error {
				rec, err := dedupe.NewIndex(store).LookupByRef(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if rec == nil {
					return fmt.Errorf("no verdict cached for %s", args[0])
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}
