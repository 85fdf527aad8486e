package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manenim/keyword-coord/pkg/clock"
	"github.com/manenim/keyword-coord/pkg/idempotency"
	"github.com/manenim/keyword-coord/pkg/lock"
	"github.com/manenim/keyword-coord/pkg/store"
	"github.com/manenim/keyword-coord/pkg/usage"
)

func newRootCommand(open opener, clk clock.Clock) *cobra.Command {
	root := &cobra.Command{
		Use:           "coordctl",
		Short:         "Inspect and repair keyword coordination state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newScanCommand(open),
		newLocksCommand(open),
		newUnlockCommand(open),
		newUsageCommand(open, clk),
		newUnmarkCommand(open),
		newSweepCommand(open, clk),
	)
	return root
}

// withStore opens the store around one command invocation.
func withStore(open opener, run func(cmd *cobra.Command, s store.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, closeFn, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()
		return run(cmd, s, args)
	}
}

func newScanCommand(open opener) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "scan <prefix>",
		Short: "List keys starting with prefix",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(open, func(cmd *cobra.Command, s store.Store, args []string) error {
			n := 0
			for key, err := range s.ScanPrefix(cmd.Context(), args[0]) {
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
				n++
				if limit > 0 && n >= limit {
					break
				}
			}
			return nil
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many keys (0 for all)")
	return cmd
}

func newLocksCommand(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List held identity locks and their tokens",
		Args:  cobra.NoArgs,
		RunE: withStore(open, func(cmd *cobra.Command, s store.Store, _ []string) error {
			prefix := lock.Key("")
			for key, err := range s.ScanPrefix(cmd.Context(), prefix) {
				if err != nil {
					return err
				}
				token, found, err := s.Get(cmd.Context(), key)
				if err != nil {
					return err
				}
				if !found {
					// Expired between SCAN and GET.
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", strings.TrimPrefix(key, prefix), token)
			}
			return nil
		}),
	}
}

func newUnlockCommand(open opener) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "unlock <identity>",
		Short: "Force-release a stuck identity lock",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(open, func(cmd *cobra.Command, s store.Store, args []string) error {
			key := lock.Key(args[0])
			if token == "" {
				if err := s.Delete(cmd.Context(), key); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "released", args[0])
				return nil
			}
			deleted, err := s.DeleteIfEqual(cmd.Context(), key, []byte(token))
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("lock %s is not held with token %s", args[0], token)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "released", args[0])
			return nil
		}),
	}
	cmd.Flags().StringVar(&token, "token", "", "only release while the lock holds this token")
	return cmd
}

func newUsageCommand(open opener, clk clock.Clock) *cobra.Command {
	var window string
	var limit int64
	cmd := &cobra.Command{
		Use:   "usage <identity>",
		Short: "Show the current usage counter of an identity",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(open, func(cmd *cobra.Command, s store.Store, args []string) error {
			w, err := usage.ParseWindow(window)
			if err != nil {
				return err
			}
			res, err := usage.New(s, usage.WithClock(clk)).Check(cmd.Context(), args[0], w, limit, 1)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "window=%s used=%d limit=%d remaining=%d reset=%s\n",
				w.Name(), res.Used, res.Limit, res.Remaining(), res.ResetAt.Format(time.RFC3339))
			return nil
		}),
	}
	cmd.Flags().StringVar(&window, "window", "monthly", "daily, monthly or an epoch length such as 1h")
	cmd.Flags().Int64Var(&limit, "limit", 300, "quota to report remaining against")
	return cmd
}

func newUnmarkCommand(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "unmark <event-id>",
		Short: "Remove an idempotency marker so the event is processed on redelivery",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(open, func(cmd *cobra.Command, s store.Store, args []string) error {
			if err := idempotency.New(s).Unmark(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "unmarked", args[0])
			return nil
		}),
	}
}

// newSweepCommand removes usage counters of windows that already ended.
// They normally expire on their own; only counters whose Expire call failed
// linger without a TTL.
func newSweepCommand(open opener, clk clock.Clock) *cobra.Command {
	var dryRun bool
	var parallel int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete usage counters left behind by ended windows",
		Args:  cobra.NoArgs,
		RunE: withStore(open, func(cmd *cobra.Command, s store.Store, _ []string) error {
			ctx := cmd.Context()
			cutoff := clk.Now()
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(max(parallel, 1))

			var (
				stale   []string
				scanErr error
			)
			for key, err := range s.ScanPrefix(ctx, "usage:") {
				if err != nil {
					scanErr = err
					break
				}
				i := strings.LastIndexByte(key, ':')
				end, ok := usage.WindowEnd(key[i+1:])
				if !ok || end.After(cutoff) {
					continue
				}
				stale = append(stale, key)
				if dryRun {
					continue
				}
				g.Go(func() error {
					return s.Delete(gctx, key)
				})
			}
			// Deletes already started must finish before the command returns,
			// whether or not the scan completed.
			if err := errors.Join(scanErr, g.Wait()); err != nil {
				return errors.Join(errors.New("sweep incomplete"), err)
			}
			verb := "deleted"
			if dryRun {
				verb = "would delete"
			}
			for _, key := range stale {
				fmt.Fprintln(cmd.OutOrStdout(), verb, key)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only list what would be deleted")
	cmd.Flags().IntVar(&parallel, "parallel", 8, "concurrent deletes")
	return cmd
}
