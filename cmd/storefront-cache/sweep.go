package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/storefront-cache/pkg/lock"
)

// sweepLockTTL bounds how long a crashed sweeper blocks the others.
const sweepLockTTL = 5 * time.Minute

func init() {
	rootCmd.AddCommand(sweepCmd)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove product records older than the sweep age",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()

		removed, ran, err := sweepOnce(cmd.Context(), a)
		if err != nil {
			return err
		}
		if !ran {
			fmt.Fprintln(cmd.OutOrStdout(), "Sweep skipped: another instance holds the lock")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d records\n", removed)
		return nil
	},
}

// sweepOnce sweeps the record store, under the Redis lock when Redis is
// configured. ran is false when another instance holds the lock.
func sweepOnce(ctx context.Context, a *app) (removed int64, ran bool, err error) {
	if a.redis == nil {
		removed, err = a.records.Sweep(ctx)
		return removed, err == nil, err
	}
	ran, err = lock.Do(ctx, a.redis, lock.KeySweep, sweepLockTTL, func(ctx context.Context) error {
		var serr error
		removed, serr = a.records.Sweep(ctx)
		return serr
	})
	return removed, ran, err
}

func sweepLoop(ctx context.Context, a *app, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed, ran, err := sweepOnce(ctx, a)
			switch {
			case err != nil:
				a.logger.Warn().Err(err).Msg("Record sweep failed")
			case ran:
				a.logger.Info().Int64("removed", removed).Msg("Record sweep complete")
			default:
				a.logger.Debug().Msg("Record sweep held by another instance")
			}
		}
	}
}
