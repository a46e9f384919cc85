package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/refresh"
)

// progressLogInterval throttles progress lines; the final snapshot always logs.
const progressLogInterval = 5 * time.Second

// newFetchCmd creates the 'fetch' subcommand, which refreshes the given
// stores once and exits. A fatal upstream error exits non-zero.
func newFetchCmd() *cobra.Command {
	var (
		stores []string
		target time.Duration
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Refresh store catalogs once",
		Long: `Plans and fetches the full catalog of every --store, writes each
committed store through the configured storage provider and exits.
Without --target-duration the fetch runs in burst mode.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("store") {
				stores = s.cfg.Refresh.Stores
			}
			if !cmd.Flags().Changed("target-duration") {
				target = s.cfg.Refresh.TargetDuration
			}
			return runFetch(cmd.Context(), s, stores, target)
		},
	}
	cmd.Flags().StringSliceVar(&stores, "store", nil, "store id to refresh (repeatable)")
	cmd.Flags().DurationVar(&target, "target-duration", 0, "spread the fetch over this duration (0 = burst)")
	return cmd
}

func runFetch(ctx context.Context, s *session, stores []string, target time.Duration) error {
	if len(stores) == 0 {
		return errors.New("at least one --store is required")
	}
	if target < 0 {
		return errors.New("--target-duration must be >= 0")
	}
	logger := s.logger.Named("fetch")
	defer func() {
		if err := s.app.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("close application failed", zap.Error(err))
		}
	}()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var lastLog time.Time
	opts := refresh.Options{
		TargetDuration: target,
		OnProgress: func(p catalog.FetchProgress) {
			if p.Current < p.Total && time.Since(lastLog) < progressLogInterval {
				return
			}
			lastLog = time.Now()
			logger.Info("progress",
				zap.String("phase", string(p.Phase)),
				zap.Int("current", p.Current),
				zap.Int("total", p.Total),
				zap.String("message", p.Message),
			)
		},
	}

	summary, err := s.app.Refresh(ctx, stores, opts)
	for _, res := range summary.Results {
		logger.Info("store refreshed",
			zap.String("store", res.Store),
			zap.Int("expected", res.Expected),
			zap.Int("fetched", res.Fetched),
			zap.Float64("coverage", res.Coverage),
			zap.Bool("committed", res.Committed),
		)
	}
	if err != nil {
		return fmt.Errorf("fetch stores: %w", err)
	}
	logger.Info("fetch finished",
		zap.String("run_id", summary.RunID),
		zap.Int("stores", len(summary.Results)),
		zap.Duration("elapsed", summary.Duration),
	)
	return nil
}
