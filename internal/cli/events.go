package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"influence/internal/events"
	"influence/internal/models"
	"influence/internal/platform/kafka/consumer"
)

func newEventsCommand(g *globals) *cobra.Command {
	var (
		group      string
		fromStart  bool
		invalidate bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow persisted-batch events until interrupted",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&group, "group", "influence-events", "consumer group")
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "read a new group from the earliest offset")
	cmd.Flags().BoolVar(&invalidate, "invalidate-cache", false, "drop cached aggregates of the companies each batch touched")

	cmd.RunE = runWithApp(g, func(ctx context.Context, a *app) error {
		k := a.cfg.Kafka
		if len(k.Brokers) == 0 {
			return errors.New("kafka brokers are not configured")
		}
		fn := printBatch(g)
		if invalidate {
			if err := a.withCache(ctx); err != nil {
				return err
			}
			if a.cache == nil {
				return errors.New("--invalidate-cache needs redis")
			}
			inv := events.InvalidateCache(a.cache)
			emit := fn
			fn = func(ctx context.Context, event models.BatchEvent) error {
				if err := inv(ctx, event); err != nil {
					return fmt.Errorf("invalidate cache: %w", err)
				}
				return emit(ctx, event)
			}
		}

		c, err := consumer.New(consumer.Config{
			Brokers:   k.Brokers,
			Group:     group,
			Topics:    []string{k.Topic},
			FromStart: fromStart,
		}, a.logger)
		if err != nil {
			return err
		}
		defer c.Close()
		a.logger.InfoContext(ctx, "following batch events", "topic", k.Topic, "group", group)
		return c.Run(ctx, events.NewBatchHandler(fn, a.logger))
	})
	return cmd
}

func printBatch(g *globals) events.BatchFunc {
	return func(_ context.Context, event models.BatchEvent) error {
		return writeJSON(g.stdout, event)
	}
}
