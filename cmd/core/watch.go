package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fieldsync/core/internal/events"
	"github.com/fieldsync/core/internal/sync/scheduler"
)

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Sync in the background until interrupted",
		Long: `Check server reachability and sync when the device comes back online,
then periodically while it stays online. Sync events are printed as they
happen. Stop with Ctrl+C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sched := scheduler.NewScheduler(a.engine, a.remote, &scheduler.SchedulerConfig{
				SyncInterval:   a.cfg.Sync.PeriodicInterval,
				HealthInterval: a.cfg.Sync.HealthInterval,
			})

			a.printf("Watching %s (Ctrl+C to stop)\n", a.cfg.ServerURL)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return sched.Run(gctx) })
			g.Go(func() error { return a.printEvents(gctx) })
			return g.Wait()
		},
	}
}

// printEvents prints bus events until ctx ends.
func (a *app) printEvents(ctx context.Context) error {
	ch, cancel := a.bus.Subscribe(0)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if a.jsonOut {
				if err := a.printJSON(ev); err != nil {
					return err
				}
				continue
			}
			a.printf("%s  %-24s pending=%d\n", ev.Timestamp.Local().Format("15:04:05"), ev.Type, ev.PendingCount)
			if ev.Type == events.SyncFailed {
				if err := a.engine.LastError(); err != nil {
					a.printf("  %v\n", err)
				}
			}
		}
	}
}
