package main

import (
	"context"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/gridsync/internal/ledger"
	"github.com/agentworkforce/gridsync/internal/syncclient"
)

type watchOptions struct {
	resyncInterval time.Duration
	resyncJitter   float64
}

func newWatchCmd(g *globals) *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Load every period and follow live changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("resync-interval") {
				opts.resyncInterval = g.cfg.ResyncInterval
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, g, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.resyncInterval, "resync-interval", 0, "refetch all periods this often; 0 disables (GRIDSYNC_RESYNC_INTERVAL)")
	cmd.Flags().Float64Var(&opts.resyncJitter, "resync-jitter", 0.2, "resync interval jitter ratio (0.0-1.0)")
	return cmd
}

func runWatch(ctx context.Context, g *globals, opts watchOptions) error {
	session, err := syncclient.NewSession(g.sessionOptions(true))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		session.Close(closeCtx)
	}()

	unsubscribe := session.Store.Subscribe(func(change syncclient.Change) {
		g.logger.WithFields(logrus.Fields{
			"list":    change.List,
			"change":  string(change.Kind),
			"ids":     change.IDs,
			"tempIds": change.TempIDs,
		}).Info("store changed")
	})
	defer unsubscribe()
	if session.Socket != nil {
		stopEvents := session.Socket.Subscribe(func(event ledger.SyncEvent) {
			g.logger.WithFields(logrus.Fields{"event": string(event.Type), "list": event.ListName}).Debug("broadcast received")
		})
		defer stopEvents()
	}

	if err := session.Start(ctx); err != nil {
		g.logger.WithError(err).Warn("initial load failed; waiting for resync or live changes")
	}
	for _, list := range session.Store.Lists() {
		g.logger.WithFields(logrus.Fields{"list": list, "records": len(session.Store.Records(list))}).Info("period loaded")
	}

	if opts.resyncInterval > 0 {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		go session.RunResync(ctx, resyncSchedule(opts.resyncInterval, clampJitterRatio(opts.resyncJitter), rng))
	}
	<-ctx.Done()
	g.logger.Info("watch stopping")
	return nil
}
