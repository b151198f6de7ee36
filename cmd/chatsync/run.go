package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/GetStream/chat-sync/api"
	"github.com/GetStream/chat-sync/chat/validator"
	"github.com/GetStream/chat-sync/transport"
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Follow the push stream and serve the local API",
	Action: cmdRun,
}

func cmdRun(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	sigCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := setup(sigCtx, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	stream := &transport.Stream{
		URL:     cfg.Backend.StreamURL,
		Token:   cfg.Backend.Token,
		Logger:  d.logger,
		Handle:  d.session.HandleEvent,
		OnState: d.session.SetOnline,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	mux.Handle("/", &api.API{
		Logger:  d.logger,
		Store:   d.store,
		Session: d.session,
		Val:     validator.New(),
	})
	srv := &http.Server{
		Addr:              cfg.Service.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		err := stream.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		d.logger.Info("Listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if d.cache != nil {
		g.Go(func() error {
			t := time.NewTicker(cfg.Storage.CheckpointEvery)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					if err := d.session.CheckpointAll(gctx); err != nil {
						d.logger.Error("Could not checkpoint", "error", err.Error())
					}
				}
			}
		})
	}

	err = g.Wait()

	checkpointCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := d.session.CheckpointAll(checkpointCtx); cerr != nil {
		d.logger.Error("Could not checkpoint", "error", cerr.Error())
	}
	return err
}
