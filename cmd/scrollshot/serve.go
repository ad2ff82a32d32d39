package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/scrollshot/api"
	"github.com/hazyhaar/scrollshot/capture"
	"github.com/hazyhaar/scrollshot/observability"
	"github.com/hazyhaar/scrollshot/refimage"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		listen string
		worker bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, optionally with a queue worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("listen") {
				a.cfg.HTTP.Listen = listen
			}
			return serve(cmd.Context(), a, worker)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config, :8090)")
	cmd.Flags().BoolVar(&worker, "worker", false, "also consume the job queue")
	return cmd
}

func serve(ctx context.Context, a *app, withWorker bool) error {
	// API-submitted jobs may only read local references under the root.
	root := a.cfg.Reference.Root
	o, err := a.storedOrchestrator(ctx, capture.WithReferenceLoader(refimage.LoadWithin(root)))
	if err != nil {
		return err
	}
	q, err := a.queue(ctx)
	if err != nil {
		return err
	}

	opts := []api.Option{
		api.WithQueue(q),
		api.WithEvents(observability.NewEventLog(a.db, observability.WithEventLogger(a.logger))),
		api.WithArtifacts(a.store),
		api.WithReferenceRoot(root),
		api.WithLogger(a.logger),
	}
	if hc := a.cfg.HTTP; hc.PasswordHash != "" {
		opts = append(opts, api.WithBasicAuth(hc.User, hc.PasswordHash))
	} else {
		a.logger.Warn("scrollshot: API has no authentication", "listen", a.cfg.HTTP.Listen)
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Listen,
		Handler:           api.New(a.jobs, o, opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("scrollshot: listening", "addr", srv.Addr, "backend", o.Backend().Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if withWorker {
		g.Go(func() error {
			hb := observability.NewHeartbeat(a.db, workerName, a.cfg.Queue.Heartbeat, a.logger)
			err := o.Work(gctx, q, hb)
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the capture tools over MCP on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			o, err := a.storedOrchestrator(ctx)
			if err != nil {
				return err
			}
			srv := mcp.NewServer(&mcp.Implementation{Name: "scrollshot", Version: version}, nil)
			o.RegisterMCP(srv)
			a.logger.Info("scrollshot: MCP server on stdio", "backend", o.Backend().Name())
			err = srv.Run(ctx, &mcp.StdioTransport{})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}
