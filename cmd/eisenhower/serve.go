package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/nhle/eisenhower/internal/app"
	"github.com/nhle/eisenhower/internal/blob"
)

// runServe publishes a display URL for every task attachment and serves
// them until interrupted. It listens on server.addr so the printed URLs
// always point at this server.
func runServe(ctx context.Context, a *app.App, _ []string, w io.Writer) error {
	addr := a.Config.Server.Addr

	var handles []*blob.Handle
	defer func() {
		for _, h := range handles {
			h.Release()
		}
	}()
	for _, t := range a.Tasks.Tasks() {
		atts, err := a.Attachments.GetAllByParent(ctx, t.ID)
		if err != nil {
			return err
		}
		for _, att := range atts {
			h := a.URLs.Acquire(att)
			handles = append(handles, h)
			fmt.Fprintf(w, "%s  %s  %s\n", shortID(t.ID), att.Name, h.URL())
		}
	}

	server := &fasthttp.Server{
		Handler:      a.URLs.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  time.Minute,
		Name:         "eisenhower",
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("server started", zap.String("address", addr))
		errCh <- server.ListenAndServe(addr)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving attachments: %w", err)
	case <-ctx.Done():
	}
	return server.Shutdown()
}
