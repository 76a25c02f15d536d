// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/foundriesio/fwota/internal/attempts"
	"github.com/foundriesio/fwota/pkg/api"
	"github.com/foundriesio/fwota/pkg/ota"
	"github.com/foundriesio/fwota/pkg/status"
)

const retryInitialInterval = 10 * time.Second

type daemonOptions struct {
	listen string
}

func init() {
	opts := daemonOptions{}
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Serve update progress and controls over HTTP",
		Long: `Serve the update progress and the update and boot switch controls over HTTP
on ota.status_listen. With ota.polling_seconds set, an update attempt that
failed on the network or was interrupted is retried with exponential back-off
and the digest it was started with, and queued events are flushed at that
interval. Attempts rejected for the image itself are not retried.`,
		Run: func(cmd *cobra.Command, args []string) {
			doDaemon(cmd, &opts)
		},
		Args: cobra.NoArgs,
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "", "Address to serve on, overrides ota.status_listen")
	rootCmd.AddCommand(cmd)
}

func doDaemon(cmd *cobra.Command, opts *daemonOptions) {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listen := opts.listen
	if listen == "" {
		listen = config.GetStatusListen()
	}
	e := newEngine()
	srv := &http.Server{
		Addr:              listen,
		Handler:           status.NewServer(e).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("serving update status", "address", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if interval := config.GetPollingInterval(); interval > 0 {
		g.Go(func() error {
			return retryLoop(ctx, e, interval)
		})
	}
	DieNotNil(g.Wait())
	e.Wait()
}

// retryLoop looks at the last attempt every interval and retries it until it
// succeeds, backing off exponentially up to interval between failures.
func retryLoop(ctx context.Context, e *api.Engine, interval time.Duration) error {
	for {
		if err := e.FlushEvents(); err != nil {
			slog.Warn("failed to flush events", "error", err)
		}
		if last := lastAttempt(e); needsRetry(last) {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = min(retryInitialInterval, interval)
			b.MaxInterval = interval
			b.MaxElapsedTime = 0
			err := backoff.RetryNotify(func() error {
				return retryAttempt(ctx, e, last)
			}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
				slog.Info("update attempt failed, retrying", "error", err, "in", d)
			})
			if err != nil && ctx.Err() == nil && !errors.Is(err, ota.ErrAttemptInProgress) {
				slog.Error("giving up on update", "url", last.URL, "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-e.RestartScheduler().Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// retryAttempt repeats the download of r with the digest it was started with.
func retryAttempt(ctx context.Context, e *api.Engine, r *attempts.Record) error {
	state, err := e.Update(ctx, r.URL, r.SHA256)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ota.ErrAttemptInProgress):
		// someone else is updating; their result decides
		return backoff.Permanent(err)
	case errors.Is(err, status.ErrInvalidRequest):
		return backoff.Permanent(err)
	case !ota.FailureOf(err).Retryable():
		return backoff.Permanent(fmt.Errorf("%s: %w", state, err))
	}
	return fmt.Errorf("%s: %w", state, err)
}

func lastAttempt(e *api.Engine) *attempts.Record {
	records, err := e.History(1)
	if err != nil {
		slog.Error("failed to read update history", "error", err)
		return nil
	}
	if len(records) == 0 {
		return nil
	}
	return &records[0]
}

// needsRetry reports whether r failed or never finished, for instance because
// the device lost power during the download, and downloading it again can
// succeed.
func needsRetry(r *attempts.Record) bool {
	return r != nil && r.URL != "" && r.State != string(ota.FinishedSuccess) &&
		ota.Failure(r.Failure).Retryable()
}
