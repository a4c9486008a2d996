// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/efchatnet/hearth/backend/config"
	"github.com/efchatnet/hearth/backend/groups"
	"github.com/efchatnet/hearth/backend/integration"
	"github.com/efchatnet/hearth/backend/media"
	"github.com/efchatnet/hearth/backend/metrics"
	"github.com/efchatnet/hearth/backend/relay"
	"github.com/efchatnet/hearth/backend/storage/memory"
	"github.com/efchatnet/hearth/backend/storage/postgres"
	redisStore "github.com/efchatnet/hearth/backend/storage/redis"
)

const shutdownTimeout = 10 * time.Second

// runtime holds the externally backed pieces of a running daemon.
type runtime struct {
	opts    integration.Options
	closers []func() error
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			slog.Warn("shutdown", "error", err)
		}
	}
}

func openDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*postgres.Store, *redis.Client, *sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening database: %w", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	store := postgres.NewStore(db, rdb, cfg.EventLedgerTTL, logger)
	if err := store.Ping(ctx); err != nil {
		db.Close()
		rdb.Close()
		return nil, nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		rdb.Close()
		return nil, nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	return store, rdb, db, nil
}

func newRuntime(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*runtime, error) {
	var seed []byte
	if cfg.GroupSeed != "" {
		var err error
		if seed, err = hex.DecodeString(cfg.GroupSeed); err != nil {
			return nil, fmt.Errorf("decoding group seed: %w", err)
		}
	}
	rt := &runtime{opts: integration.Options{
		Settings: cfg,
		Media:    media.NewFilesystemPurger(cfg.MediaRoot, logger),
		Metrics:  m,
		Logger:   logger,
	}}

	if cfg.DevMode {
		if len(cfg.Relays) == 0 {
			cfg.Relays = []string{"memory://dev"}
		}
		secretKey := cfg.HouseholdSecretKey
		if secretKey == "" {
			secretKey = nostr.GeneratePrivateKey()
		}
		publicKey, err := nostr.GetPublicKey(secretKey)
		if err != nil {
			return nil, fmt.Errorf("deriving household key: %w", err)
		}
		store := memory.NewStore()
		net := relay.NewNetwork(slices.Concat(cfg.Relays, cfg.ModerationRelays)...)
		rt.opts.Store = store
		rt.opts.Ledger = store
		rt.opts.Transport = net.Transport(publicKey)
		logger.Warn("dev mode: state is kept in memory only", "household_key", publicKey)
	} else {
		store, rdb, db, err := openDatabase(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, db.Close, rdb.Close)
		transport, err := relay.NewNostrTransport(cfg.HouseholdSecretKey, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, transport.Close)
		rt.opts.Store = store
		rt.opts.Ledger = store
		rt.opts.Transport = transport
		rt.opts.Notifier = redisStore.NewPublisher(rdb, cfg.NotifyChannelPrefix)
		rt.opts.Ping = store.Ping
	}

	provider, err := groups.NewLocalProvider(rt.opts.Transport.PublicKey(), seed)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.opts.Provider = provider
	return rt, nil
}

func serveRun(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	rt, err := newRuntime(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	hearth, err := integration.New(ctx, rt.opts)
	if err != nil {
		return err
	}

	router := mux.NewRouter()
	hearth.RegisterRoutes(router, nil)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hearth.Run(gctx) })
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.ListenAddr, "household_key", hearth.HouseholdKey())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE:  serveRun,
	}
}
