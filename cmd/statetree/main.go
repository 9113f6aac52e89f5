// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// statetree runs the Merkle state tree calculator against an in-memory log
// store, exposing health and metrics over HTTP. It is a development harness:
// in production the calculator is embedded next to a real log store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ava-labs/statetree/calculator"
	"github.com/ava-labs/statetree/database"
	"github.com/ava-labs/statetree/database/leveldb"
	"github.com/ava-labs/statetree/database/memdb"
	"github.com/ava-labs/statetree/health"
	"github.com/ava-labs/statetree/logstore"
	"github.com/ava-labs/statetree/merkle"
	"github.com/ava-labs/statetree/types"
)

const (
	dbPathKey        = "db-path"
	modeKey          = "mode"
	delayKey         = "delay"
	chunkSizeKey     = "multi-get-chunk-size"
	blockCacheKey    = "block-cache-mib"
	httpPortKey      = "http-port"
	logLevelKey      = "log-level"
	sealIntervalKey  = "seal-interval"
	healthFreqKey    = "health-check-freq"
	metricsNamespace = "statetree"
)

func buildViper(args []string) (*viper.Viper, error) {
	fs := pflag.NewFlagSet("statetree", pflag.ContinueOnError)
	fs.String(dbPathKey, "", "tree database directory; empty runs in memory")
	fs.String(modeKey, string(merkle.ModeFull), "tree mode: full or lightweight")
	fs.Duration(delayKey, 100*time.Millisecond, "idle sleep between polling rounds")
	fs.Int(chunkSizeKey, 500, "leaf records fetched per prefetch worker")
	fs.Int(blockCacheKey, 8, "leveldb block cache size in MiB")
	fs.Uint16(httpPortKey, 9653, "port for the health and metrics endpoints")
	fs.String(logLevelKey, "info", "minimum log level")
	fs.Duration(sealIntervalKey, time.Second, "interval between synthetic sealed batches")
	fs.Duration(healthFreqKey, 5*time.Second, "interval between health check executions")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("STATETREE")
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	return v, nil
}

func newLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(parsed)
	return config.Build()
}

func openDatabase(v *viper.Viper, log *zap.Logger) (database.Database, error) {
	path := v.GetString(dbPathKey)
	if path == "" {
		log.Info("no database path configured; using in-memory store")
		return memdb.New(), nil
	}
	return leveldb.New(path, leveldb.Config{
		BlockCacheCapacity: v.GetInt(blockCacheKey) * 1024 * 1024,
		SyncWrites:         true,
	})
}

// sealSyntheticBatches feeds the log store so the calculator has work: a
// small rotating set of slots whose values change every interval.
func sealSyntheticBatches(ctx context.Context, store *logstore.Memory, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		number := types.BatchNumber(store.SealedBatches())
		logs := make([]types.StorageLog, 0, 8)
		for i := byte(0); i < 8; i++ {
			key := types.StorageKey{
				Address: types.RepeatAddress(0x11),
				Slot:    types.RepeatHash(i),
			}
			logs = append(logs, types.NewWriteLog(key, types.RepeatHash(byte(number)+i)))
		}
		header := types.BatchHeader{
			Number:    number,
			Timestamp: uint64(time.Now().Unix()),
		}
		if err := store.SealBatch(header, logs); err != nil {
			log.Error("sealing synthetic batch", zap.Error(err))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func run() error {
	v, err := buildViper(os.Args[1:])
	if err != nil {
		return err
	}

	log, err := newLogger(v.GetString(logLevelKey))
	if err != nil {
		return err
	}
	defer func() {
		_ = log.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(v, log)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()

	registry := prometheus.NewRegistry()
	store := logstore.NewMemory()

	calc, err := calculator.New(ctx, db, store, calculator.Config{
		Mode:              merkle.Mode(v.GetString(modeKey)),
		DelayInterval:     v.GetDuration(delayKey),
		MultiGetChunkSize: v.GetInt(chunkSizeKey),
		MetricsNamespace:  metricsNamespace,
		Registerer:        registry,
		Log:               log,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = calc.Close()
	}()

	healthService, err := health.New(metricsNamespace, registry)
	if err != nil {
		return err
	}
	if err := healthService.RegisterCheck("tree", calc); err != nil {
		return err
	}
	if err := healthService.RegisterCheck("database", health.CheckerFunc(
		func(ctx context.Context) (interface{}, error) {
			return db.HealthCheck(ctx)
		},
	)); err != nil {
		return err
	}
	healthService.Start(ctx, v.GetDuration(healthFreqKey))
	defer healthService.Stop()

	router := mux.NewRouter()
	router.Handle("/health", health.Handler(healthService)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", v.GetUint16(httpPortKey)),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("serving http", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go sealSyntheticBatches(ctx, store, v.GetDuration(sealIntervalKey), log)

	err = calc.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("shutting down")
		return nil
	}
	return err
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "statetree: %s\n", err)
		os.Exit(1)
	}
}
