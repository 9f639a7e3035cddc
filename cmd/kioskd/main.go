// Copyright 2025 Loyaltix
// SPDX-License-Identifier: Apache-2.0

// kioskd runs the kiosk sync engine as a standalone daemon: it keeps the
// local operation queue reconciling with the backend and exposes Prometheus
// metrics for fleet monitoring.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/loyaltix/kiosk-sync/kiosksync"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "kioskd",
		Short: "Loyalty kiosk sync daemon",
		Long:  "kioskd keeps an unattended loyalty kiosk reconciling its queued operations with the backend across network outages.",
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default /etc/kioskd/kioskd.yaml)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("kioskd")
		viper.AddConfigPath("/etc/kioskd")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("KIOSKD")
	viper.AutomaticEnv()

	viper.SetDefault("db_path", "/var/lib/kioskd/kiosk.db")
	viper.SetDefault("sync_interval", 30*time.Second)
	viper.SetDefault("probe_interval", 10*time.Second)
	viper.SetDefault("batch_limit", 50)
	viper.SetDefault("cache_ttl", 30*24*time.Hour)
	viper.SetDefault("metrics_addr", ":9464")
	viper.SetDefault("log_level", "info")

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; env and flags can carry everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

func newLogger() *slog.Logger {
	var w io.Writer = os.Stdout
	if logFile := viper.GetString("log_file"); logFile != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    20, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
		})
	}
	level := slog.LevelInfo
	if viper.GetString("log_level") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func run() error {
	if err := loadConfig(); err != nil {
		return err
	}
	logger := newLogger()

	serverURL := viper.GetString("server_url")
	if serverURL == "" {
		return fmt.Errorf("server_url is required (config key or KIOSKD_SERVER_URL)")
	}
	deviceToken := viper.GetString("device_token")
	if deviceToken == "" {
		return fmt.Errorf("device_token is required (config key or KIOSKD_DEVICE_TOKEN)")
	}

	if claims, err := kiosksync.InspectToken(deviceToken); err == nil {
		logger.Info("device token loaded", "device_id", claims.DeviceID, "expires_at", claims.ExpiresAt)
		if !claims.ExpiresAt.IsZero() && time.Until(claims.ExpiresAt) < 7*24*time.Hour {
			logger.Warn("device token expires soon, re-provision this kiosk", "expires_at", claims.ExpiresAt)
		}
	}

	db, err := sql.Open("sqlite3", viper.GetString("db_path"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	cfg := kiosksync.DefaultConfig(serverURL, kiosksync.StaticToken(deviceToken))
	cfg.SyncInterval = viper.GetDuration("sync_interval")
	cfg.ProbeInterval = viper.GetDuration("probe_interval")
	cfg.BatchLimit = viper.GetInt("batch_limit")
	cfg.CacheTTL = viper.GetDuration("cache_ttl")
	cfg.Logger = logger

	engine, err := kiosksync.NewEngine(db, cfg)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	registry := prometheus.NewRegistry()
	kiosksync.RegisterMetrics(registry)
	metricsSrv := &http.Server{
		Addr:    viper.GetString("metrics_addr"),
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	unsubscribe := engine.Status.Subscribe(func(status kiosksync.Status, pending int) {
		logger.Info("sync status changed", "status", status, "pending", pending)
	})
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	logger.Info("kioskd started", "server", serverURL, "db", viper.GetString("db_path"),
		"metrics", viper.GetString("metrics_addr"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	engine.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", "error", err)
	}
	return nil
}
