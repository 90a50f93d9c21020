package main

// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dispatchd/internal/api"
	"dispatchd/internal/auth"
	"dispatchd/internal/config"
	"dispatchd/internal/logging"
	"dispatchd/internal/metrics"
	"dispatchd/internal/middleware"
	"dispatchd/internal/quota"
	"dispatchd/internal/reqid"
	"dispatchd/internal/retention"
	"dispatchd/internal/scanner"
	"dispatchd/internal/store"
	"dispatchd/internal/transport"
	"dispatchd/internal/worker"
)

func logConfig(cfg config.Config) {
	log.Printf("dispatchd configuration:")
	log.Printf("  addr=%s", cfg.HTTPAddr)
	log.Printf("  db=%s", cfg.DBPath)
	log.Printf("  code_storage_root=%s", cfg.CodeStorageRoot)
	log.Printf("  retention_window=%s", cfg.RetentionWindow)
	log.Printf("  num_nodes=%d", cfg.NumNodes)
	log.Printf("  bastion_address=%s", cfg.BastionAddress)
	log.Printf("  node_addresses=%v", cfg.NodeAddresses)
	log.Printf("  remote_user=%s", cfg.RemoteUser)
	log.Printf("  remote_secret=%s", config.RedactedSecret(cfg.RemoteSecret))
	log.Printf("  submit_rate_per_minute=%d", cfg.SubmitRatePerMinute)
	log.Printf("  max_active_jobs_per_principal=%d", cfg.MaxActiveJobsPerPrincipal)
	log.Printf("  wall_clock_multiplier=%v", cfg.WallClockMultiplier)
	log.Printf("  wait_max_seconds=%d", cfg.WaitMaxSeconds)
	log.Printf("  scanner_enabled=%v scanner_quick=%v", cfg.ScannerEnabled, cfg.ScannerQuick)
	log.Printf("  restart_remote_workspace=%v", cfg.RestartRemoteWorkspace)
	log.Printf("  log_level=%s", cfg.LogLevel)
}

func nodeAddress(cfg config.Config, idx int) string {
	if idx >= 0 && idx < len(cfg.NodeAddresses) {
		return cfg.NodeAddresses[idx]
	}
	return ""
}

// newMux wires the API's routes alongside /metrics and the root
// banner, then wraps the whole surface in the ambient middleware
// chain: a correlation ID on every request, echoed back, and the
// fixed set of security headers on every response.
func newMux(ap *api.API) http.Handler {
	mux := http.NewServeMux()
	ap.Register(mux)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeRootBanner(w)
	})
	wrapped := middleware.SecurityHeaders(middleware.DefaultSecurityHeadersConfig())(mux)
	return reqid.Middleware(wrapped)
}

func writeRootBanner(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"name":"dispatchd","status":"running"}`))
}

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[dispatchd] ")

	cfg := config.Load()
	logConfig(cfg)
	logger := logging.New(cfg.LogLevel)

	st, err := store.Open(context.Background(), cfg.DBPath)
	if err != nil {
		log.Printf("failed to open store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.EnsureNodes(context.Background(), cfg.NumNodes); err != nil {
		log.Printf("failed to initialize node rows: %v", err)
		os.Exit(1)
	}

	authn := auth.New(st, cfg.CredentialMaxValidityDays)
	limiter := quota.New(cfg.SubmitRatePerMinute)
	defer limiter.Stop()
	scan := scanner.New(cfg.ScannerEnabled, cfg.ScannerQuick)

	ap := api.New(st, authn, limiter, scan, api.Config{
		CodeStorageRoot:           cfg.CodeStorageRoot,
		MaxActiveJobsPerPrincipal: cfg.MaxActiveJobsPerPrincipal,
		WaitMaxSeconds:            cfg.WaitMaxSeconds,
		NodeAddresses:             cfg.NodeAddresses,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	for i := 0; i < cfg.NumNodes; i++ {
		tcfg := transport.Config{
			BastionAddress:   cfg.BastionAddress,
			BastionUser:      cfg.BastionUser,
			BastionSecondary: cfg.BastionSecondary,
			NodeAddress:      nodeAddress(cfg, i),
			RemoteUser:       cfg.RemoteUser,
			RemoteSecret:     cfg.RemoteSecret,
			ConnectBudget:    cfg.TransportConnectBudget,
			KeepAlive:        cfg.TransportKeepAlive,
			ReconnectBudget:  cfg.ReconnectBudget,
		}
		tr := transport.NewSSHTransport(tcfg, logger)
		tr.StartKeepAlive(workerCtx)
		w := worker.New(st, tr, worker.Config{
			NodeIndex:               i,
			SupervisionPollInterval: cfg.SupervisionPollInterval,
			WallClockMultiplier:     cfg.WallClockMultiplier,
			RestartRemoteWorkspace:  cfg.RestartRemoteWorkspace,
			ReconnectBudget:         cfg.ReconnectBudget,
		}, logger)
		go w.Run(workerCtx)
	}

	sweeper := retention.New(st, cfg.RetentionWindow, time.Hour, logger)
	retentionCtx, retentionCancel := context.WithCancel(context.Background())
	go sweeper.Run(retentionCtx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newMux(ap),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal: %s, initiating graceful shutdown...", sig)
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	workerCancel()
	retentionCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	} else {
		log.Printf("shutdown complete")
	}
}
