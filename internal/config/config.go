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

// Package config loads dispatcher runtime configuration from the
// environment, then lets command-line flags override it, following
// the same seed-from-env-then-flag.*Var pattern used throughout this
// module's ambient tooling.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"dispatchd/internal/redact"
)

// Config holds every recognized runtime option: the dispatcher's
// wire-level knobs plus ambient server settings.
type Config struct {
	HTTPAddr string // DISPATCHD_HTTP_ADDR
	DBPath   string // DISPATCHD_DB_PATH
	LogLevel string // DISPATCHD_LOG_LEVEL

	CodeStorageRoot string        // DISPATCHD_CODE_STORAGE_ROOT
	RetentionWindow time.Duration // DISPATCHD_RETENTION_WINDOW

	NumNodes         int      // NUM_NODES
	BastionAddress   string   // BASTION_ADDRESS
	BastionUser      string   // BASTION_USER
	BastionSecondary string   // BASTION_SECONDARY
	NodeAddresses    []string // NODE_ADDRESSES (comma-separated)
	RemoteUser       string   // REMOTE_USER
	RemoteSecret     string   // REMOTE_SECRET

	SubmitRatePerMinute       int     // SUBMIT_RATE_PER_MINUTE
	MaxActiveJobsPerPrincipal int     // MAX_ACTIVE_JOBS_PER_PRINCIPAL
	CredentialMaxValidityDays int     // CREDENTIAL_MAX_VALIDITY_DAYS
	WallClockMultiplier       float64 // WALL_CLOCK_MULTIPLIER
	WaitMaxSeconds            int     // WAIT_MAX_SECONDS

	ScannerEnabled bool // SCANNER_ENABLED
	ScannerQuick   bool // SCANNER_QUICK

	RestartRemoteWorkspace bool // RESTART_REMOTE_WORKSPACE

	SupervisionPollInterval time.Duration // SUPERVISION_POLL_INTERVAL
	TransportConnectBudget time.Duration // TRANSPORT_CONNECT_BUDGET
	TransportKeepAlive     time.Duration // TRANSPORT_KEEPALIVE
	ReconnectBudget        int           // TRANSPORT_RECONNECT_BUDGET
}

// Default returns the baseline configuration before env/flag overrides.
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		DBPath:          "./dispatchd.db",
		LogLevel:        "info",
		CodeStorageRoot: "./var/dispatchd/code",
		RetentionWindow: 7 * 24 * time.Hour,

		NumNodes:       2,
		BastionAddress: "",
		BastionUser:    "",
		NodeAddresses:  nil,
		RemoteUser:     "",
		RemoteSecret:   "",

		SubmitRatePerMinute:       5,
		MaxActiveJobsPerPrincipal: 1,
		CredentialMaxValidityDays: 90,
		WallClockMultiplier:       2.0,
		WaitMaxSeconds:            300,

		ScannerEnabled: false,
		ScannerQuick:   false,

		RestartRemoteWorkspace: false,

		SupervisionPollInterval: 2 * time.Second,
		TransportConnectBudget:  30 * time.Second,
		TransportKeepAlive:      15 * time.Second,
		ReconnectBudget:         3,
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getenvStringSlice(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load builds the Config from environment variables and then applies
// flag overrides. Flags win when explicitly provided.
func Load() Config {
	def := Default()

	cfg := Config{
		HTTPAddr:        getenv("DISPATCHD_HTTP_ADDR", def.HTTPAddr),
		DBPath:          getenv("DISPATCHD_DB_PATH", def.DBPath),
		LogLevel:        getenv("DISPATCHD_LOG_LEVEL", def.LogLevel),
		CodeStorageRoot: getenv("DISPATCHD_CODE_STORAGE_ROOT", def.CodeStorageRoot),
		RetentionWindow: getenvDuration("DISPATCHD_RETENTION_WINDOW", def.RetentionWindow),

		NumNodes:         getenvInt("NUM_NODES", def.NumNodes),
		BastionAddress:   getenv("BASTION_ADDRESS", def.BastionAddress),
		BastionUser:      getenv("BASTION_USER", def.BastionUser),
		BastionSecondary: getenv("BASTION_SECONDARY", def.BastionSecondary),
		NodeAddresses:    getenvStringSlice("NODE_ADDRESSES", def.NodeAddresses),
		RemoteUser:       getenv("REMOTE_USER", def.RemoteUser),
		RemoteSecret:     getenv("REMOTE_SECRET", def.RemoteSecret),

		SubmitRatePerMinute:       getenvInt("SUBMIT_RATE_PER_MINUTE", def.SubmitRatePerMinute),
		MaxActiveJobsPerPrincipal: getenvInt("MAX_ACTIVE_JOBS_PER_PRINCIPAL", def.MaxActiveJobsPerPrincipal),
		CredentialMaxValidityDays: getenvInt("CREDENTIAL_MAX_VALIDITY_DAYS", def.CredentialMaxValidityDays),
		WallClockMultiplier:       getenvFloat("WALL_CLOCK_MULTIPLIER", def.WallClockMultiplier),
		WaitMaxSeconds:            getenvInt("WAIT_MAX_SECONDS", def.WaitMaxSeconds),

		ScannerEnabled: getenvBool("SCANNER_ENABLED", def.ScannerEnabled),
		ScannerQuick:   getenvBool("SCANNER_QUICK", def.ScannerQuick),

		RestartRemoteWorkspace: getenvBool("RESTART_REMOTE_WORKSPACE", def.RestartRemoteWorkspace),

		SupervisionPollInterval: getenvDuration("SUPERVISION_POLL_INTERVAL", def.SupervisionPollInterval),
		TransportConnectBudget:  getenvDuration("TRANSPORT_CONNECT_BUDGET", def.TransportConnectBudget),
		TransportKeepAlive:      getenvDuration("TRANSPORT_KEEPALIVE", def.TransportKeepAlive),
		ReconnectBudget:         getenvInt("TRANSPORT_RECONNECT_BUDGET", def.ReconnectBudget),
	}

	var nodeAddrs string
	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address (env DISPATCHD_HTTP_ADDR)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite DB path (env DISPATCHD_DB_PATH)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: info|debug (env DISPATCHD_LOG_LEVEL)")
	flag.StringVar(&cfg.CodeStorageRoot, "code-storage-root", cfg.CodeStorageRoot, "Local storage root for uploaded code artifacts")
	flag.DurationVar(&cfg.RetentionWindow, "retention-window", cfg.RetentionWindow, "Age after which terminal job artifacts are swept")
	flag.IntVar(&cfg.NumNodes, "num-nodes", cfg.NumNodes, "Number of compute nodes / workers (env NUM_NODES)")
	flag.StringVar(&cfg.BastionAddress, "bastion-address", cfg.BastionAddress, "Bastion host address (env BASTION_ADDRESS)")
	flag.StringVar(&cfg.BastionUser, "bastion-user", cfg.BastionUser, "Bastion SSH user (env BASTION_USER)")
	flag.StringVar(&cfg.BastionSecondary, "bastion-secondary", cfg.BastionSecondary, "Secondary bastion address (env BASTION_SECONDARY)")
	flag.StringVar(&nodeAddrs, "node-addresses", strings.Join(cfg.NodeAddresses, ","), "Comma-separated node addresses indexed by node id (env NODE_ADDRESSES)")
	flag.StringVar(&cfg.RemoteUser, "remote-user", cfg.RemoteUser, "Second-hop SSH user (env REMOTE_USER)")
	flag.StringVar(&cfg.RemoteSecret, "remote-secret", cfg.RemoteSecret, "Second-hop SSH secret (env REMOTE_SECRET)")
	flag.IntVar(&cfg.SubmitRatePerMinute, "submit-rate-per-minute", cfg.SubmitRatePerMinute, "Quota rate R (env SUBMIT_RATE_PER_MINUTE)")
	flag.IntVar(&cfg.MaxActiveJobsPerPrincipal, "max-active-jobs-per-principal", cfg.MaxActiveJobsPerPrincipal, "Concurrency cap (env MAX_ACTIVE_JOBS_PER_PRINCIPAL)")
	flag.IntVar(&cfg.CredentialMaxValidityDays, "credential-max-validity-days", cfg.CredentialMaxValidityDays, "Credential max validity in days")
	flag.Float64Var(&cfg.WallClockMultiplier, "wall-clock-multiplier", cfg.WallClockMultiplier, "K multiplier for advisory wall-clock timeout")
	flag.IntVar(&cfg.WaitMaxSeconds, "wait-max-seconds", cfg.WaitMaxSeconds, "Cap for synchronous submit wait")
	flag.BoolVar(&cfg.ScannerEnabled, "scanner-enabled", cfg.ScannerEnabled, "Enable pre-admission screening hook")
	flag.BoolVar(&cfg.ScannerQuick, "scanner-quick", cfg.ScannerQuick, "Use the quick variant of the screening hook")
	flag.BoolVar(&cfg.RestartRemoteWorkspace, "restart-remote-workspace", cfg.RestartRemoteWorkspace, "Reset the remote workspace before each job")
	flag.DurationVar(&cfg.SupervisionPollInterval, "supervision-poll-interval", cfg.SupervisionPollInterval, "Interval between is-alive-pid polls")
	flag.DurationVar(&cfg.TransportConnectBudget, "transport-connect-budget", cfg.TransportConnectBudget, "Overall budget for establishing the bastion+node session")
	flag.DurationVar(&cfg.TransportKeepAlive, "transport-keepalive", cfg.TransportKeepAlive, "Keepalive frame interval")
	flag.IntVar(&cfg.ReconnectBudget, "transport-reconnect-budget", cfg.ReconnectBudget, "Consecutive reconnect attempts before giving up")

	flag.Parse()

	if nodeAddrs != "" {
		cfg.NodeAddresses = parseStringSlice(nodeAddrs)
	}
	return cfg
}

func parseStringSlice(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RedactedSecret returns a log-safe masked form of a secret value.
func RedactedSecret(s string) string {
	return redact.Secret(s)
}
