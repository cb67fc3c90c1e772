// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package envconfig reads VITMOE_* environment variables.
package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
)

const defaultPort = "8080"

// Var returns the trimmed value of key with surrounding quotes removed.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// LogLevel reads VITMOE_DEBUG. true or 1 selects debug; larger integers go
// below debug in steps of 4.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("VITMOE_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

// NumThreads reads VITMOE_NUM_THREADS, the expert worker limit. Default is
// GOMAXPROCS.
func NumThreads() int {
	return intVar("VITMOE_NUM_THREADS", runtime.GOMAXPROCS(0), 1)
}

// Seed reads VITMOE_SEED. Default 42.
func Seed() int64 {
	if s := Var("VITMOE_SEED"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			return n
		}
		slog.Warn("invalid environment variable, using default", "key", "VITMOE_SEED", "value", s, "default", 42)
	}
	return 42
}

// Host reads VITMOE_HOST as [scheme://]host[:port].
// Default: http://127.0.0.1:8080
func Host() *url.URL {
	port := defaultPort
	s := Var("VITMOE_HOST")
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		port = "80"
	case scheme == "https":
		port = "443"
	}

	hostport, _, _ = strings.Cut(hostport, "/")
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		host, p = "127.0.0.1", port
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}
	if n, err := strconv.ParseInt(p, 10, 32); err != nil || n < 0 || n > 65535 {
		slog.Warn("invalid port, using default", "port", p, "default", port)
		p = port
	}
	return &url.URL{Scheme: scheme, Host: net.JoinHostPort(host, p)}
}

// AllowedOrigins reads VITMOE_ORIGINS (comma separated) and appends the
// local origins.
func AllowedOrigins() (origins []string) {
	if s := Var("VITMOE_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}
	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}
	return origins
}

func intVar(key string, def, lo int) int {
	if s := Var(key); s != "" {
		n, err := strconv.Atoi(s)
		if err == nil && n >= lo {
			return n
		}
		slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", def)
	}
	return def
}
