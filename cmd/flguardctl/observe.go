package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func newLogger(level, path string) (hclog.Logger, func(), error) {
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		return nil, nil, fmt.Errorf("unsupported log level: %s", level)
	}
	var out io.Writer = os.Stderr
	closeLog := func() {}
	if path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(os.Stderr, file)
		closeLog = func() { _ = file.Close() }
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "flguardctl",
		Level:  lvl,
		Output: out,
	})
	return logger, closeLog, nil
}

// serveMetrics exposes reg on addr under /metrics until the returned
// shutdown is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger hclog.Logger) (func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{
		Handler:  mux,
		ErrorLog: logger.StandardLogger(&hclog.StandardLoggerOptions{}),
	}

	go func() {
		logger.Info("serving metrics", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}
