// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Program svcd is an example server binary that wires a svc.Conn core to
// a TCP listener, for exercising the service package end to end. It is
// not part of the core; it exists to give the core a runnable host.
package main

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/value"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.uber.org/zap"

	"github.com/gopiped/svc"
	"github.com/gopiped/svc/catalog"
	"github.com/gopiped/svc/channel"
	"github.com/gopiped/svc/cmd/svcd/internal/echo"
	"github.com/gopiped/svc/svcconn"
)

// serveFlags holds the flags for the serve subcommand, bound by field tags
// the way flax binds a struct's fields directly to a flag.FlagSet.
type serveFlags struct {
	Addr           string        `flag:"addr,default=:4460,Address to listen on"`
	MetricsAddr    string        `flag:"metrics-addr,Serve Prometheus metrics and expvar on this address (empty disables)"`
	IdlePeriod     time.Duration `flag:"idle-period,default=1s,Idle sweep interval"`
	RequestTimeout time.Duration `flag:"request-timeout,default=5s,Per-request timeout (0 disables)"`
	BufferSize     int           `flag:"buffer-size,default=64,Per-connection request buffer size"`
	LogErrors      bool          `flag:"log-errors,default=true,Log per-request failures"`
	Verbose        bool          `flag:"v,default=false,Verbose (debug) logging"`
}

func main() {
	var sf serveFlags

	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Run an example server built on the svc pipelined request/response core.",
		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "[flags]",
				Help:  "Start a TCP server exposing a small demo catalog of methods.",
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
					flax.MustBind(fs, &sf)
				},
				Run: func(env *command.Env) error {
					return runServe(env.Context(), sf)
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runServe(ctx context.Context, sf serveFlags) error {
	level := value.Cond(sf.Verbose, zap.DebugLevel, zap.InfoLevel)
	logCfg := zap.NewProductionConfig()
	logCfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := logCfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	lst, err := net.Listen("tcp", sf.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", sf.Addr, err)
	}
	logger.Info("listening", zap.String("addr", lst.Addr().String()))

	cat := catalog.New().Add("echo", "upper", "time")
	dispatch := cat.Bind().
		Handle("echo", echo.Handler()).
		Handle("upper", echo.UpperHandler()).
		Handle("time", echo.TimeHandler())

	m := svc.NewMetrics("svcd")
	expvar.Publish("svcd", m.Map())
	if sf.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
		mux.Handle("/debug/vars", expvar.Handler())
		go func() {
			if err := http.ListenAndServe(sf.MetricsAddr, mux); err != nil {
				logger.Error("metrics server exited", zap.Error(err))
			}
		}()
		logger.Info("serving metrics", zap.String("addr", sf.MetricsAddr))
	}
	cfg := svc.Config{
		Name:              "svcd",
		RequestTimeout:    sf.RequestTimeout,
		RequestBufferSize: sf.BufferSize,
		LogErrors:         sf.LogErrors,
		RequestMetrics:    true,
		Logger:            logger,
	}

	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	newConn := func(ch channel.Channel) *svcconn.Conn {
		return svcconn.New(ch, dispatch, cfg, svc.SystemClock{}, m)
	}

	err = svcconn.Loop(sctx, svcconn.NetAccepter(lst), sf.IdlePeriod, newConn)
	if err != nil {
		logger.Error("server exited", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}
