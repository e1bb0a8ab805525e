// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Command masqd runs the translator between two UDP encapsulated links,
// exposing the control plane on a unix socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/noisysockets/masquerade"
	"github.com/noisysockets/masquerade/control"
	"github.com/noisysockets/masquerade/packet"
	"golang.org/x/sync/errgroup"
)

const poolSize = 4096

func main() {
	configPath := flag.String("config", "/etc/masqd/config.yaml", "Path to the configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	conf, err := masquerade.LoadConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, conf, *debug); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Exiting", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, conf *masquerade.Config, debug bool) error {
	engineConf, err := conf.EngineConfig()
	if err != nil {
		return err
	}

	e, err := masquerade.NewEngine(logger, engineConf)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	if err := e.RegisterModules(logger, conf); err != nil {
		return fmt.Errorf("failed to register modules: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	if conf.Control != nil && conf.Control.Socket != "" {
		lis, err := control.Listen(conf.Control.Socket)
		if err != nil {
			return fmt.Errorf("failed to listen on control socket: %w", err)
		}

		logger.Info("Serving control plane", slog.String("socket", conf.Control.Socket))

		srv := control.NewServer(logger, control.NewDispatcher(logger, e.Registry()))
		g.Go(func() error {
			defer os.Remove(conf.Control.Socket)
			return srv.Serve(ctx, lis)
		})
	}

	if conf.Inside != nil && conf.Outside != nil {
		pool := packet.NewPool(poolSize, debug)

		inside, err := listenLink(logger, pool, conf.Inside)
		if err != nil {
			return fmt.Errorf("failed to open inside link: %w", err)
		}
		defer inside.Close()

		outside, err := listenLink(logger, pool, conf.Outside)
		if err != nil {
			return fmt.Errorf("failed to open outside link: %w", err)
		}
		defer outside.Close()

		logger.Info("Translating",
			slog.String("public", e.Public().String()),
			slog.String("inside", conf.Inside.Listen.String()),
			slog.String("outside", conf.Outside.Listen.String()))

		g.Go(func() error {
			return e.Attach(ctx, inside, outside)
		})
	} else {
		logger.Warn("No links configured, serving the control plane only")
	}

	g.Go(func() error {
		return e.Run(ctx)
	})

	return g.Wait()
}

func listenLink(logger *slog.Logger, pool *packet.Pool, conf *masquerade.LinkConfig) (*masquerade.PacketConn, error) {
	return masquerade.ListenPacketConn(logger, conf.Listen, conf.Peer, pool, &masquerade.PacketConnConfig{
		MTU: conf.MTU,
	})
}
