// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aumos-ai/device-trust-core/channel"
	"github.com/aumos-ai/device-trust-core/config"
	"github.com/aumos-ai/device-trust-core/enroll"
	"github.com/aumos-ai/device-trust-core/envelope"
	"github.com/aumos-ai/device-trust-core/keys"
	"github.com/aumos-ai/device-trust-core/logger"
	"github.com/aumos-ai/device-trust-core/metrics"
	"github.com/aumos-ai/device-trust-core/node"
	"github.com/aumos-ai/device-trust-core/offload"
	"github.com/aumos-ai/device-trust-core/session"
	"github.com/aumos-ai/device-trust-core/transport"
)

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.Named("devicenode")
	store, docs, err := openTrust(cfg)
	if err != nil {
		return err
	}
	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	dialTimeout := config.Duration(cfg.Relay.DialTimeout, 20*time.Second)
	client := enroll.NewClient(enroll.Options{
		HTTPClient: &http.Client{Timeout: dialTimeout},
		Logger:     logger.Named("enroll"),
	})

	var conn *enroll.ConnectionConfig
	if cfg.Relay.FicheURL != "" {
		conn = &enroll.ConnectionConfig{
			FicheURL:  cfg.Relay.FicheURL,
			EnrollURL: cfg.Relay.EnrollURL,
			Relais:    cfg.Relay.Relays,
		}
	}

	started := time.Now()
	opts := node.Options{
		Docs:       docs,
		Trust:      store,
		Client:     client,
		DeviceID:   cfg.Device.UUID,
		DeviceName: cfg.Device.Name,
		Connection: conn,
		IDMG:       cfg.Relay.IDMG,
		Session: session.Options{
			Verifier: envelope.NewVerifier(store, envelope.VerifierOptions{Logger: logger.Named("envelope")}),
			Channel: channel.New(cfg.Device.UUID, channel.Options{
				TTL:    config.Duration(cfg.Channel.TTL, channel.DefaultTTL),
				Logger: logger.Named("channel"),
			}),
			Dialer: transport.NewWebSocketDialer(transport.WebSocketOptions{
				HandshakeTimeout: dialTimeout,
				MaxFrameBytes:    cfg.Relay.MaxFrameBytes,
				Logger:           logger.Named("transport"),
			}),
			State: session.StateFunc(func(context.Context) (map[string]any, error) {
				return map[string]any{"version": version, "uptime": int64(time.Since(started).Seconds())}, nil
			}),
			Relays:          cfg.Relay.Relays,
			PollTimeout:     config.Duration(cfg.Relay.PollTimeout, 30*time.Second),
			Lifetime:        config.Duration(cfg.Relay.SessionLifetime, time.Hour),
			RefreshInterval: config.Duration(cfg.Relay.RefreshInterval, 15*time.Minute),
			RenewalHorizon:  config.Duration(cfg.Trust.RenewalHorizon, keys.DefaultRenewalPolicy().Horizon),
			Thresholds: session.Thresholds{
				OutOfMemoryReboot:     cfg.Escalation.OutOfMemoryReboot,
				ConnectionResetRotate: cfg.Escalation.ConnectionResetRotate,
				ConnectionResetReboot: cfg.Escalation.ConnectionResetReboot,
				UnsupportedRotate:     cfg.Escalation.UnsupportedRotate,
			},
			Backoff: session.Backoff{
				ConnectionReset: config.Duration(cfg.Backoff.ConnectionReset, 5*time.Second),
				OutOfMemory:     config.Duration(cfg.Backoff.OutOfMemory, 2*time.Second),
				Unsupported:     config.Duration(cfg.Backoff.Unsupported, time.Second),
				Other:           config.Duration(cfg.Backoff.Other, 10*time.Second),
				Max:             config.Duration(cfg.Backoff.Max, 5*time.Minute),
			},
			Offload: offload.New(cfg.Offload.Workers),
			Metrics: m,
			Logger:  logger.Named("session"),
		},
		Challenges: enroll.ChallengeFunc(func(_ context.Context, codes []int) error {
			log.Info("confirmation challenge", zap.Ints("codes", codes))
			return nil
		}),
		Logger: logger.Named("node"),
	}
	if cfg.Metrics.Addr != "" {
		opts.Tasks = append(opts.Tasks, serveMetrics(cfg.Metrics.Addr, log))
	}

	c, err := node.New(opts)
	if err != nil {
		return err
	}
	log.Info("node starting", zap.String("device", cfg.Device.UUID), zap.String("data_dir", cfg.Device.DataDir))
	err = c.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("node stopped")
		return nil
	}
	return err
}

func serveMetrics(addr string, log *zap.Logger) node.Task {
	return func(ctx context.Context) error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdown)
		}()
		log.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
