// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

// Package node is the boot controller of a device. It re-reads the trust
// mode on every iteration and performs that mode's action until the node is
// operational, then keeps the relay session running.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aumos-ai/device-trust-core/dispatch"
	"github.com/aumos-ai/device-trust-core/enroll"
	"github.com/aumos-ai/device-trust-core/logger"
	"github.com/aumos-ai/device-trust-core/session"
	"github.com/aumos-ai/device-trust-core/storage"
	"github.com/aumos-ai/device-trust-core/trust"
	"github.com/aumos-ai/device-trust-core/types"
)

// ErrAwaitingConfig is reported while no connection config exists and none
// was supplied.
var ErrAwaitingConfig = errors.New("node: waiting for connection config")

// Task is an independent activity run alongside the controller, such as
// sensor polling or link maintenance. A Task returning an error stops the node.
type Task func(ctx context.Context) error

// Options configures a Controller. Docs, Trust, Client and Session are required.
type Options struct {
	Docs   storage.Store
	Trust  *trust.Store
	Client *enroll.Client

	DeviceID   string
	DeviceName string
	// Connection is written when the node has no connection config yet.
	Connection *enroll.ConnectionConfig
	// IDMG pins the expected root identifier. Required whenever a root is
	// installed from a fiche.
	IDMG string

	// Session is the template for the relay session. Trust, Docs, Router and
	// RefreshRelays are filled in when unset.
	Session session.Options
	Router  *dispatch.Router
	// Challenges shows enrollment and relay challenges. Optional.
	Challenges enroll.ChallengeSink

	// LinkUp and TimeSynced gate network and certificate work. nil means
	// always ready.
	LinkUp     *Signal
	TimeSynced *Signal

	// Retry is the delay between failed iterations. Default 30s.
	Retry  time.Duration
	Tasks  []Task
	Logger *zap.Logger
}

// Controller drives a node through its trust modes.
type Controller struct {
	opts     Options
	enroller *enroll.Enroller
	router   *dispatch.Router
	session  *session.Session
	log      *zap.Logger
}

// New returns a Controller.
func New(opts Options) (*Controller, error) {
	if opts.Docs == nil || opts.Trust == nil || opts.Client == nil {
		return nil, errors.New("node: docs, trust and client are required")
	}
	if opts.IDMG == "" && opts.Connection != nil && opts.Connection.FicheURL != "" {
		return nil, fmt.Errorf("node: idmg is required with fiche_url: %w", enroll.ErrIDMGRequired)
	}
	if opts.Retry <= 0 {
		opts.Retry = 30 * time.Second
	}
	log := logger.Or(opts.Logger, "node")
	router := opts.Router
	if router == nil {
		router = dispatch.NewRouter(log)
	}
	c := &Controller{
		opts:   opts,
		router: router,
		log:    log,
		enroller: enroll.NewEnroller(opts.Client, opts.Trust, enroll.EnrollerOptions{
			DeviceID:   opts.DeviceID,
			DeviceName: opts.DeviceName,
			Challenges: opts.Challenges,
			Logger:     opts.Logger,
		}),
	}
	if opts.Challenges != nil {
		router.Handle(dispatch.ActionChallenge, dispatch.HandlerFunc(c.onChallenge))
	}
	return c, nil
}

// Router returns the command router handed to the session.
func (c *Controller) Router() *dispatch.Router { return c.router }

// Run drives the node and its tasks until ctx ends, a task fails, or the
// session asks for a reboot (*types.ErrRebootRequired).
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.loop(ctx) })
	for _, task := range c.opts.Tasks {
		task := task
		g.Go(func() error { return task(ctx) })
	}
	return g.Wait()
}

func (c *Controller) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		mode, err := c.opts.Trust.CurrentMode(ctx)
		if err == nil {
			err = c.Step(ctx, mode)
			if err == nil {
				continue
			}
		}

		var reboot *types.ErrRebootRequired
		switch {
		case errors.As(err, &reboot):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrAwaitingConfig), enroll.IsPending(err):
			c.log.Info("waiting", logger.Mode(mode), zap.Error(err))
		default:
			c.log.Warn("mode step failed", logger.Mode(mode), zap.Error(err))
		}
		if err := sleep(ctx, c.opts.Retry); err != nil {
			return err
		}
	}
}

// Step performs the action of mode once.
func (c *Controller) Step(ctx context.Context, mode types.Mode) error {
	switch mode {
	case types.ModeNeedsEnrollmentConfig:
		if c.opts.Connection == nil {
			return ErrAwaitingConfig
		}
		c.log.Info("writing connection config")
		return enroll.SaveConnectionConfig(ctx, c.opts.Docs, c.opts.Connection)

	case types.ModeNeedsRootCertificate:
		if err := wait(ctx, c.opts.LinkUp); err != nil {
			return err
		}
		return c.installRoot(ctx)

	case types.ModeNeedsDeviceCertificate:
		if err := c.waitReady(ctx); err != nil {
			return err
		}
		cfg, err := enroll.LoadConnectionConfig(ctx, c.opts.Docs)
		if err != nil {
			return err
		}
		if cfg.EnrollURL == "" {
			return fmt.Errorf("node: connection config has no enroll_url")
		}
		return c.enroller.Enroll(ctx, cfg.EnrollURL, cfg.UserID)

	case types.ModeOperational:
		if err := c.waitReady(ctx); err != nil {
			return err
		}
		s, err := c.Session(ctx)
		if err != nil {
			return err
		}
		return s.Run(ctx)
	}
	return fmt.Errorf("node: unknown mode %q", mode)
}

func (c *Controller) waitReady(ctx context.Context) error {
	if err := wait(ctx, c.opts.LinkUp); err != nil {
		return err
	}
	return wait(ctx, c.opts.TimeSynced)
}

func (c *Controller) installRoot(ctx context.Context) error {
	cfg, err := enroll.LoadConnectionConfig(ctx, c.opts.Docs)
	if err != nil {
		return err
	}
	if cfg.FicheURL == "" {
		return fmt.Errorf("node: connection config has no fiche_url")
	}
	fiche, err := c.enroller.InstallRootFromFiche(ctx, cfg.FicheURL, c.opts.IDMG)
	if err != nil {
		return err
	}
	c.log.Info("root installed", zap.String("idmg", fiche.IDMG))
	if len(fiche.Relais) == 0 {
		return nil
	}
	if err := c.saveRelays(ctx, fiche.Relais); err != nil {
		return err
	}
	cfg.Relais = fiche.Relais
	return enroll.SaveConnectionConfig(ctx, c.opts.Docs, cfg)
}

// Session returns the relay session, building it on first use.
func (c *Controller) Session(ctx context.Context) (*session.Session, error) {
	if c.session != nil {
		return c.session, nil
	}
	opts := c.opts.Session
	opts.Trust = c.opts.Trust
	opts.Docs = c.opts.Docs
	if opts.DeviceID == "" {
		opts.DeviceID = c.opts.DeviceID
	}
	if opts.DeviceName == "" {
		opts.DeviceName = c.opts.DeviceName
	}
	if opts.Router == nil {
		opts.Router = c.router
	}
	if opts.RefreshRelays == nil {
		opts.RefreshRelays = c.refreshRelays
	}
	// Without a persisted relay list, fall back to the connection config's.
	if len(opts.Relays) == 0 {
		if ok, _ := c.opts.Docs.Exists(ctx, storage.RelayList); !ok {
			if cfg, err := enroll.LoadConnectionConfig(ctx, c.opts.Docs); err == nil {
				opts.Relays = cfg.Relais
			}
		}
	}
	s, err := session.New(ctx, opts)
	if err != nil {
		return nil, err
	}
	c.session = s
	return s, nil
}

// refreshRelays fetches the fiche again and keeps its relay list when it
// comes from the pinned root.
func (c *Controller) refreshRelays(ctx context.Context) ([]string, error) {
	cfg, err := enroll.LoadConnectionConfig(ctx, c.opts.Docs)
	if err != nil {
		return nil, err
	}
	if cfg.FicheURL == "" {
		return nil, fmt.Errorf("node: connection config has no fiche_url")
	}
	fiche, err := c.opts.Client.FetchFiche(ctx, cfg.FicheURL)
	if err != nil {
		return nil, err
	}
	idmg, err := c.opts.Trust.IDMG(ctx)
	if err != nil {
		return nil, err
	}
	if fiche.IDMG != idmg {
		return nil, &types.ErrTrust{Kind: types.TrustIdentityMismatch, Reason: fmt.Sprintf("fiche idmg %s, pinned %s", fiche.IDMG, idmg)}
	}
	if err := c.saveRelays(ctx, fiche.Relais); err != nil {
		return nil, err
	}
	return fiche.Relais, nil
}

func (c *Controller) saveRelays(ctx context.Context, relais []string) error {
	return storage.PutJSON(ctx, c.opts.Docs, storage.RelayList, map[string][]string{"relais": relais})
}

// onChallenge forwards a relay challenge to the challenge sink.
func (c *Controller) onChallenge(ctx context.Context, cmd dispatch.Command) error {
	raw, _ := cmd.Payload["challenge"].([]any)
	codes := make([]int, 0, len(raw))
	for _, v := range raw {
		n, err := toInt(v)
		if err != nil {
			return fmt.Errorf("node: challenge: %w", err)
		}
		codes = append(codes, n)
	}
	if len(codes) == 0 {
		return fmt.Errorf("node: challenge without codes")
	}
	return c.opts.Challenges.Challenge(ctx, codes)
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	}
	return 0, fmt.Errorf("not a number: %T", v)
}

func wait(ctx context.Context, s *Signal) error {
	if s == nil {
		return nil
	}
	return s.Wait(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
