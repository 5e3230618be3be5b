// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aumos-ai/device-trust-core/logger"
	"github.com/aumos-ai/device-trust-core/types"
)

// Run keeps a relay session alive until ctx ends or recovery is exhausted,
// in which case it returns *types.ErrRebootRequired. Each session is closed
// and reopened once it reaches its maximum lifetime.
func (s *Session) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		url := s.relays.Current()
		if url == "" {
			if err := s.refreshRelayList(ctx); err != nil {
				s.log.Warn("no relay available", zap.Error(err))
				if err := sleep(ctx, s.backoff.Delay(types.ClassOther, 1)); err != nil {
					return err
				}
				continue
			}
			url = s.relays.Current()
		}

		err := s.runOnce(ctx, url)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var te *types.ErrTransport
		if !errors.As(err, &te) {
			_, n := s.counters.Record(types.ClassOther)
			s.log.Warn("session ended", logger.Relay(url), zap.Int("consecutive", n), zap.Error(err))
			if err := sleep(ctx, s.backoff.Delay(types.ClassOther, n)); err != nil {
				return err
			}
			continue
		}

		esc, n := s.counters.Record(te.Class)
		s.metrics.Escalation(esc)
		fields := []zap.Field{logger.Relay(url), logger.ErrorClass(te.Class), zap.Int("consecutive", n), zap.Error(err)}
		switch esc {
		case types.EscalationReboot:
			s.log.Error("recovery exhausted, reboot required", fields...)
			return &types.ErrRebootRequired{Reason: fmt.Sprintf("%d consecutive %s failures", n, te.Class)}
		case types.EscalationRotateRelay:
			s.log.Error("rotating relay", fields...)
			s.rotateRelay(ctx)
		default:
			s.log.Warn("transport failure, reconnecting", fields...)
		}
		if err := sleep(ctx, s.backoff.Delay(te.Class, n)); err != nil {
			return err
		}
	}
}

// runOnce connects to url and alternates refresh stages with polls until
// the session lifetime is reached (nil) or a transport error ends it.
func (s *Session) runOnce(ctx context.Context, url string) error {
	if err := s.Connect(ctx, url); err != nil {
		return err
	}
	defer s.Close()

	deadline := s.connectedAt.Add(s.lifetime)
	for s.now().Before(deadline) {
		if s.RefreshDue() {
			if _, err := s.AdvanceConfigRefresh(ctx); err != nil && fatal(ctx, err) {
				return err
			}
		}
		if err := s.PollOnce(ctx); err != nil {
			if fatal(ctx, err) {
				return err
			}
			s.log.Debug("poll cycle error", zap.Error(err))
		}
	}
	s.log.Info("session lifetime reached, reconnecting", logger.Relay(url))
	return nil
}

// fatal reports whether err ends the session rather than a single cycle.
func fatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	var te *types.ErrTransport
	return errors.As(err, &te)
}

// rotateRelay moves to the next relay, refreshing the list once every known
// relay has been tried.
func (s *Session) rotateRelay(ctx context.Context) {
	next, exhausted := s.relays.Rotate()
	if !exhausted {
		s.log.Info("relay rotated", logger.Relay(next))
		return
	}
	if err := s.refreshRelayList(ctx); err != nil {
		s.log.Warn("relay list refresh failed", zap.Error(err))
	}
}

func (s *Session) refreshRelayList(ctx context.Context) error {
	if s.refreshRelays == nil {
		return errors.New("session: relay list exhausted and no refresh source")
	}
	urls, err := s.refreshRelays(ctx)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return errors.New("session: relay list refresh returned no relays")
	}
	s.relays.Replace(urls)
	s.log.Info("relay list replaced", zap.Strings("relais", urls))
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
