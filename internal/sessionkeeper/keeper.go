// Package sessionkeeper owns the portal authentication lifecycle. It cycles
// a single state machine forever: validate SSO, check trading-server auth,
// soft-reauth or fully relogin as needed, tickle while healthy. The streamer
// and the reconciler never touch session state; they load the snapshot this
// loop maintains.
package sessionkeeper

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"portalfeed/internal/broker"
	"portalfeed/internal/metrics"
)

const (
	sleepHealthy   = 1 * time.Second
	sleepTickleErr = 3 * time.Second
	sleepBackoff   = 10 * time.Second
)

// Broker is the slice of the portal client the keeper drives.
type Broker interface {
	SSOValidate(ctx context.Context) (*broker.SSOStatus, error)
	AuthStatus(ctx context.Context) (*broker.AuthStatus, error)
	Reauthenticate(ctx context.Context) (*broker.AuthStatus, error)
	Tickle(ctx context.Context) error
	PortalLogout(ctx context.Context) error
	SSOLogout(ctx context.Context) error
	ObtainSession(ctx context.Context) error
	LoadSession(ctx context.Context) error
	SaveSession(ctx context.Context) error
}

// Keeper runs the authentication loop.
type Keeper struct {
	broker  Broker
	log     *logrus.Entry
	metrics *metrics.Metrics
	health  *metrics.HealthStatus

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration)
}

// New creates a keeper. metrics and health may be nil.
func New(b Broker, m *metrics.Metrics, h *metrics.HealthStatus, log *logrus.Entry) *Keeper {
	return &Keeper{
		broker:  b,
		log:     log,
		metrics: m,
		health:  h,
		sleep:   sleepCtx,
	}
}

// Run loads the stored session and cycles until ctx is cancelled. It never
// returns an error: every transition recovers or retries.
func (k *Keeper) Run(ctx context.Context) {
	if err := k.broker.LoadSession(ctx); err != nil {
		k.log.WithError(err).Warn("no stored session, starting cold")
	}

	for ctx.Err() == nil {
		usable, pause := k.step(ctx)
		k.setUsable(usable)
		if pause > 0 {
			k.sleep(ctx, pause)
		}
	}
	k.log.Info("session keeper stopped")
}

// step runs one full pass of the state machine and reports whether the
// session ended the pass usable, plus how long to pause before the next pass.
func (k *Keeper) step(ctx context.Context) (usable bool, pause time.Duration) {
	sso, err := k.broker.SSOValidate(ctx)
	if err != nil || !sso.Valid() {
		if err != nil {
			k.log.WithError(err).Warn("sso validate failed")
		} else {
			k.log.Warn("sso session is dead")
		}
		return false, k.fullRelogin(ctx)
	}

	st, err := k.broker.AuthStatus(ctx)
	if err != nil {
		if errors.Is(err, broker.ErrUnauthenticated) {
			return false, k.fullRelogin(ctx)
		}
		k.log.WithError(err).Warn("iserver auth status failed")
		return false, sleepBackoff
	}

	if !st.Authenticated {
		k.log.Info("iserver not authenticated, soft reauth")
		st, err = k.broker.Reauthenticate(ctx)
		if err != nil || !st.Authenticated {
			if err != nil {
				k.log.WithError(err).Warn("soft reauth failed")
			}
			return false, k.fullRelogin(ctx)
		}
		if err := k.broker.SaveSession(ctx); err != nil {
			k.log.WithError(err).Warn("session save after reauth failed")
		}
	}

	k.log.Debug("session good")

	if err := k.broker.Tickle(ctx); err != nil {
		k.log.WithError(err).Warn("tickle failed")
		if k.metrics != nil {
			k.metrics.TickleErrors.Inc()
		}
		return true, sleepTickleErr
	}
	return true, sleepHealthy
}

// fullRelogin drops both sessions and obtains a fresh one with credentials.
// Returns the pause before the next pass: none on success, a backoff on
// failure.
func (k *Keeper) fullRelogin(ctx context.Context) time.Duration {
	k.log.Warn("full relogin")
	if k.metrics != nil {
		k.metrics.FullRelogins.Inc()
	}

	if err := k.broker.PortalLogout(ctx); err != nil {
		k.log.WithError(err).Debug("portal logout failed")
	}
	if err := k.broker.SSOLogout(ctx); err != nil {
		k.log.WithError(err).Debug("sso logout failed")
	}

	if err := k.broker.ObtainSession(ctx); err != nil {
		k.log.WithError(err).Error("relogin failed, waiting before retry")
		return sleepBackoff
	}
	k.log.Info("relogin succeeded")
	return 0
}

func (k *Keeper) setUsable(v bool) {
	if k.metrics != nil {
		if v {
			k.metrics.SessionUsable.Set(1)
		} else {
			k.metrics.SessionUsable.Set(0)
		}
	}
	if k.health != nil {
		k.health.SetSessionUsable(v)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
