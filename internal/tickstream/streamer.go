// Package tickstream is the realtime market-data socket client. It keeps one
// websocket to the portal alive, answers the session challenge, subscribes
// every configured instrument, normalizes last-price updates into ticks and
// republishes them, and restarts the socket whenever the peer goes silent or
// the session dies.
package tickstream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"portalfeed/internal/metrics"
	"portalfeed/internal/model"
	storeredis "portalfeed/internal/store/redis"
)

const (
	reconnectSleep = 1 * time.Second
	storeErrSleep  = 3 * time.Second
)

// Publisher is the slice of the store the streamer writes through.
type Publisher interface {
	Publish(channel, payload string) error
}

// Broker supplies the socket endpoint and session material.
type Broker interface {
	SocketURL() string
	Cookie(name string) string
	LoadSession(ctx context.Context) error
}

// Streamer owns the socket lifecycle.
type Streamer struct {
	broker      Broker
	store       Publisher
	instruments []model.Instrument
	log         *logrus.Entry
	metrics     *metrics.Metrics
	health      *metrics.HealthStatus

	dialer *websocket.Dialer
}

// New creates a streamer. metrics and health may be nil.
func New(b Broker, store Publisher, instruments []model.Instrument,
	m *metrics.Metrics, h *metrics.HealthStatus, log *logrus.Entry) *Streamer {
	return &Streamer{
		broker:      b,
		store:       store,
		instruments: instruments,
		log:         log,
		metrics:     m,
		health:      h,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Run reconnects forever until ctx is cancelled. Each iteration is one
// socket lifetime; the counter is monotonic for log correlation.
func (s *Streamer) Run(ctx context.Context) {
	iteration := 0
	for ctx.Err() == nil {
		iteration++
		log := s.log.WithField("iteration", iteration)

		err := s.runOnce(ctx, log)
		if ctx.Err() != nil {
			break
		}

		if s.metrics != nil {
			s.metrics.SocketReconnects.Inc()
		}
		if s.health != nil {
			s.health.SetSocketConnected(false)
		}

		pause := reconnectSleep
		var pe *publishError
		if errors.As(err, &pe) {
			pause = storeErrSleep
		}
		log.WithError(err).Warn("socket closed, reconnecting")
		sleepCtx(ctx, pause)
	}
	s.log.Info("tick streamer stopped")
}

// runOnce opens one socket and reads it until it dies or ctx is cancelled.
func (s *Streamer) runOnce(ctx context.Context, log *logrus.Entry) error {
	if err := s.broker.LoadSession(ctx); err != nil {
		return err
	}
	cp := s.broker.Cookie("cp")
	if cp == "" {
		return errors.New("no cp cookie, session keeper has not logged in yet")
	}

	header := http.Header{}
	header.Set("Cookie", "cp="+cp)
	conn, _, err := s.dialer.DialContext(ctx, s.broker.SocketURL(), header)
	if err != nil {
		return err
	}

	log.WithField("url", s.broker.SocketURL()).Info("socket connected")
	if s.health != nil {
		s.health.SetSocketConnected(true)
	}

	var sendMu sync.Mutex
	send := func(msg string) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, []byte(msg))
	}

	sess := newSession(cp, s.instruments, s.store, s.metrics, s.health, log, send)

	// graceful shutdown: unsubscribe, then close, which unblocks the reader
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			sess.unsubscribeAll()
			sendMu.Lock()
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			sendMu.Unlock()
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	for {
		// the watchdog: a peer silent for 15 s is dead
		conn.SetReadDeadline(time.Now().Add(recvTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := sess.handle(data); err != nil {
			return err
		}
	}
}

// StoreAdapter binds a redis store and a context into the Publisher the
// dispatch layer uses.
type StoreAdapter struct {
	Ctx   context.Context
	Store *storeredis.Store
}

func (a StoreAdapter) Publish(channel, payload string) error {
	return a.Store.Publish(a.Ctx, channel, payload)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
