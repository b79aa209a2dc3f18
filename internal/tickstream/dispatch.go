package tickstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"portalfeed/internal/metrics"
	"portalfeed/internal/model"
)

const (
	recvTimeout      = 15 * time.Second
	ticEvery         = 60 * time.Second
	echoEvery        = 30 * time.Second
	resubscribeAfter = 10 * time.Second
)

// errUnauthenticated restarts the socket when the server reports a dead
// session.
var errUnauthenticated = errors.New("socket session unauthenticated")

// publishError marks store failures so the reconnect loop backs off longer.
type publishError struct{ err error }

func (e *publishError) Error() string { return "tick publish: " + e.err.Error() }
func (e *publishError) Unwrap() error { return e.err }

// frame is the superset of fields the server sends. Price stays raw: the
// portal emits field 31 as a number or a string and subscribers get it
// verbatim.
type frame struct {
	Topic   string          `json:"topic"`
	Message string          `json:"message"`
	HB      int64           `json:"hb"`
	Updated int64           `json:"_updated"`
	Price   json.RawMessage `json:"31"`
	Conid   int64           `json:"conid"`
	Args    struct {
		Authenticated *bool `json:"authenticated"`
	} `json:"args"`
}

// session is the per-connection protocol state. send is the only socket
// dependency, so tests drive the whole protocol without a connection.
type session struct {
	cp      string
	byConid map[int64]model.Instrument
	order   []model.Instrument
	store   Publisher
	log     *logrus.Entry
	metrics *metrics.Metrics
	health  *metrics.HealthStatus

	now  func() time.Time
	send func(msg string) error

	lastData map[int64]time.Time
	lastEcho time.Time
	lastTic  time.Time
}

func newSession(cp string, instruments []model.Instrument, store Publisher,
	m *metrics.Metrics, h *metrics.HealthStatus, log *logrus.Entry,
	send func(string) error) *session {

	byConid := make(map[int64]model.Instrument, len(instruments))
	for _, in := range instruments {
		byConid[in.Conid] = in
	}
	return &session{
		cp:       cp,
		byConid:  byConid,
		order:    instruments,
		store:    store,
		log:      log,
		metrics:  m,
		health:   h,
		now:      time.Now,
		send:     send,
		lastData: make(map[int64]time.Time, len(instruments)),
	}
}

func subscribeCmd(conid int64) string {
	return fmt.Sprintf(`smd+%d+{"fields":["31"]}`, conid)
}

func unsubscribeCmd(conid int64) string {
	// no "+" before the empty payload; the server rejects it otherwise
	return fmt.Sprintf("umd+%d{}", conid)
}

// subscribeAll sends the smd subscription for every instrument.
func (s *session) subscribeAll() error {
	now := s.now()
	for _, in := range s.order {
		if err := s.send(subscribeCmd(in.Conid)); err != nil {
			return err
		}
		s.lastData[in.Conid] = now
	}
	return nil
}

// unsubscribeAll is sent before a graceful close.
func (s *session) unsubscribeAll() {
	for _, in := range s.order {
		if err := s.send(unsubscribeCmd(in.Conid)); err != nil {
			return
		}
	}
}

// handle dispatches one raw frame and then runs the periodic maintenance
// (stale resubscribes, tic). Returns errUnauthenticated when the server
// reports a dead session and a *publishError when the store rejects a tick.
func (s *session) handle(data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		// plain-text frames like the ech+hb echo
		s.log.WithField("data", string(data)).Debug("non-json frame")
		return s.maintain()
	}

	var err error
	switch {
	case f.Message == "waiting for session":
		err = s.auth()
	case f.HB != 0:
		err = s.heartbeat()
	case len(f.Topic) >= 3 && f.Topic[:3] == "smd":
		err = s.marketData(&f)
	case f.Topic == "sts":
		err = s.status(&f)
	case ignoredTopic(f.Topic):
		// acknowledged, nothing to do
	default:
		s.log.WithField("data", string(data)).Debug("unhandled frame")
	}
	if err != nil {
		return err
	}
	return s.maintain()
}

// ignoredTopic covers the server topics we acknowledge without acting on:
// system notices, bulletins, order/trade/pnl streams, history snapshots and
// the tic echo.
func ignoredTopic(topic string) bool {
	switch topic {
	case "system", "nt", "blt", "tic", "sor", "uor", "str", "utr", "spl", "upl":
		return true
	}
	return len(topic) >= 3 && topic[:3] == "smh"
}

// auth answers the session challenge with the cp cookie.
func (s *session) auth() error {
	if err := s.send(fmt.Sprintf(`{"session":"%s"}`, s.cp)); err != nil {
		return err
	}
	return s.subscribeAll()
}

// heartbeat answers at most one ech+hb per 30 s window.
func (s *session) heartbeat() error {
	now := s.now()
	if now.Sub(s.lastEcho) < echoEvery {
		return nil
	}
	if err := s.send("ech+hb"); err != nil {
		return err
	}
	s.lastEcho = now
	return nil
}

// marketData normalizes an smd frame and publishes the tick. Frames missing
// the price or the conid are keep-alives and get dropped.
func (s *session) marketData(f *frame) error {
	if len(f.Price) == 0 || f.Conid == 0 {
		return nil
	}
	in, ok := s.byConid[f.Conid]
	if !ok {
		return nil
	}

	now := s.now()
	s.lastData[f.Conid] = now
	if s.health != nil {
		s.health.SetLastTick(now)
	}

	tick := model.Tick{
		DT:     model.FormatWall(time.UnixMilli(f.Updated).UTC()),
		Price:  f.Price,
		Conid:  f.Conid,
		Symbol: in.Name(),
	}
	if err := s.store.Publish(in.Key(), string(tick.Encode())); err != nil {
		if s.metrics != nil {
			s.metrics.TickPublishErrors.Inc()
		}
		return &publishError{err: err}
	}
	if s.metrics != nil {
		s.metrics.TicksPublished.Inc()
	}
	return nil
}

// status restarts the socket when the server says the session died.
func (s *session) status(f *frame) error {
	if f.Args.Authenticated == nil {
		return nil
	}
	if !*f.Args.Authenticated {
		s.log.Warn("server reports unauthenticated session")
		return errUnauthenticated
	}
	s.log.Info("socket session authenticated")
	return nil
}

// maintain resends stale subscriptions and keeps the stream warm with tic.
func (s *session) maintain() error {
	now := s.now()

	for _, in := range s.order {
		last, ok := s.lastData[in.Conid]
		if ok && now.Sub(last) <= resubscribeAfter {
			continue
		}
		if err := s.send(subscribeCmd(in.Conid)); err != nil {
			return err
		}
		s.lastData[in.Conid] = now
		if s.metrics != nil {
			s.metrics.SubscribeRefresh.Inc()
		}
	}

	if now.Sub(s.lastTic) >= ticEvery {
		if err := s.send("tic"); err != nil {
			return err
		}
		s.lastTic = now
	}
	return nil
}
