package sessionkeeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"portalfeed/internal/broker"
)

// fakeBroker counts calls and lets each test script the portal's behavior.
type fakeBroker struct {
	ssoErr    error
	ssoValid  bool
	statusErr error
	authed    bool
	reauthErr error
	reauthOK  bool
	tickleErr error
	obtainErr error
	saveErr   error

	calls map[string]int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{ssoValid: true, authed: true, calls: map[string]int{}}
}

func (f *fakeBroker) SSOValidate(ctx context.Context) (*broker.SSOStatus, error) {
	f.calls["sso"]++
	if f.ssoErr != nil {
		return nil, f.ssoErr
	}
	if !f.ssoValid {
		return &broker.SSOStatus{}, nil
	}
	return &broker.SSOStatus{UserID: 42}, nil
}

func (f *fakeBroker) AuthStatus(ctx context.Context) (*broker.AuthStatus, error) {
	f.calls["status"]++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &broker.AuthStatus{Authenticated: f.authed, Connected: true}, nil
}

func (f *fakeBroker) Reauthenticate(ctx context.Context) (*broker.AuthStatus, error) {
	f.calls["reauth"]++
	if f.reauthErr != nil {
		return nil, f.reauthErr
	}
	return &broker.AuthStatus{Authenticated: f.reauthOK, Connected: true}, nil
}

func (f *fakeBroker) Tickle(ctx context.Context) error {
	f.calls["tickle"]++
	return f.tickleErr
}

func (f *fakeBroker) PortalLogout(ctx context.Context) error {
	f.calls["portalLogout"]++
	return nil
}

func (f *fakeBroker) SSOLogout(ctx context.Context) error {
	f.calls["ssoLogout"]++
	return nil
}

func (f *fakeBroker) ObtainSession(ctx context.Context) error {
	f.calls["obtain"]++
	return f.obtainErr
}

func (f *fakeBroker) LoadSession(ctx context.Context) error {
	f.calls["load"]++
	return nil
}

func (f *fakeBroker) SaveSession(ctx context.Context) error {
	f.calls["save"]++
	return f.saveErr
}

func testKeeper(b Broker) *Keeper {
	k := New(b, nil, nil, logrus.WithField("component", "test"))
	k.sleep = func(ctx context.Context, d time.Duration) {}
	return k
}

func TestStepHealthySession(t *testing.T) {
	fb := newFakeBroker()
	k := testKeeper(fb)

	usable, pause := k.step(context.Background())
	if !usable {
		t.Fatal("healthy session reported unusable")
	}
	if pause != sleepHealthy {
		t.Fatalf("pause = %v, want %v", pause, sleepHealthy)
	}
	if fb.calls["tickle"] != 1 {
		t.Fatalf("tickle calls = %d", fb.calls["tickle"])
	}
	if fb.calls["obtain"] != 0 || fb.calls["reauth"] != 0 {
		t.Fatalf("unexpected recovery calls: %v", fb.calls)
	}
}

func TestStepTickleError(t *testing.T) {
	fb := newFakeBroker()
	fb.tickleErr = errors.New("tickle down")
	k := testKeeper(fb)

	usable, pause := k.step(context.Background())
	if !usable {
		t.Fatal("tickle error must not mark the session unusable")
	}
	if pause != sleepTickleErr {
		t.Fatalf("pause = %v, want %v", pause, sleepTickleErr)
	}
}

func TestStepDeadSSOTriggersRelogin(t *testing.T) {
	fb := newFakeBroker()
	fb.ssoValid = false
	k := testKeeper(fb)

	usable, pause := k.step(context.Background())
	if usable {
		t.Fatal("dead sso reported usable")
	}
	if pause != 0 {
		t.Fatalf("pause after successful relogin = %v, want 0", pause)
	}
	if fb.calls["portalLogout"] != 1 || fb.calls["ssoLogout"] != 1 || fb.calls["obtain"] != 1 {
		t.Fatalf("relogin sequence not executed: %v", fb.calls)
	}
}

func TestStepReloginFailureBacksOff(t *testing.T) {
	fb := newFakeBroker()
	fb.ssoErr = errors.New("network down")
	fb.obtainErr = errors.New("login rejected")
	k := testKeeper(fb)

	usable, pause := k.step(context.Background())
	if usable {
		t.Fatal("failed relogin reported usable")
	}
	if pause != sleepBackoff {
		t.Fatalf("pause = %v, want %v", pause, sleepBackoff)
	}
}

func TestStepIserverTransportErrorBacksOff(t *testing.T) {
	fb := newFakeBroker()
	fb.statusErr = errors.New("gateway timeout")
	k := testKeeper(fb)

	usable, pause := k.step(context.Background())
	if usable {
		t.Fatal("unknown iserver state reported usable")
	}
	if pause != sleepBackoff {
		t.Fatalf("pause = %v, want %v", pause, sleepBackoff)
	}
	if fb.calls["obtain"] != 0 {
		t.Fatal("transport error must not trigger a relogin")
	}
}

func TestStepUnauthenticatedStatusTriggersRelogin(t *testing.T) {
	fb := newFakeBroker()
	fb.statusErr = broker.ErrUnauthenticated
	k := testKeeper(fb)

	_, _ = k.step(context.Background())
	if fb.calls["obtain"] != 1 {
		t.Fatalf("401 status must trigger relogin: %v", fb.calls)
	}
}

func TestStepSoftReauthRevivesSession(t *testing.T) {
	fb := newFakeBroker()
	fb.authed = false
	fb.reauthOK = true
	k := testKeeper(fb)

	usable, pause := k.step(context.Background())
	if !usable {
		t.Fatal("revived session reported unusable")
	}
	if pause != sleepHealthy {
		t.Fatalf("pause = %v, want %v", pause, sleepHealthy)
	}
	if fb.calls["reauth"] != 1 {
		t.Fatalf("reauth calls = %d", fb.calls["reauth"])
	}
	if fb.calls["save"] != 1 {
		t.Fatal("session snapshot not saved after reauth")
	}
	if fb.calls["obtain"] != 0 {
		t.Fatal("successful reauth must not relogin")
	}
}

func TestStepFailedReauthFallsBackToRelogin(t *testing.T) {
	fb := newFakeBroker()
	fb.authed = false
	fb.reauthOK = false
	k := testKeeper(fb)

	usable, _ := k.step(context.Background())
	if usable {
		t.Fatal("failed reauth reported usable")
	}
	if fb.calls["obtain"] != 1 {
		t.Fatalf("relogin not attempted: %v", fb.calls)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	fb := newFakeBroker()
	k := testKeeper(fb)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		k.Run(ctx)
		close(done)
	}()

	// let a few iterations happen, then stop
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	if fb.calls["load"] != 1 {
		t.Fatalf("load calls = %d", fb.calls["load"])
	}
}
