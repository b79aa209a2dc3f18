// Package broker is the authenticated HTTP transport to the broker's web
// portal: bounded history requests, session-state primitives for the session
// keeper, and the cookie material the tick streamer needs to open its socket.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
)

const (
	liveHostname  = "www.interactivebrokers.com"
	paperHostname = "ndcdyn.interactivebrokers.com"

	requestTimeout = 10 * time.Second
)

// Config configures the portal client.
type Config struct {
	Username   string
	Password   string
	TOTPSecret string // optional second factor submitted during full relogin
	Paper      bool

	// Overrides for tests; empty means the real portal endpoints.
	PortalURL string
	SSOURL    string
	WSURL     string
}

// Client is the authenticated portal transport. Safe for use by a single
// loop; the three binaries each construct their own.
type Client struct {
	cfg      Config
	hc       *http.Client
	jar      *cookiejar.Jar
	sessions *SessionStore
	log      *logrus.Entry
}

// HistoryBar is one minute bar from the history endpoint; T is milliseconds
// UTC.
type HistoryBar struct {
	T int64   `json:"t"`
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
}

// SSOStatus is the portal's answer to /sso/validate.
type SSOStatus struct {
	UserID   int64  `json:"USER_ID"`
	UserName string `json:"USER_NAME"`
	Expires  int64  `json:"EXPIRES"`
}

// Valid reports a live SSO session.
func (s *SSOStatus) Valid() bool { return s != nil && s.UserID != 0 }

// AuthStatus is the trading-server authentication state.
type AuthStatus struct {
	Authenticated bool   `json:"authenticated"`
	Competing     bool   `json:"competing"`
	Connected     bool   `json:"connected"`
	Message       string `json:"message"`
}

// New creates a portal client. The session store may be nil when the caller
// never loads or saves sessions (tests).
func New(cfg Config, sessions *SessionStore, log *logrus.Entry) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		cfg:      cfg,
		hc:       &http.Client{Jar: jar, Timeout: requestTimeout},
		jar:      jar,
		sessions: sessions,
		log:      log,
	}
}

func (c *Client) hostname() string {
	if c.cfg.Paper {
		return paperHostname
	}
	return liveHostname
}

func (c *Client) portalURL() string {
	if c.cfg.PortalURL != "" {
		return c.cfg.PortalURL
	}
	return "https://" + c.hostname() + "/portal.proxy/v1/portal"
}

func (c *Client) ssoURL() string {
	if c.cfg.SSOURL != "" {
		return c.cfg.SSOURL
	}
	return "https://" + c.hostname() + "/sso"
}

// SocketURL returns the streaming websocket endpoint.
func (c *Client) SocketURL() string {
	if c.cfg.WSURL != "" {
		return c.cfg.WSURL
	}
	return "wss://" + c.hostname() + "/v1/api/ws"
}

func (c *Client) hostRoot() *url.URL {
	u, _ := url.Parse(c.portalURL())
	return &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
}

// Cookie returns the value of a session cookie ("cp" for the socket
// handshake), or "" when absent.
func (c *Client) Cookie(name string) string {
	for _, ck := range c.jar.Cookies(c.hostRoot()) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

// LoadSession rehydrates the cookie jar from shared session storage.
func (c *Client) LoadSession(ctx context.Context) error {
	if c.sessions == nil {
		return nil
	}
	cookies, err := c.sessions.Load(ctx)
	if err != nil {
		return err
	}
	c.jar.SetCookies(c.hostRoot(), cookies)
	return nil
}

// SaveSession snapshots the cookie jar into shared session storage.
func (c *Client) SaveSession(ctx context.Context) error {
	if c.sessions == nil {
		return nil
	}
	return c.sessions.Save(ctx, c.jar.Cookies(c.hostRoot()))
}

// do runs one request and classifies failures: 401 is ErrUnauthenticated,
// everything else network- or status-shaped is a TransportError.
func (c *Client) do(ctx context.Context, method, rawURL string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, transportErr(method+" "+rawURL, err)
	}
	req.Header.Set("User-Agent", "portalfeed/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, transportErr(method+" "+rawURL, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportErr(method+" "+rawURL, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthenticated
	}
	if resp.StatusCode >= 400 {
		return nil, transportErr(method+" "+rawURL,
			fmt.Errorf("status %d: %.200s", resp.StatusCode, payload))
	}
	return payload, nil
}

// History fetches up to periodMin trailing 1-minute bars for conid. The
// portal caps lookback around 1000 trading minutes; callers keep period
// within that bound and add their own margin. outsideRth is always on so the
// calendar-driven gap logic sees every reported bar.
func (c *Client) History(ctx context.Context, conid int64, periodMin int) ([]HistoryBar, error) {
	u := fmt.Sprintf("%s/iserver/marketdata/history?conid=%d&period=%dmin&bar=1min&outsideRth=true",
		c.portalURL(), conid, periodMin)

	payload, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	var res struct {
		Data []HistoryBar `json:"data"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, transportErr("history decode", err)
	}
	return res.Data, nil
}

// SSOValidate checks the single-sign-on session.
func (c *Client) SSOValidate(ctx context.Context) (*SSOStatus, error) {
	payload, err := c.do(ctx, http.MethodGet, c.portalURL()+"/sso/validate", nil)
	if err != nil {
		return nil, err
	}
	var st SSOStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, transportErr("sso validate decode", err)
	}
	return &st, nil
}

// AuthStatus checks trading-server authentication.
func (c *Client) AuthStatus(ctx context.Context) (*AuthStatus, error) {
	payload, err := c.do(ctx, http.MethodPost, c.portalURL()+"/iserver/auth/status", nil)
	if err != nil {
		return nil, err
	}
	var st AuthStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, transportErr("auth status decode", err)
	}
	return &st, nil
}

// Reauthenticate performs the soft reauth that revives an SSO-valid but
// iserver-dead session.
func (c *Client) Reauthenticate(ctx context.Context) (*AuthStatus, error) {
	payload, err := c.do(ctx, http.MethodPost, c.portalURL()+"/iserver/reauthenticate", nil)
	if err != nil {
		return nil, err
	}
	var st AuthStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, transportErr("reauthenticate decode", err)
	}
	return &st, nil
}

// Tickle refreshes session liveness.
func (c *Client) Tickle(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, c.portalURL()+"/tickle", nil)
	return err
}

// PortalLogout drops the portal session.
func (c *Client) PortalLogout(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, c.portalURL()+"/logout", nil)
	return err
}

// SSOLogout drops the SSO session.
func (c *Client) SSOLogout(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, c.ssoURL()+"/Logout", nil)
	return err
}

// ObtainSession performs the full credential login against the SSO
// authenticator and saves the resulting cookies to shared storage. When a
// TOTP secret is configured, a fresh code goes along with the credentials.
func (c *Client) ObtainSession(ctx context.Context) error {
	form := url.Values{}
	form.Set("user", c.cfg.Username)
	form.Set("password", c.cfg.Password)
	if c.cfg.TOTPSecret != "" {
		code, err := totp.GenerateCode(c.cfg.TOTPSecret, time.Now())
		if err != nil {
			return fmt.Errorf("broker: totp: %w", err)
		}
		form.Set("chlginput", code)
	}

	if _, err := c.do(ctx, http.MethodPost, c.ssoURL()+"/Authenticator",
		strings.NewReader(form.Encode())); err != nil {
		return err
	}
	if c.Cookie("cp") == "" {
		return transportErr("obtain session", fmt.Errorf("no cp cookie after login"))
	}

	if err := c.SaveSession(ctx); err != nil {
		c.log.WithError(err).Warn("session snapshot save failed after login")
	}
	return nil
}
