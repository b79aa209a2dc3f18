package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(Config{
		Username:  "user",
		Password:  "pass",
		PortalURL: srv.URL,
		SSOURL:    srv.URL + "/sso",
	}, nil, logrus.WithField("component", "test"))
	return c, srv
}

func TestHistoryParsesBars(t *testing.T) {
	var gotPath string
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		w.Write([]byte(`{"data":[{"t":1717421400000,"o":1,"h":2,"l":1,"c":1.5,"v":100}]}`))
	}))

	bars, err := c.History(context.Background(), 1234, 505)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	require.Equal(t, int64(1717421400000), bars[0].T)
	require.Equal(t, 1.5, bars[0].C)
	require.Equal(t,
		"/iserver/marketdata/history?conid=1234&period=505min&bar=1min&outsideRth=true",
		gotPath)
}

func TestHistoryUnauthenticated(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.History(context.Background(), 1234, 100)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestHistoryServerErrorIsTransport(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	_, err := c.History(context.Background(), 1234, 100)
	require.True(t, IsTransport(err), "want TransportError, got %v", err)
}

func TestSSOValidate(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sso/validate", r.URL.Path)
		w.Write([]byte(`{"USER_ID":42,"USER_NAME":"user","EXPIRES":100000}`))
	}))

	st, err := c.SSOValidate(context.Background())
	require.NoError(t, err)
	require.True(t, st.Valid())
	require.Equal(t, int64(42), st.UserID)
}

func TestAuthStatusAndReauth(t *testing.T) {
	authed := false
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/iserver/auth/status":
			require.Equal(t, http.MethodPost, r.Method)
			if authed {
				w.Write([]byte(`{"authenticated":true,"connected":true}`))
			} else {
				w.Write([]byte(`{"authenticated":false,"connected":true}`))
			}
		case "/iserver/reauthenticate":
			authed = true
			w.Write([]byte(`{"authenticated":true,"connected":true}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))

	st, err := c.AuthStatus(context.Background())
	require.NoError(t, err)
	require.False(t, st.Authenticated)

	st, err = c.Reauthenticate(context.Background())
	require.NoError(t, err)
	require.True(t, st.Authenticated)

	st, err = c.AuthStatus(context.Background())
	require.NoError(t, err)
	require.True(t, st.Authenticated)
}

func TestObtainSessionSetsCookie(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sso/Authenticator", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "user", r.PostForm.Get("user"))
		require.Equal(t, "pass", r.PostForm.Get("password"))
		http.SetCookie(w, &http.Cookie{Name: "cp", Value: "cookie-value", Path: "/"})
		w.Write([]byte(`{}`))
	}))

	require.NoError(t, c.ObtainSession(context.Background()))
	require.Equal(t, "cookie-value", c.Cookie("cp"))
}

func TestObtainSessionWithoutCookieFails(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))

	err := c.ObtainSession(context.Background())
	require.Error(t, err)
	require.True(t, IsTransport(err))
}

func TestTransportErrorUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := transportErr("GET /x", inner)
	require.ErrorIs(t, err, inner)
	require.True(t, IsTransport(err))
}
