package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/progrium/qlink-go/config"
	"github.com/progrium/qlink-go/metrics"
	"github.com/progrium/qlink-go/mux"
	"github.com/progrium/qlink-go/secure"
	"github.com/progrium/qlink-go/transport"
)

func fatal(err error, t *testing.T) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func timeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestKeygen(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"keygen"})
	fatal(root.Execute(), t)

	var kp keyPair
	fatal(yaml.Unmarshal(out.Bytes(), &kp), t)
	priv, err := config.Security{IdentityKey: kp.IdentityKey}.Identity()
	fatal(err, t)
	trusted, err := config.Security{TrustedPeers: []string{kp.PublicKey}}.Trusted()
	fatal(err, t)
	assert.Equal(t, priv.Public().(ed25519.PublicKey), trusted[0])
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version", "--short"})
	fatal(root.Execute(), t)
	assert.Equal(t, version+"\n", out.String())
}

func TestEchoSession(t *testing.T) {
	a, b := net.Pipe()
	cfg := config.Default()
	ctx := timeout(t)

	served := make(chan *mux.Session, 1)
	go func() {
		s, err := mux.New(ctx, b, secure.Responder, cfg)
		if err != nil {
			t.Error(err)
			return
		}
		served <- s
		echoSession(ctx, s, zap.NewNop())
	}()
	client, err := mux.New(ctx, a, secure.Initiator, cfg)
	fatal(err, t)
	defer client.Close()
	server := <-served

	ch, err := client.Open(ctx)
	fatal(err, t)
	_, err = io.WriteString(ch, "echo me")
	fatal(err, t)
	fatal(ch.Close(), t)
	got, err := io.ReadAll(ch)
	fatal(err, t)
	assert.Equal(t, "echo me", string(got))

	fatal(server.Close(), t)
}

func TestHTTPHandler(t *testing.T) {
	ctx := timeout(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "qlink")
	srv := httptest.NewServer(httpHandler(ctx, config.Default(), zap.NewNop(), reg, m))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	fatal(err, t)
	u.Scheme = "ws"
	u.Path = "/ws"
	rwc, err := transport.DialWS(ctx, u)
	fatal(err, t)
	sess, err := mux.New(ctx, rwc, secure.Initiator, config.Default())
	fatal(err, t)
	defer sess.Close()

	ch, err := sess.Open(ctx)
	fatal(err, t)
	fatal(ch.Send([]byte("over websocket")), t)
	fatal(ch.Close(), t)
	got, err := io.ReadAll(ch)
	fatal(err, t)
	assert.Equal(t, "over websocket", string(got))

	resp, err := http.Get(srv.URL + "/metrics")
	fatal(err, t)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	fatal(err, t)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "qlink_sessions_active")
}

func TestCat(t *testing.T) {
	ctx := timeout(t)
	srv := httptest.NewServer(httpHandler(ctx, config.Default(), zap.NewNop(), prometheus.NewRegistry(), nil))
	defer srv.Close()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetIn(strings.NewReader("round trip through cat"))
	root.SetOut(&out)
	root.SetArgs([]string{"cat", "--log-level", "error", "ws://" + strings.TrimPrefix(srv.URL, "http://") + "/ws"})
	fatal(root.ExecuteContext(ctx), t)
	assert.Equal(t, "round trip through cat", out.String())
}
