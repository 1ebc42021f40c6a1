package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/tradesim/internal/config"
	"github.com/soyeahso/tradesim/internal/domain"
	"github.com/soyeahso/tradesim/internal/fleet"
	"github.com/soyeahso/tradesim/internal/hooks"
	"github.com/soyeahso/tradesim/internal/keys"
	"github.com/soyeahso/tradesim/internal/metrics"
	"github.com/soyeahso/tradesim/internal/pnl"
	"github.com/soyeahso/tradesim/internal/quote"
	"github.com/soyeahso/tradesim/internal/sim"
	"github.com/soyeahso/tradesim/internal/store"
)

const testToken = "test-token"

type testGateway struct {
	srv     *Server
	ts      *httptest.Server
	sup     *fleet.Supervisor
	agents  *store.AgentStore
	pnl     *store.PnLStore
	hooks   *hooks.Manager
	metrics *metrics.Metrics
}

type gatewayOpts struct {
	seed      int
	maxAgents int
	cfg       func(*config.GatewayConfig)
}

func newTestGateway(t *testing.T, o gatewayOpts) *testGateway {
	t.Helper()
	log := testLog()

	db, err := store.Open(store.DriverSQLite, ":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tg := &testGateway{
		agents:  store.NewAgentStore(db),
		pnl:     store.NewPnLStore(db),
		hooks:   hooks.NewManager(log),
		metrics: metrics.New(),
	}
	tg.sup = fleet.New(fleet.Options{
		Sim: sim.Config{
			BaseMint:     "BASE",
			TradedMint:   "TRADED",
			PollInterval: 10 * time.Millisecond,
			BackoffMin:   time.Millisecond,
			BackoffMax:   10 * time.Millisecond,
		},
		InitialCount: o.seed,
		MaxAgents:    o.maxAgents,
		Defaults:     domain.TradingParams{AvgIntervalSeconds: 3600, VolumeMean: 1, VolumeStdDev: 0.5, BuyBias: 0.5},
		Seed:         7,
	}, fleet.Deps{
		Agents:  tg.agents,
		Ledger:  tg.pnl,
		Quotes:  quote.NewPaper(nil, 1),
		Keys:    keys.Ed25519{},
		Hooks:   tg.hooks,
		Metrics: tg.metrics,
		Log:     log,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		tg.sup.Shutdown(ctx)
	})
	if o.seed > 0 {
		require.NoError(t, tg.sup.Bootstrap(context.Background()))
	}

	cfg := config.GatewayConfig{
		Bind:                "loopback",
		Auth:                config.GatewayAuth{Mode: "token", Token: testToken},
		PushIntervalSeconds: 0,
	}
	if o.cfg != nil {
		o.cfg(&cfg)
	}

	tg.srv = New(cfg, log,
		WithFleet(tg.sup),
		WithAgents(tg.agents),
		WithSummary(pnl.NewAggregator(tg.pnl, nil, log)),
		WithHistory(tg.pnl),
		WithHooks(tg.hooks),
		WithMetrics(tg.metrics),
	)
	tg.ts = httptest.NewServer(tg.srv.Handler())
	t.Cleanup(tg.ts.Close)
	return tg
}

func (tg *testGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(tg.ts.URL, "http") + "/ws"
}

// open dials the websocket and consumes the challenge.
func (tg *testGateway) open(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(tg.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	challenge := readFrame(t, conn)
	require.Equal(t, FrameTypeEvent, challenge.Type)
	require.Equal(t, EventChallenge, challenge.Event)
	return conn
}

// connect completes a handshake with token and returns the hello payload.
func (tg *testGateway) connect(t *testing.T, token string) (*websocket.Conn, HelloOK) {
	t.Helper()
	conn := tg.open(t)
	req, err := NewRequest("connect-1", "connect", ConnectParams{
		MinProtocol: 1,
		MaxProtocol: 1,
		Client:      ClientInfo{ID: "test", Version: "0.0.1"},
		Auth:        &ConnectAuth{Token: token},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	res := readFrame(t, conn)
	require.NotNil(t, res.OK)
	require.True(t, *res.OK, "handshake failed: %+v", res.Error)

	var hello HelloOK
	require.NoError(t, json.Unmarshal(res.Payload, &hello))
	require.Eventually(t, func() bool { return tg.srv.Clients() > 0 }, time.Second, 5*time.Millisecond)
	return conn, hello
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

var rpcSeq atomic.Int64

// call sends a request and returns its response, skipping pushed events.
func call(t *testing.T, conn *websocket.Conn, method string, params any) Frame {
	t.Helper()
	id := fmt.Sprintf("req-%d", rpcSeq.Add(1))
	req, err := NewRequest(id, method, params)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))
	for {
		f := readFrame(t, conn)
		if f.Type == FrameTypeResponse && f.ID == id {
			return f
		}
	}
}

// waitEvent reads until an event named event arrives.
func waitEvent(t *testing.T, conn *websocket.Conn, event string, match func(Frame) bool) Frame {
	t.Helper()
	for {
		f := readFrame(t, conn)
		if f.Type == FrameTypeEvent && f.Event == event && (match == nil || match(f)) {
			return f
		}
	}
}

func decode[T any](t *testing.T, f Frame) T {
	t.Helper()
	require.NotNil(t, f.OK)
	require.True(t, *f.OK, "unexpected error: %+v", f.Error)
	var v T
	require.NoError(t, json.Unmarshal(f.Payload, &v))
	return v
}

func errorCode(t *testing.T, f Frame) string {
	t.Helper()
	require.NotNil(t, f.OK)
	require.False(t, *f.OK, "expected an error, got %s", f.Payload)
	require.NotNil(t, f.Error)
	return f.Error.Code
}

func TestHandshake(t *testing.T) {
	tg := newTestGateway(t, gatewayOpts{seed: 1})
	_, hello := tg.connect(t, testToken)

	assert.Equal(t, ProtocolVersion, hello.Protocol)
	assert.NotEmpty(t, hello.Server.ConnID)
	assert.Contains(t, hello.Features.Methods, "agents.add")
	assert.Contains(t, hello.Features.Methods, "pnl.summary")
	assert.Contains(t, hello.Features.Events, EventPortfolio)
	assert.Equal(t, rpcRatePerSec, hello.Policy.RequestsPerSec)
	assert.Equal(t, 1, tg.srv.Clients())
}

func TestHandshake_WrongToken(t *testing.T) {
	tg := newTestGateway(t, gatewayOpts{})
	conn := tg.open(t)

	req, _ := NewRequest("c1", "connect", ConnectParams{Auth: &ConnectAuth{Token: "nope"}})
	require.NoError(t, conn.WriteJSON(req))

	res := readFrame(t, conn)
	assert.Equal(t, "unauthorized", errorCode(t, res))
	assert.Equal(t, "token_mismatch", res.Error.Message)
	assert.Equal(t, 0, tg.srv.Clients())
}

func TestHandshake_NotConnect(t *testing.T) {
	tg := newTestGateway(t, gatewayOpts{})
	conn := tg.open(t)

	req, _ := NewRequest("c1", "health", nil)
	require.NoError(t, conn.WriteJSON(req))
	assert.Equal(t, "protocol_error", errorCode(t, readFrame(t, conn)))
}

func TestHandshake_FailuresAreRateLimited(t *testing.T) {
	tg := newTestGateway(t, gatewayOpts{})
	for range authRateMaxFails {
		conn := tg.open(t)
		req, _ := NewRequest("c1", "connect", ConnectParams{Auth: &ConnectAuth{Token: "bad"}})
		require.NoError(t, conn.WriteJSON(req))
		readFrame(t, conn)
	}

	require.Eventually(t, func() bool {
		return !tg.srv.authLimiter.allow("127.0.0.1:0")
	}, time.Second, 5*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(tg.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestUnknownMethod(t *testing.T) {
	tg := newTestGateway(t, gatewayOpts{})
	conn, _ := tg.connect(t, testToken)
	assert.Equal(t, "method_not_found", errorCode(t, call(t, conn, "chat.send", nil)))
}

func TestRPCRateLimit(t *testing.T) {
	tg := newTestGateway(t, gatewayOpts{})
	conn, _ := tg.connect(t, testToken)

	const n = rpcRateBurst * 3
	for i := range n {
		req, _ := NewRequest(fmt.Sprintf("burst-%d", i), "health", nil)
		require.NoError(t, conn.WriteJSON(req))
	}

	limited := 0
	for range n {
		f := readFrame(t, conn)
		if f.Type != FrameTypeResponse {
			continue
		}
		if f.Error != nil && f.Error.Code == "rate_limited" {
			assert.True(t, f.Error.Retryable)
			limited++
		}
	}
	assert.Positive(t, limited)
}

func TestHTTPHealth(t *testing.T) {
	tg := newTestGateway(t, gatewayOpts{})
	resp, err := http.Get(tg.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	var h HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)
	assert.Empty(t, h.Version, "public endpoint does not leak details")
}

func TestHTTPNotFound(t *testing.T) {
	tg := newTestGateway(t, gatewayOpts{})
	resp, err := http.Get(tg.ts.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPMetrics(t *testing.T) {
	tg := newTestGateway(t, gatewayOpts{seed: 2})
	resp, err := http.Get(tg.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tradesim_")
}

func TestHTTPMetrics_Disabled(t *testing.T) {
	off := false
	tg := newTestGateway(t, gatewayOpts{cfg: func(c *config.GatewayConfig) { c.Metrics = &off }})
	resp, err := http.Get(tg.ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPortfolioPush(t *testing.T) {
	tg := newTestGateway(t, gatewayOpts{seed: 2})
	conn, _ := tg.connect(t, testToken)

	tg.srv.pushPortfolio(context.Background())

	f := waitEvent(t, conn, EventPortfolio, nil)
	var entries []domain.PortfolioEntry
	require.NoError(t, json.Unmarshal(f.Payload, &entries))
	require.Len(t, entries, 2)
	names := []string{entries[0].Name, entries[1].Name}
	assert.ElementsMatch(t, []string{"Trader1", "Trader2"}, names)
	assert.Positive(t, f.Seq)
	assert.NotContains(t, string(f.Payload), "secretKey")
}

func TestPortfolioPush_NoClients(t *testing.T) {
	tg := newTestGateway(t, gatewayOpts{seed: 1})
	seq := tg.srv.eventSeq.Load()
	tg.srv.pushPortfolio(context.Background())
	assert.Equal(t, seq, tg.srv.eventSeq.Load())
}

func TestPushLoop_Disabled(t *testing.T) {
	tg := newTestGateway(t, gatewayOpts{})
	done := make(chan struct{})
	go func() {
		tg.srv.pushLoop(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pushLoop should return when the interval is zero")
	}
}

func TestPushLoop_Ticks(t *testing.T) {
	tg := newTestGateway(t, gatewayOpts{seed: 1, cfg: func(c *config.GatewayConfig) { c.PushIntervalSeconds = 1 }})
	conn, _ := tg.connect(t, testToken)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tg.srv.pushLoop(ctx)

	waitEvent(t, conn, EventPortfolio, nil)
}

func TestHookForwarding(t *testing.T) {
	tg := newTestGateway(t, gatewayOpts{})
	conn, _ := tg.connect(t, testToken)

	tg.hooks.Emit(context.Background(), hooks.EventAgentDegraded, map[string]any{"agentId": "a1", "failures": 5})

	f := waitEvent(t, conn, EventFleet, nil)
	var p hooks.Payload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, hooks.EventAgentDegraded, p.Event)
	assert.Equal(t, "a1", p.Data["agentId"])
}

func TestServeAndShutdown(t *testing.T) {
	tg := newTestGateway(t, gatewayOpts{})
	started := make(chan struct{}, 1)
	tg.hooks.On(hooks.EventGatewayStart, "test", func(context.Context, hooks.Payload) error {
		started <- struct{}{}
		return nil
	})

	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- tg.srv.Serve(ctx, ln) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not start")
	}

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}
	assert.Equal(t, []string{hooks.EventGatewayStart}, tg.hooks.Events(), "forwarding handlers are removed on shutdown")
}

func TestServe_BadTLS(t *testing.T) {
	tg := newTestGateway(t, gatewayOpts{cfg: func(c *config.GatewayConfig) {
		c.TLS = config.GatewayTLS{Enabled: true, CertPath: "/nonexistent/cert.pem", KeyPath: "/nonexistent/key.pem"}
	}})
	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	err = tg.srv.Serve(context.Background(), ln)
	assert.ErrorContains(t, err, "loading TLS certificate")
}
