package gateway

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/tradesim/internal/config"
	"github.com/soyeahso/tradesim/internal/logging"
)

func testLog() *logging.Logger {
	return logging.New(nil, "silent")
}

// closedClient has no socket; every write fails with ErrClientClosed.
func closedClient(id string) *Client {
	return &Client{ConnID: id, Info: ClientInfo{ID: "dash-" + id}, closed: true}
}

func TestClientRegistry(t *testing.T) {
	reg := NewClientRegistry(testLog())
	assert.Equal(t, 0, reg.Count())

	for i := range 3 {
		reg.Add(closedClient(fmt.Sprintf("conn-%d", i)))
	}
	assert.Equal(t, 3, reg.Count())

	got, ok := reg.Get("conn-1")
	require.True(t, ok)
	assert.Equal(t, "dash-conn-1", got.Info.ID)

	reg.Remove("conn-1")
	reg.Remove("conn-unknown")
	assert.Equal(t, 2, reg.Count())
	_, ok = reg.Get("conn-1")
	assert.False(t, ok)

	reg.CloseAll()
	assert.Equal(t, 0, reg.Count())
}

func TestClientRegistryBroadcastSkipsClosed(t *testing.T) {
	reg := NewClientRegistry(testLog())
	reg.Add(closedClient("conn-1"))
	reg.Broadcast(EventPortfolio, []string{}, 1)
	assert.Equal(t, 1, reg.Count(), "failed sends do not unregister")
}

func TestClientSendAfterClose(t *testing.T) {
	c := closedClient("conn-1")
	assert.ErrorIs(t, c.Send(Frame{Type: FrameTypeEvent}), ErrClientClosed)
	assert.ErrorIs(t, c.SendEvent(EventFleet, nil, 1), ErrClientClosed)
	assert.ErrorIs(t, c.RespondError("r1", ErrorShape{Code: "x"}), ErrClientClosed)
	assert.NoError(t, c.Close(), "closing twice is a no-op")
}

func TestClientAllowBurst(t *testing.T) {
	c := &Client{ConnID: "conn-1", limiter: newRPCLimiter()}
	allowed := 0
	for range rpcRateBurst * 2 {
		if c.Allow() {
			allowed++
		}
	}
	// A few tokens may refill while the loop runs.
	assert.GreaterOrEqual(t, allowed, rpcRateBurst)
	assert.Less(t, allowed, rpcRateBurst*2)
}

func TestResolveBindAddr(t *testing.T) {
	tests := []struct {
		bind string
		port int
		host string
		want string
	}{
		{"loopback", 18790, "", "127.0.0.1:18790"},
		{"lan", 9999, "", "0.0.0.0:9999"},
		{"auto", 8080, "", "0.0.0.0:8080"},
		{"custom", 3000, "", "0.0.0.0:3000"},
		{"custom", 3000, "10.0.0.1", "10.0.0.1:3000"},
		{"custom", 3000, "::1", "[::1]:3000"},
		{"whatever", 5000, "", "127.0.0.1:5000"},
		{"", 0, "", "127.0.0.1:0"},
	}
	for _, tt := range tests {
		t.Run(tt.bind+"/"+tt.host, func(t *testing.T) {
			cfg := config.GatewayConfig{Bind: tt.bind, Port: tt.port, CustomBindHost: tt.host}
			assert.Equal(t, tt.want, resolveBindAddr(cfg))
		})
	}
}
