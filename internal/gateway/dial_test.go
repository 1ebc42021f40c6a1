package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/tradesim/internal/config"
)

func TestLocalURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.GatewayConfig
		want string
	}{
		{"loopback", config.GatewayConfig{Bind: "loopback", Port: 18790}, "ws://127.0.0.1:18790/ws"},
		{"lan dials loopback", config.GatewayConfig{Bind: "lan", Port: 9000}, "ws://127.0.0.1:9000/ws"},
		{"custom host", config.GatewayConfig{Bind: "custom", CustomBindHost: "10.0.0.5", Port: 9000}, "ws://10.0.0.5:9000/ws"},
		{"custom wildcard", config.GatewayConfig{Bind: "custom", CustomBindHost: "0.0.0.0", Port: 9000}, "ws://127.0.0.1:9000/ws"},
		{"tls", config.GatewayConfig{Port: 443, TLS: config.GatewayTLS{Enabled: true}}, "wss://127.0.0.1:443/ws"},
		{"ipv6", config.GatewayConfig{Bind: "custom", CustomBindHost: "::1", Port: 9000}, "ws://[::1]:9000/ws"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LocalURL(tt.cfg))
		})
	}
}

func TestDial_CallsThroughFleet(t *testing.T) {
	tg := newTestGateway(t, gatewayOpts{seed: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, tg.wsURL(), ConnectAuth{Token: testToken})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, ProtocolVersion, conn.Hello().Protocol)
	assert.Contains(t, conn.Hello().Features.Methods, "agents.add")

	var v AgentView
	require.NoError(t, conn.Call(ctx, "agents.add", map[string]any{"name": "Remote"}, &v))
	assert.Equal(t, "Remote", v.Name)
	assert.True(t, v.Running)
	assert.True(t, tg.sup.IsRunning(v.ID))
	assert.Equal(t, 2, tg.sup.Running())

	require.NoError(t, conn.Call(ctx, "health", nil, nil))

	err = conn.Call(ctx, "agents.get", map[string]any{"id": "missing"}, &v)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "not_found", rpcErr.Code)
	assert.Equal(t, "agents.get", rpcErr.Method)
}

func TestDial_WrongToken(t *testing.T) {
	tg := newTestGateway(t, gatewayOpts{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, tg.wsURL(), ConnectAuth{Token: "nope"})
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "unauthorized", rpcErr.Code)
	assert.NotErrorIs(t, err, ErrUnreachable)
}

func TestDial_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Dial(ctx, "ws://"+addr+"/ws", ConnectAuth{Token: testToken})
	assert.ErrorIs(t, err, ErrUnreachable)
}
