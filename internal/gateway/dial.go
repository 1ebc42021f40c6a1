package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soyeahso/tradesim/internal/config"
	"github.com/soyeahso/tradesim/internal/version"
)

// ErrUnreachable is returned by Dial when nothing accepts the connection.
var ErrUnreachable = errors.New("gateway: unreachable")

// RPCError is a failed response returned by the gateway.
type RPCError struct {
	Method string
	ErrorShape
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Method, e.Code, e.Message)
}

// Conn is a client connection that has completed the connect handshake. It
// is not safe for concurrent use.
type Conn struct {
	ws    *websocket.Conn
	hello HelloOK
	seq   int
}

// LocalURL returns the websocket URL of a gateway running with cfg on this host.
func LocalURL(cfg config.GatewayConfig) string {
	host := "127.0.0.1"
	if cfg.Bind == "custom" && cfg.CustomBindHost != "" && cfg.CustomBindHost != "0.0.0.0" {
		host = cfg.CustomBindHost
	}
	scheme := "ws"
	if cfg.TLS.Enabled {
		scheme = "wss"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port)) + "/ws"
}

// Dial connects to url and authenticates with auth. A failure to reach the
// host wraps ErrUnreachable; a rejected handshake returns *RPCError.
func Dial(ctx context.Context, url string, auth ConnectAuth) (*Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		var op *net.OpError
		if errors.As(err, &op) && op.Op == "dial" {
			return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}

	c := &Conn{ws: ws}
	if err := c.connect(ctx, auth); err != nil {
		ws.Close()
		return nil, err
	}
	return c, nil
}

// Hello returns the server's handshake response.
func (c *Conn) Hello() HelloOK { return c.hello }

func (c *Conn) connect(ctx context.Context, auth ConnectAuth) error {
	c.deadline(ctx)
	var challenge Frame
	if err := c.ws.ReadJSON(&challenge); err != nil {
		return fmt.Errorf("reading challenge: %w", err)
	}
	if challenge.Type != FrameTypeEvent || challenge.Event != EventChallenge {
		return fmt.Errorf("expected %s, got type=%s event=%s", EventChallenge, challenge.Type, challenge.Event)
	}

	return c.Call(ctx, "connect", ConnectParams{
		MinProtocol: ProtocolVersion,
		MaxProtocol: ProtocolVersion,
		Client: ClientInfo{
			ID:          "tradesim-cli",
			DisplayName: "tradesim cli",
			Version:     version.Version,
			Platform:    runtime.GOOS,
		},
		Auth:      &auth,
		UserAgent: version.UserAgent(),
	}, &c.hello)
}

// Call sends one request and decodes the matching response payload into out,
// which may be nil. Events received while waiting are dropped.
func (c *Conn) Call(ctx context.Context, method string, params, out any) error {
	c.seq++
	id := "cli-" + strconv.Itoa(c.seq)
	req, err := NewRequest(id, method, params)
	if err != nil {
		return fmt.Errorf("encoding %s params: %w", method, err)
	}

	c.deadline(ctx)
	if err := c.ws.WriteJSON(req); err != nil {
		return fmt.Errorf("sending %s: %w", method, err)
	}
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return fmt.Errorf("reading %s response: %w", method, err)
		}
		if f.Type != FrameTypeResponse || f.ID != id {
			continue
		}
		if f.OK == nil || !*f.OK {
			e := &RPCError{Method: method}
			if f.Error != nil {
				e.ErrorShape = *f.Error
			}
			return e
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(f.Payload, out); err != nil {
			return fmt.Errorf("decoding %s response: %w", method, err)
		}
		return nil
	}
}

// Close sends a close frame and releases the connection.
func (c *Conn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *Conn) deadline(ctx context.Context) {
	d, ok := ctx.Deadline()
	if !ok {
		d = time.Now().Add(rpcTimeout)
	}
	c.ws.SetReadDeadline(d)
	c.ws.SetWriteDeadline(d)
}
