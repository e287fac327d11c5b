package feed

import (
	"context"
	"encoding/json"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"
)

// Request is an operation frame sent to the exchange.
type Request struct {
	ReqID string   `json:"req_id,omitempty"`
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
}

// Frame is any frame received from the exchange: an operation ack or a topic push.
type Frame struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	ReqID   string          `json:"req_id"`
}

// Acked reports whether the frame acknowledges a request.
func (f Frame) Acked() bool {
	if f.Op == "pong" {
		return true
	}
	return f.Success != nil && *f.Success
}

// Conn is one websocket session to one exchange endpoint.
type Conn interface {
	Start(ctx context.Context) error
	// Request sends req and waits for the frame carrying the same req_id.
	Request(ctx context.Context, req Request) (Frame, error)
	// Observe delivers every frame to handler. The returned channel is closed when
	// the session stops delivering.
	Observe(ctx context.Context, handler func(Frame)) <-chan struct{}
	Close()
}

// Dialer creates an unstarted session to url.
type Dialer func(ctx context.Context, url string) Conn

type wsConn struct {
	wss *ws.WebSocket
}

// DialWebSocket is the production Dialer.
func DialWebSocket(ctx context.Context, url string) Conn {
	return &wsConn{wss: ws.New(ctx, url)}
}

func (c *wsConn) Start(ctx context.Context) error {
	if err := c.wss.Start(ctx); err != nil {
		return errors.Wrap(err, "start wss")
	}
	return nil
}

func (c *wsConn) Request(ctx context.Context, req Request) (Frame, error) {
	var ack Frame
	appendIntoRegister := false
	if err := c.wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, ws *ws.WebSocket) error {
			if err := ws.WriteJSON(req); err != nil {
				return errors.Wrap(err, "write request").With("op", req.Op)
			}
			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			f, ok := ws.ReadMessage[Frame](m)
			if !ok || f.Topic != "" || f.ReqID != req.ReqID {
				return false, nil
			}
			ack = f
			return true, nil
		},
	}, appendIntoRegister); err != nil {
		return Frame{}, errors.Wrap(err, "send and wait").With("op", req.Op)
	}
	return ack, nil
}

func (c *wsConn) Observe(ctx context.Context, handler func(Frame)) <-chan struct{} {
	ch, cancel := c.wss.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer cancel()
		for {
			select {
			case <-sys.Shutdown():
				return
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}

				f, ok := ws.ReadMessage[Frame](m)
				if !ok {
					continue
				}
				handler(f)
			}
		}
	}()

	return done
}

func (c *wsConn) Close() {
	c.wss.Close()
}
