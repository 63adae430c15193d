package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/agentic-research/portal/internal/reqctx"
	"github.com/agentic-research/portal/internal/resolver"
	"github.com/gorilla/websocket"
	"github.com/graph-gophers/graphql-go"
	gqlerrors "github.com/graph-gophers/graphql-go/errors"
	"github.com/rs/zerolog"
)

// wsProtocol is the subprotocol of graphql-ws. Only what subscriptions need
// is implemented: init/ack, ping/pong, subscribe, next, error, complete.
const wsProtocol = "graphql-transport-ws"

const (
	wsInitTimeout  = 10 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// Close codes defined by the protocol.
const (
	closeBadMessage   = 4400
	closeUnauthorized = 4401
	closeInitTimeout  = 4408
	closeDuplicateID  = 4409
	closeTooManyInits = 4429
)

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

type wsConn struct {
	s    *Server
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex

	mu    sync.Mutex
	ops   map[string]*wsOp
	acked bool
	wg    sync.WaitGroup
}

type wsOp struct {
	cancel context.CancelFunc
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade has answered the request
	}
	c := &wsConn{
		s:    s,
		conn: conn,
		log:  *zerolog.Ctx(r.Context()),
		ops:  make(map[string]*wsOp),
	}

	ctx, cancel := context.WithCancel(r.Context())
	c.readLoop(ctx)
	cancel()
	c.wg.Wait()
	_ = conn.Close()
}

func (c *wsConn) readLoop(ctx context.Context) {
	_ = c.conn.SetReadDeadline(time.Now().Add(wsInitTimeout))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() && !c.isAcked() {
				c.close(closeInitTimeout, "Connection initialisation timeout")
			}
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.close(closeBadMessage, "Invalid message received")
			return
		}

		switch msg.Type {
		case "connection_init":
			c.mu.Lock()
			again := c.acked
			c.acked = true
			c.mu.Unlock()
			if again {
				c.close(closeTooManyInits, "Too many initialisation requests")
				return
			}
			_ = c.conn.SetReadDeadline(time.Time{})
			c.write(wsMessage{Type: "connection_ack"})
		case "ping":
			c.write(wsMessage{Type: "pong"})
		case "pong":
		case "subscribe":
			if !c.isAcked() {
				c.close(closeUnauthorized, "Unauthorized")
				return
			}
			var p subscribePayload
			if msg.ID == "" || json.Unmarshal(msg.Payload, &p) != nil || p.Query == "" {
				c.close(closeBadMessage, "Invalid subscribe message")
				return
			}
			if !c.start(ctx, msg.ID, p) {
				c.close(closeDuplicateID, "Subscriber for "+msg.ID+" already exists")
				return
			}
		case "complete":
			c.cancel(msg.ID)
		default:
			c.close(closeBadMessage, "Unknown message type "+msg.Type)
			return
		}
	}
}

func (c *wsConn) isAcked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acked
}

// start runs the operation id in its own goroutine. It reports false if id
// is already running.
func (c *wsConn) start(ctx context.Context, id string, p subscribePayload) bool {
	c.mu.Lock()
	if _, dup := c.ops[id]; dup {
		c.mu.Unlock()
		return false
	}
	opCtx, cancel := context.WithCancel(ctx)
	op := &wsOp{cancel: cancel}
	c.ops[id] = op
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.finish(id, op)
		c.serve(opCtx, id, p)
	}()
	return true
}

// cancel stops the operation the client completed. Its id can be reused
// right away.
func (c *wsConn) cancel(id string) {
	c.mu.Lock()
	op, ok := c.ops[id]
	delete(c.ops, id)
	c.mu.Unlock()
	if ok {
		op.cancel()
	}
}

func (c *wsConn) finish(id string, op *wsOp) {
	c.mu.Lock()
	if c.ops[id] == op {
		delete(c.ops, id)
	}
	c.mu.Unlock()
	op.cancel()
}

// serve establishes one stream and forwards its events. The request Context
// exists only until the first event is out: the stream keeps the snapshot
// and does not need the connection afterwards.
func (c *wsConn) serve(ctx context.Context, id string, p subscribePayload) {
	log := c.log.With().Str("subscription", id).Logger()
	rc, err := c.s.deps.Factory.New(ctx)
	if err != nil {
		e := resolver.Translate(&log, "subscribe", err)
		c.s.deps.Metrics.ObserveRequest("ws", outcome(e))
		c.writePayload(id, "error", []*gqlerrors.QueryError{queryError(e)})
		return
	}
	defer rc.Release()
	rc.WithLogger(log)

	events, err := c.s.deps.Schema.Subscribe(reqctx.With(ctx, rc), p.Query, p.OperationName, p.Variables)
	if err != nil {
		e := resolver.Translate(&log, "subscribe", err)
		c.s.deps.Metrics.ObserveRequest("ws", outcome(e))
		c.writePayload(id, "error", []*gqlerrors.QueryError{queryError(e)})
		return
	}

	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					c.write(wsMessage{ID: id, Type: "complete"})
				}
				return
			}
			rc.Release()
			resp, _ := ev.(*graphql.Response)
			if first {
				first = false
				// A document that fails validation never starts a stream.
				if rejected(resp) {
					c.s.deps.Metrics.ObserveRequest("ws", "error")
					c.writePayload(id, "error", resp.Errors)
					return
				}
				c.s.deps.Metrics.ObserveRequest("ws", "ok")
			}
			c.writePayload(id, "next", resp)
		}
	}
}

func rejected(resp *graphql.Response) bool {
	if resp == nil || len(resp.Errors) == 0 {
		return false
	}
	data := bytes.TrimSpace(resp.Data)
	return len(data) == 0 || bytes.Equal(data, []byte("null"))
}

func (c *wsConn) writePayload(id, typ string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.log.Error().Err(err).Str("subscription", id).Msg("encode websocket payload")
		return
	}
	c.write(wsMessage{ID: id, Type: typ, Payload: raw})
}

func (c *wsConn) write(msg wsMessage) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.log.Debug().Err(err).Str("type", msg.Type).Msg("websocket write failed")
	}
}

func (c *wsConn) close(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}
