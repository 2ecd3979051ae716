// Package bridge carries HTTP calls from the front-end to the daemon over one
// persistent framed connection and matches replies back to callers by
// correlation id.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/meshctl/internal/errs"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/danmuck/meshctl/internal/protocol/frame"
	"github.com/danmuck/meshctl/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("bridge: closed")

// Response is a reply matched to its request.
type Response struct {
	ID          string
	Status      int
	Headers     []session.Header
	ContentType string
	Body        []byte
	// JSON holds the decoded body when the reply declared a JSON content
	// type and the body parsed cleanly.
	JSON any
}

// Bridge owns one stream connection. Send may be called from many goroutines;
// Run must be running for replies to be delivered.
type Bridge struct {
	conn   net.Conn
	cfg    session.Config
	limits frame.Limits

	mu      sync.Mutex
	pending *pendingTable
	nextID  uint64
	broken  error

	done     chan struct{}
	doneOnce sync.Once
}

// Dial connects to addr and returns a bridge ready for Run.
func Dial(ctx context.Context, addr string, cfg session.Config) (*Bridge, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Msg("bridge connected")
	return New(conn, cfg), nil
}

// New wraps an established connection.
func New(conn net.Conn, cfg session.Config) *Bridge {
	return &Bridge{
		conn:    conn,
		cfg:     cfg,
		limits:  frame.DefaultLimits(),
		pending: newPendingTable(),
		done:    make(chan struct{}),
	}
}

// Done is closed once the receive loop has stopped.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

func (b *Bridge) Close() error {
	err := b.conn.Close()
	b.fail(ErrClosed)
	return err
}

// Pending reports how many requests await a reply.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.len()
}

// Send frames req and writes it in full, then registers it as pending. The
// write and the registration happen under one lock. A failed write is
// logged, the request is not registered and the bridge is marked broken.
// An empty req.ID is filled with a fresh uuid.
func (b *Bridge) Send(req session.Request) (string, <-chan *Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken != nil {
		return "", nil, errs.ConnectionBroken(b.broken)
	}
	if b.pending.has(req.ID) {
		return "", nil, fmt.Errorf("bridge: correlation id %s already pending", req.ID)
	}
	b.nextID++
	raw, err := session.EncodeRequestFrame(b.nextID, req)
	if err != nil {
		return "", nil, err
	}
	if b.cfg.WriteTimeout > 0 {
		_ = b.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	}
	if _, err := b.conn.Write(raw); err != nil {
		// Part of the frame may already be on the stream, so nothing after it
		// can be framed correctly. Run sees the close and fails the bridge.
		b.broken = fmt.Errorf("write request %s: %w", req.ID, err)
		_ = b.conn.Close()
		log.Error().Err(err).Str("id", req.ID).Str("path", req.Path).Msg("bridge write failed, request dropped and connection closed")
		return "", nil, errs.ConnectionBroken(b.broken)
	}
	p := b.pending.register(req, time.Now())
	observability.SetBridgePending(b.pending.len())
	log.Debug().Str("id", req.ID).Str("method", req.Method).Str("path", req.Path).Msg("bridge request sent")
	return req.ID, p.reply, nil
}

// Call sends req and waits for its reply. When ctx ends first the pending
// entry is dropped, so a late reply is discarded as unmatched. Without a ctx
// deadline the configured call timeout applies.
func (b *Bridge) Call(ctx context.Context, req session.Request) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok && b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	id, reply, err := b.Send(req)
	if err != nil {
		observability.RecordBridgeCall("send_error", time.Since(start))
		return nil, err
	}
	select {
	case resp := <-reply:
		observability.RecordBridgeCall("ok", time.Since(start))
		return resp, nil
	case <-ctx.Done():
		b.forget(id)
		observability.RecordBridgeCall("timeout", time.Since(start))
		return nil, fmt.Errorf("bridge: request %s: %w", id, ctx.Err())
	case <-b.done:
		observability.RecordBridgeCall("broken", time.Since(start))
		return nil, errs.ConnectionBroken(b.cause())
	}
}

// Run reads replies until the stream fails or ctx ends. It always returns an
// ErrConnectionBroken error; pending requests are abandoned.
func (b *Bridge) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = b.conn.Close()
	})
	defer stop()

	for {
		f, err := frame.ReadFrame(b.conn, b.limits)
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return b.fail(err)
		}
		resp, err := session.DecodeResponseFrame(f)
		if err != nil {
			_ = b.conn.Close()
			return b.fail(fmt.Errorf("decode reply: %w", err))
		}
		b.dispatch(resp)
	}
}

func (b *Bridge) dispatch(r session.Response) {
	b.mu.Lock()
	p, ok := b.pending.take(r.ID)
	n := b.pending.len()
	b.mu.Unlock()

	if !ok {
		observability.RecordUnmatchedReply()
		log.Debug().Str("id", r.ID).Uint32("status", r.Status).Msg("bridge reply with unknown id dropped")
		return
	}
	observability.SetBridgePending(n)
	log.Debug().
		Str("id", r.ID).
		Str("path", p.Path).
		Uint32("status", r.Status).
		Dur("elapsed", time.Since(p.SentAt)).
		Msg("bridge reply matched")
	p.reply <- buildResponse(r)
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	_, ok := b.pending.take(id)
	n := b.pending.len()
	b.mu.Unlock()
	if ok {
		observability.SetBridgePending(n)
	}
}

func (b *Bridge) fail(cause error) error {
	b.mu.Lock()
	if b.broken == nil {
		b.broken = cause
	}
	abandoned := b.pending.drain()
	cause = b.broken
	b.mu.Unlock()

	observability.SetBridgePending(0)
	b.doneOnce.Do(func() {
		close(b.done)
		log.Error().Err(cause).Int("abandoned", len(abandoned)).Msg("bridge connection broken")
	})
	return errs.ConnectionBroken(cause)
}

func (b *Bridge) cause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.broken
}

func buildResponse(r session.Response) *Response {
	out := &Response{
		ID:          r.ID,
		Status:      int(r.Status),
		Headers:     r.Headers,
		ContentType: r.ContentType,
		Body:        r.Body,
	}
	if len(r.Body) == 0 || !isJSON(r.ContentType) {
		return out
	}
	dec := json.NewDecoder(bytes.NewReader(r.Body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		log.Warn().Str("id", r.ID).Str("content_type", r.ContentType).Msg("reply body is not valid JSON, passing raw body")
		return out
	}
	out.JSON = v
	return out
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
