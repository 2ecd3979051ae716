// Package control serves the daemon control API over the frame transport.
// Each request frame is replayed through an http.Handler and answered with
// one response frame carrying the same correlation id.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/meshctl/internal/protocol/frame"
	"github.com/danmuck/meshctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Addr         string
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:6059",
		WriteTimeout: 15 * time.Second,
	}
}

// Server accepts front-end connections. Requests on one connection are
// handled concurrently and replies may leave in any order.
type Server struct {
	handler http.Handler
	cfg     Config
	limits  frame.Limits

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	clients atomic.Int64
	wg      sync.WaitGroup
}

func NewServer(handler http.Handler, cfg Config) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &Server{
		handler: handler,
		cfg:     cfg,
		limits:  frame.DefaultLimits(),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen opens the configured TCP address.
func (s *Server) Listen() (net.Listener, error) {
	return net.Listen("tcp", strings.TrimSpace(s.cfg.Addr))
}

// Serve runs the accept loop until ctx is done, then closes every tracked
// connection and waits for their handlers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	defer func() {
		s.closeAllConns()
		s.wg.Wait()
	}()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("control server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	active := s.clients.Add(1)
	log.Info().Str("remote", remote).Int64("active_clients", active).Msg("control client connected")

	var (
		writeMu  sync.Mutex
		inflight sync.WaitGroup
	)
	defer func() {
		inflight.Wait()
		_ = conn.Close()
		s.untrackConn(conn)
		remaining := s.clients.Add(-1)
		log.Info().Str("remote", remote).Int64("active_clients", remaining).Msg("control client disconnected")
	}()

	for {
		f, err := frame.ReadFrame(conn, s.limits)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Str("remote", remote).Msg("control read failed")
			}
			return
		}
		req, err := session.DecodeRequestFrame(f)
		if err != nil {
			log.Warn().Err(err).Str("remote", remote).Msg("control decode failed, closing connection")
			return
		}

		inflight.Add(1)
		go func(messageID uint64) {
			defer inflight.Done()
			var resp session.Response
			if req.Principal == "" {
				log.Warn().Str("remote", remote).Str("id", req.ID).Str("path", req.Path).Msg("control request without principal rejected")
				resp = errorResponse(req.ID, http.StatusUnauthorized, "missing principal")
			} else {
				resp = s.Dispatch(ctx, req)
			}
			if err := s.reply(conn, &writeMu, messageID, resp); err != nil {
				log.Warn().Err(err).Str("id", resp.ID).Msg("control reply failed, closing connection")
				_ = conn.Close()
			}
		}(f.Header.MessageID)
	}
}

// reply encodes resp and writes it. A reply that cannot be framed is
// replaced by a 500 for the same correlation id, so the other requests on
// the connection are unaffected. Only write errors are returned.
func (s *Server) reply(conn net.Conn, mu *sync.Mutex, messageID uint64, resp session.Response) error {
	raw, err := s.encode(messageID, resp)
	if err != nil {
		log.Error().Err(err).Str("id", resp.ID).Int("body_bytes", len(resp.Body)).Msg("control reply not encodable")
		raw, err = s.encode(messageID, errorResponse(resp.ID, http.StatusInternalServerError, "response too large"))
		if err != nil {
			return err
		}
	}
	mu.Lock()
	defer mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_, err = conn.Write(raw)
	return err
}

func (s *Server) encode(messageID uint64, resp session.Response) ([]byte, error) {
	f, err := session.ResponseFrame(messageID, resp)
	if err != nil {
		return nil, err
	}
	return frame.Encode(f, s.limits)
}

func errorResponse(id string, status int, message string) session.Response {
	body, _ := json.Marshal(map[string]string{"error": message})
	return session.Response{
		ID:          id,
		Status:      uint32(status),
		Body:        body,
		ContentType: "application/json",
	}
}

// Dispatch runs one request through the handler and captures the reply.
func (s *Server) Dispatch(ctx context.Context, req session.Request) session.Response {
	httpReq, err := toHTTPRequest(ctx, req)
	if err != nil {
		log.Warn().Err(err).Str("id", req.ID).Msg("control request rejected")
		return errorResponse(req.ID, http.StatusBadRequest, "malformed request")
	}
	w := newResponseBuffer()
	s.handler.ServeHTTP(w, httpReq)
	return w.response(req.ID)
}

func toHTTPRequest(ctx context.Context, req session.Request) (*http.Request, error) {
	u := url.URL{Path: req.Path, RawQuery: req.Query}
	httpReq, err := http.NewRequestWithContext(WithPrincipal(ctx, req.Principal), req.Method, u.RequestURI(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for _, h := range req.Headers {
		httpReq.Header.Add(h.Key, h.Value)
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	httpReq.RemoteAddr = "frame"
	return httpReq, nil
}

// responseBuffer is an in-memory http.ResponseWriter.
type responseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: make(http.Header)}
}

func (w *responseBuffer) Header() http.Header {
	return w.header
}

func (w *responseBuffer) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *responseBuffer) Write(p []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.body.Write(p)
}

func (w *responseBuffer) response(id string) session.Response {
	status := w.status
	if status == 0 {
		status = http.StatusOK
	}
	resp := session.Response{
		ID:          id,
		Status:      uint32(status),
		Body:        w.body.Bytes(),
		ContentType: w.header.Get("Content-Type"),
	}
	keys := make([]string, 0, len(w.header))
	for k := range w.header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "Content-Type" || k == "Content-Length" {
			continue
		}
		for _, v := range w.header[k] {
			resp.Headers = append(resp.Headers, session.Header{Key: k, Value: v})
		}
	}
	return resp
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
