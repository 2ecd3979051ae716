package frontend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/meshctl/internal/auth"
	"github.com/danmuck/meshctl/internal/errs"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/danmuck/meshctl/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Headers that describe this hop only and are not forwarded.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Te":                true,
	"Trailer":           true,
	"Content-Length":    true,
	"Content-Type":      true,
}

func (s *Service) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.appeared).String(),
			"component": nodeName,
			"daemon":    s.Connected(),
		})
	})
	s.router.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.Connected() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"ready": status == http.StatusOK})
	})
	if s.cfg.Metrics {
		s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	api := s.router.Group("/appmesh")
	if s.cfg.Token != "" {
		api.Use(auth.RequireToken(auth.StaticToken{Token: s.cfg.Token}))
	}
	api.Any("/*path", s.forward)
}

// principalOf reads the user set by the proxy. The daemon treats an empty
// principal as an internal caller, so it is never forwarded.
func (s *Service) principalOf(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(s.cfg.PrincipalHeader))
}

func (s *Service) forward(c *gin.Context) {
	who := s.principalOf(c)
	if who == "" {
		log.Warn().Str("method", c.Request.Method).Str("path", c.Request.URL.Path).Str("client_ip", c.ClientIP()).Msg("request without principal rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal header " + s.cfg.PrincipalHeader})
		return
	}
	c.Set(observability.PrincipalKey, who)

	b := s.current.Load()
	if b == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "daemon not connected"})
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	req := session.Request{
		Principal:   who,
		Method:      c.Request.Method,
		Path:        c.Request.URL.Path,
		Query:       c.Request.URL.RawQuery,
		Headers:     s.forwardHeaders(c.Request.Header),
		Body:        body,
		ContentType: c.GetHeader("Content-Type"),
	}
	resp, err := b.Call(c.Request.Context(), req)
	if err != nil {
		status := errs.HTTPStatus(err)
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		log.Error().Err(err).Str("method", req.Method).Str("path", req.Path).Msg("forward failed")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	for _, h := range resp.Headers {
		if hopHeaders[http.CanonicalHeaderKey(h.Key)] {
			continue
		}
		c.Writer.Header().Add(h.Key, h.Value)
	}
	switch {
	case resp.JSON != nil:
		c.JSON(resp.Status, resp.JSON)
	case len(resp.Body) > 0:
		contentType := resp.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		c.Data(resp.Status, contentType, resp.Body)
	default:
		c.Status(resp.Status)
	}
}

// forwardHeaders flattens h in key order, dropping hop-by-hop headers, the
// proxy credentials and the principal header, which travels in the frame auth
// block instead.
func (s *Service) forwardHeaders(h http.Header) []session.Header {
	keys := make([]string, 0, len(h))
	for k := range h {
		if hopHeaders[k] || k == "Authorization" || strings.EqualFold(k, s.cfg.PrincipalHeader) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []session.Header
	for _, k := range keys {
		for _, v := range h[k] {
			out = append(out, session.Header{Key: k, Value: v})
		}
	}
	return out
}
