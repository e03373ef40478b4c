// Package judgeproxy serves a short-lived, token-protected HTTP endpoint on
// loopback that lets a code judge subprocess call an LLM target without ever
// seeing provider credentials.
package judgeproxy

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/gin-gonic/gin"

	"github.com/signalnine/agentv/internal/metrics"
	"github.com/signalnine/agentv/internal/provider"
	"github.com/signalnine/agentv/internal/suite"
)

// Environment variables handed to the judge subprocess.
const (
	EnvURL   = "AGENTV_TARGET_PROXY_URL"
	EnvToken = "AGENTV_TARGET_PROXY_TOKEN"
)

// ErrNoTarget is returned by Start when no default target is configured.
var ErrNoTarget = errors.New("judge proxy requires a judge target")

type Options struct {
	// Target answers requests that do not name a target.
	Target     provider.Provider
	TargetName string
	// Targets are the additional targets a request may select by name.
	Targets map[string]provider.Provider
	// MaxCalls caps provider invocations for the session; 0 means
	// suite.DefaultMaxCalls.
	MaxCalls int
	// OnLimit runs once, after the first request that would exceed MaxCalls.
	OnLimit func()
}

// Session is one running proxy. It serves until Close.
type Session struct {
	opts     Options
	token    string
	url      string
	maxCalls int64

	calls        atomic.Int64
	authFailures atomic.Int64
	exceeded     atomic.Bool
	limitOnce    sync.Once

	srv       *http.Server
	closeOnce sync.Once
	closeErr  error
}

type invokeRequest struct {
	Question     string `json:"question"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	Target       string `json:"target,omitempty"`
}

type invokeResponse struct {
	OutputMessages []suite.Message `json:"outputMessages"`
	RawText        string          `json:"rawText"`
	Error          string          `json:"error,omitempty"`
}

type batchRequest struct {
	Requests []invokeRequest `json:"requests"`
}

type batchResponse struct {
	Responses []invokeResponse `json:"responses"`
}

type infoResponse struct {
	TargetName       string   `json:"targetName"`
	MaxCalls         int64    `json:"maxCalls"`
	CallCount        int64    `json:"callCount"`
	AvailableTargets []string `json:"availableTargets"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Start listens on an OS-assigned loopback port and serves until Close. ctx
// is the base context of every request.
func Start(ctx context.Context, opts Options) (*Session, error) {
	if opts.Target == nil {
		return nil, ErrNoTarget
	}
	if opts.MaxCalls <= 0 {
		opts.MaxCalls = suite.DefaultMaxCalls
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listening on loopback: %w", err)
	}

	s := &Session{
		opts:     opts,
		token:    token,
		url:      "http://" + ln.Addr().String(),
		maxCalls: int64(opts.MaxCalls),
	}
	s.srv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			clog.FromContext(ctx).With("error", err).Warn("judge proxy stopped serving")
		}
	}()
	clog.FromContext(ctx).With("url", s.url, "max_calls", opts.MaxCalls, "token_present", true).Debug("judge proxy started")
	return s, nil
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating proxy token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (s *Session) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.authenticate)
	r.POST("/invoke", s.handleInvoke)
	r.POST("/invokeBatch", s.handleInvokeBatch)
	r.GET("/info", s.handleInfo)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "not found"})
	})
	return r
}

// authenticate runs before routing resolves a handler, so unknown paths are
// rejected the same way as known ones.
func (s *Session) authenticate(c *gin.Context) {
	header := c.GetHeader("Authorization")
	got, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
		s.authFailures.Add(1)
		metrics.JudgeProxyCalls.WithLabelValues("unauthorized").Inc()
		clog.FromContext(c.Request.Context()).With("path", c.Request.URL.Path, "token_present", header != "").Warn("judge proxy rejected unauthenticated request")
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "missing or invalid bearer token"})
		return
	}
	c.Next()
}

func (s *Session) handleInvoke(c *gin.Context) {
	var req invokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	p, err := s.resolve(req.Target)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if !s.reserve(1) {
		s.rejectOverLimit(c, 1)
		return
	}
	resp, err := s.invoke(c.Request.Context(), p, req)
	if err != nil {
		c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Session) handleInvokeBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	targets := make([]provider.Provider, len(req.Requests))
	for i, r := range req.Requests {
		p, err := s.resolve(r.Target)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("request %d: %v", i, err)})
			return
		}
		targets[i] = p
	}
	n := int64(len(req.Requests))
	if !s.reserve(n) {
		s.rejectOverLimit(c, n)
		return
	}
	out := batchResponse{Responses: make([]invokeResponse, len(req.Requests))}
	for i, r := range req.Requests {
		resp, err := s.invoke(c.Request.Context(), targets[i], r)
		if err != nil {
			out.Responses[i] = invokeResponse{OutputMessages: []suite.Message{}, Error: err.Error()}
			continue
		}
		out.Responses[i] = *resp
	}
	c.JSON(http.StatusOK, out)
}

func (s *Session) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, infoResponse{
		TargetName:       s.opts.TargetName,
		MaxCalls:         s.maxCalls,
		CallCount:        s.calls.Load(),
		AvailableTargets: s.availableTargets(),
	})
}

func (s *Session) resolve(name string) (provider.Provider, error) {
	if name == "" || name == s.opts.TargetName {
		return s.opts.Target, nil
	}
	if p, ok := s.opts.Targets[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("unknown target %q (available: %s)", name, strings.Join(s.availableTargets(), ", "))
}

func (s *Session) availableTargets() []string {
	names := []string{s.opts.TargetName}
	for name := range s.opts.Targets {
		if name != s.opts.TargetName {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// reserve claims n calls, or none if that would pass the cap.
func (s *Session) reserve(n int64) bool {
	for {
		cur := s.calls.Load()
		if cur+n > s.maxCalls {
			return false
		}
		if s.calls.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

func (s *Session) rejectOverLimit(c *gin.Context, n int64) {
	s.exceeded.Store(true)
	metrics.JudgeProxyCalls.WithLabelValues("limit_exceeded").Inc()
	clog.FromContext(c.Request.Context()).With("max_calls", s.maxCalls, "requested", n).Warn("judge proxy call limit exceeded")
	c.JSON(http.StatusTooManyRequests, errorResponse{Error: fmt.Sprintf(
		"judge proxy call limit exceeded: %d of %d calls used, %d requested; raise judge_proxy.max_calls or make fewer calls",
		s.calls.Load(), s.maxCalls, n)})
	if s.opts.OnLimit != nil {
		s.limitOnce.Do(s.opts.OnLimit)
	}
}

func (s *Session) invoke(ctx context.Context, p provider.Provider, req invokeRequest) (*invokeResponse, error) {
	resp, err := p.Invoke(ctx, &provider.Request{Question: req.Question, SystemPrompt: req.SystemPrompt})
	if err != nil {
		metrics.JudgeProxyCalls.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("invoking %s: %w", p.Name(), err)
	}
	metrics.JudgeProxyCalls.WithLabelValues("ok").Inc()
	msgs := resp.OutputMessages
	if msgs == nil {
		msgs = []suite.Message{}
	}
	return &invokeResponse{OutputMessages: msgs, RawText: resp.Text}, nil
}

// URL is the base URL, http://127.0.0.1:<port>.
func (s *Session) URL() string { return s.url }

// Env returns the variables a judge subprocess needs to reach the proxy.
func (s *Session) Env() []string {
	return []string{EnvURL + "=" + s.url, EnvToken + "=" + s.token}
}

// CallCount is the number of provider calls reserved so far.
func (s *Session) CallCount() int { return int(s.calls.Load()) }

// LimitExceeded reports whether any request was rejected for exceeding
// MaxCalls.
func (s *Session) LimitExceeded() bool { return s.exceeded.Load() }

func (s *Session) AuthFailures() int { return int(s.authFailures.Load()) }

// Close stops the listener and drops open connections. It is safe to call
// more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.srv.Close()
	})
	return s.closeErr
}
