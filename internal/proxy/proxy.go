// Package proxy implements the gateway that fronts the real model
// provider: it validates origins and invite codes, rate limits per
// caller, forwards chat requests upstream, and normalizes every
// successful response to the openai-compatible shape.
package proxy

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/wxkj99/na-quiz/internal/model"
	"github.com/wxkj99/na-quiz/internal/provider"
	"github.com/wxkj99/na-quiz/internal/ratelimit"
)

// DefaultRateLimit is the per-caller request budget per window.
const DefaultRateLimit = 20

// maxBodySize caps decoded request bodies.
const maxBodySize = 1 << 20

// Config configures a proxy Server.
type Config struct {
	// Upstream is the real provider endpoint. Its Model, when set,
	// overrides whatever the client asked for.
	Upstream model.APIConfig
	// AllowedOrigins lists acceptable Origin header values. Empty
	// allows any origin.
	AllowedOrigins []string
	// Invites lists acceptable invite codes, either plaintext or
	// bcrypt hashes. Empty disables the invite check.
	Invites []string
	// RateLimit is the per-caller budget per window. Zero takes the
	// default.
	RateLimit int
	// Window is the rate window length. Zero takes the default.
	Window time.Duration
}

// Server is the proxy HTTP handler state.
type Server struct {
	cfg     Config
	limiter *ratelimit.MemoryLimiter
	client  *http.Client
}

// New creates a proxy Server.
func New(cfg Config) *Server {
	if cfg.RateLimit == 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	return &Server{
		cfg:     cfg,
		limiter: ratelimit.NewMemory(cfg.Window),
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

// Limiter exposes the per-caller limiter. Tests only.
func (s *Server) Limiter() *ratelimit.MemoryLimiter {
	return s.limiter
}

// Handler returns the proxy's router. Only POST and OPTIONS are served;
// everything else gets 405.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Options("/chat/completions", s.handlePreflight)
	r.Post("/chat/completions", s.handleChat)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	return r
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !s.originAllowed(origin) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	s.setCORS(w, origin)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !s.originAllowed(origin) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	s.setCORS(w, origin)

	if !s.inviteOK(r.Header.Get("X-Invite")) {
		http.Error(w, "Invalid invite", http.StatusUnauthorized)
		return
	}

	ip := clientIP(r)
	if !s.limiter.Allow(ip, s.cfg.RateLimit) {
		slog.Warn("caller rate limited", "ip", ip)
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var req model.ChatRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if err := decodeJSON(body, &req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	upCfg := s.cfg.Upstream
	if upCfg.Model == "" {
		upCfg.Model = req.Model
	}

	upReq, err := provider.BuildRequest(upCfg, req.Messages, 0)
	if err != nil {
		slog.Error("build upstream request", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	httpReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, upReq.URL, bytes.NewReader(upReq.Body))
	if err != nil {
		slog.Error("create upstream request", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	httpReq.Header = upReq.Header.Clone()
	httpReq.Header.Set("User-Agent", "na-quiz-proxy")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		slog.Error("upstream request failed", "error", err)
		http.Error(w, "Upstream unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Error("read upstream response", "error", err)
		http.Error(w, "Upstream read failed", http.StatusBadGateway)
		return
	}

	slog.Info("proxied request",
		"ip", ip, "provider", upCfg.Provider, "status", resp.StatusCode)

	// Upstream failures pass through verbatim so the client sees the
	// real status and body.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ct := resp.Header.Get("Content-Type")
		if ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(respBody)
		return
	}

	out := respBody
	if upCfg.Provider != model.ProviderOpenAI {
		text, err := provider.ParseText(upCfg.Provider, respBody)
		if err != nil {
			slog.Error("parse upstream response", "provider", upCfg.Provider, "error", err)
			http.Error(w, "Upstream response unreadable", http.StatusBadGateway)
			return
		}
		out, err = provider.NormalizeText(text)
		if err != nil {
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	// A missing Origin counts as a mismatch: with a configured
	// allow-list, non-browser callers cannot opt out by omitting the
	// header.
	if origin == "" {
		return false
	}
	for _, o := range s.cfg.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (s *Server) inviteOK(code string) bool {
	if len(s.cfg.Invites) == 0 {
		return true
	}
	if code == "" {
		return false
	}
	for _, invite := range s.cfg.Invites {
		if strings.HasPrefix(invite, "$2") {
			if bcrypt.CompareHashAndPassword([]byte(invite), []byte(code)) == nil {
				return true
			}
			continue
		}
		if subtle.ConstantTimeCompare([]byte(invite), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) setCORS(w http.ResponseWriter, origin string) {
	allow := "*"
	if origin != "" && len(s.cfg.AllowedOrigins) > 0 {
		allow = origin
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", allow)
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Invite")
	h.Set("Access-Control-Max-Age", "86400")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeJSON(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("empty body")
	}
	return json.Unmarshal(data, v)
}
