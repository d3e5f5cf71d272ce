// Package api implements the indexer's HTTP surface: submit-block,
// get-balance, rollback, liveness, and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Klingon-tech/klingnet-index/internal/dbmanager"
	"github.com/Klingon-tech/klingnet-index/internal/log"
	"github.com/Klingon-tech/klingnet-index/internal/model"
	"github.com/Klingon-tech/klingnet-index/internal/processor"
	"github.com/Klingon-tech/klingnet-index/internal/repository"
	"github.com/Klingon-tech/klingnet-index/internal/validator"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_http_requests_total",
		Help: "Total HTTP requests handled, by route and status class.",
	}, []string{"route", "status"})

	blockHeightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_current_height",
		Help: "Current indexed block height.",
	})
)

// Config controls IP filtering, CORS, and body size limits.
type Config struct {
	Addr         string
	AllowedIPs   []string
	CORSOrigins  []string
	MaxBodyBytes int64
}

// Server is the indexer's HTTP API.
type Server struct {
	cfg         Config
	proc        *processor.Processor
	db          *dbmanager.Manager
	server      *http.Server
	allowedNets []*net.IPNet
}

// New builds a Server and its chi router.
func New(cfg Config, proc *processor.Processor, db *dbmanager.Manager) *Server {
	s := &Server{
		cfg:         cfg,
		proc:        proc,
		db:          db,
		allowedNets: parseAllowedIPs(cfg.AllowedIPs),
	}

	r := chi.NewRouter()
	r.Use(s.ipFilter)
	r.Use(s.cors)
	r.Use(s.bodyLimit)

	r.Post("/blocks", s.handleSubmitBlock)
	r.Get("/balances/{address}", s.handleGetBalance)
	r.Post("/rollback", s.handleRollback)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func parseAllowedIPs(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		_, ipNet, err := net.ParseCIDR(entry)
		if err == nil {
			nets = append(nets, ipNet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

func (s *Server) ipFilter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedNets) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ip := net.ParseIP(host)
		if ip == nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		for _, n := range s.allowedNets {
			if n.Contains(ip) {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, "forbidden", http.StatusForbidden)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.CORSOrigins) > 0 {
			origin := r.Header.Get("Origin")
			for _, allowed := range s.cfg.CORSOrigins {
				if allowed == "*" || allowed == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
					break
				}
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.MaxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, route string, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	statusClass := fmt.Sprintf("%dxx", status/100)
	requestsTotal.WithLabelValues(route, statusClass).Inc()
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, route string, message string) {
	writeJSON(w, status, route, map[string]string{"error": message})
}

func (s *Server) handleSubmitBlock(w http.ResponseWriter, r *http.Request) {
	var block model.Block
	if err := json.NewDecoder(r.Body).Decode(&block); err != nil {
		writeErr(w, http.StatusBadRequest, "submit_block", "invalid JSON: "+err.Error())
		return
	}

	result, err := s.proc.SubmitBlock(r.Context(), block)
	if err != nil {
		status := statusForSubmitError(err)
		writeErr(w, status, "submit_block", err.Error())
		return
	}

	blockHeightGauge.Set(float64(result.BlockHeight))
	writeJSON(w, http.StatusOK, "submit_block", result)
}

func statusForSubmitError(err error) int {
	switch {
	case errors.Is(err, processor.ErrDuplicateBlock):
		return http.StatusConflict
	case errors.Is(err, validator.ErrBadHeight),
		errors.Is(err, validator.ErrBadBlockID),
		errors.Is(err, validator.ErrEmptyTxID),
		errors.Is(err, validator.ErrDuplicateTxID),
		errors.Is(err, validator.ErrNegativeValue),
		errors.Is(err, validator.ErrUnknownUTXO),
		errors.Is(err, validator.ErrValueNotConserved),
		errors.Is(err, validator.ErrCoinbaseNegativeSum),
		errors.Is(err, repository.ErrAlreadySpent):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if err := validateAddress(address); err != nil {
		writeErr(w, http.StatusBadRequest, "get_balance", err.Error())
		return
	}

	value, err := s.proc.GetBalance(r.Context(), address)
	if err != nil {
		if strings.Contains(err.Error(), "rollback in progress") {
			writeErr(w, http.StatusServiceUnavailable, "get_balance", err.Error())
			return
		}
		if strings.Contains(err.Error(), "database unavailable") {
			writeErr(w, http.StatusServiceUnavailable, "get_balance", err.Error())
			return
		}
		writeErr(w, http.StatusInternalServerError, "get_balance", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, "get_balance", map[string]string{
		"address": address,
		"balance": value.String(),
	})
}

func validateAddress(address string) error {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return errors.New("address must not be empty")
	}
	if len(trimmed) > 100 {
		return errors.New("address exceeds 100 characters")
	}
	for _, r := range trimmed {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '_' || r == '-') {
			return errors.New("address contains invalid characters")
		}
	}
	return nil
}

type rollbackRequest struct {
	TargetHeight int64 `json:"targetHeight"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "rollback", "invalid JSON: "+err.Error())
		return
	}

	result, err := s.proc.RollbackToHeight(r.Context(), req.TargetHeight)
	if err != nil {
		status := statusForRollbackError(err)
		writeErr(w, status, "rollback", err.Error())
		return
	}

	blockHeightGauge.Set(float64(result.NewHeight))
	writeJSON(w, http.StatusOK, "rollback", result)
}

func statusForRollbackError(err error) int {
	switch {
	case errors.Is(err, processor.ErrRollbackDepthExceeded):
		return http.StatusConflict
	case errors.Is(err, processor.ErrRollbackTargetAhead),
		errors.Is(err, validator.ErrBadHeight):
		return http.StatusBadRequest
	default:
		if strings.Contains(err.Error(), "database unavailable") {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := s.db.Status()
	if !status.Connected {
		writeErr(w, http.StatusServiceUnavailable, "healthz", "database not connected")
		return
	}
	writeJSON(w, http.StatusOK, "healthz", map[string]string{
		"status":          "ok",
		"migration_state": string(status.MigrationState),
	})
}

// Start begins listening and serving in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api: listen: %w", err)
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.API.Error().Err(err).Msg("API server error")
		}
	}()
	log.API.Info().Str("addr", ln.Addr().String()).Msg("API server listening")
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
