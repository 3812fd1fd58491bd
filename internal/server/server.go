package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"remitrails/internal/config"
	"remitrails/internal/hmacauth"
	"remitrails/internal/idempotency"
	"remitrails/internal/remit"
)

const headerRequestID = "X-Request-Id"

// Ledger is the engine surface the HTTP API drives.
type Ledger interface {
	Register(ctx context.Context, account common.Address, phoneNumber, displayName string) (remit.Profile, error)
	UpdateDisplayName(ctx context.Context, caller common.Address, displayName string) (remit.Profile, error)
	GetProfile(ctx context.Context, account common.Address) (remit.Profile, error)
	GetProfileByPhone(ctx context.Context, phone string) (remit.Profile, error)
	CreateRemittance(ctx context.Context, req remit.CreateRequest) (uint64, error)
	CompleteRemittance(ctx context.Context, caller common.Address, id uint64) error
	CancelRemittance(ctx context.Context, caller common.Address, id uint64) error
	GetRemittance(ctx context.Context, id uint64) (*remit.Remittance, error)
	ListRemittances(ctx context.Context, account common.Address) ([]*remit.Remittance, error)
	System(ctx context.Context) (remit.SystemInfo, error)
	Paused(ctx context.Context) (bool, error)
	UpdateFeeRate(ctx context.Context, caller common.Address, rateBps uint32) error
	SetSupported(ctx context.Context, caller, token common.Address, supported bool) error
	Pause(ctx context.Context, caller common.Address) error
	Unpause(ctx context.Context, caller common.Address) error
}

// Deps are the collaborators of the HTTP server. The health functions are
// optional.
type Deps struct {
	Ledger      Ledger
	Idempotency idempotency.Store
	Logger      *zap.Logger
	StoreHealth func(context.Context) error
	RPCHealth   func(context.Context) error
}

type Server struct {
	cfg         *config.AppConfig
	ledger      Ledger
	store       idempotency.Store
	hmac        *hmacauth.Verifier
	adminHMAC   *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metricsRegistry
	logger      *zap.Logger
	createLocks keyedMutex
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := deps.Idempotency
	if store == nil {
		store = idempotency.NewMemoryStore()
	}

	s := &Server{
		cfg:         cfg,
		ledger:      deps.Ledger,
		store:       store,
		metrics:     newMetricsRegistry(),
		logger:      logger.Named("http"),
		dbHealthFn:  deps.StoreHealth,
		rpcHealthFn: deps.RPCHealth,
	}
	s.hmac = &hmacauth.Verifier{
		Secret:  cfg.Seed.Secrets.HMACSecret,
		MaxSkew: cfg.Service.HMACClockSkew,
		OnError: s.rejectAuth,
	}
	s.adminHMAC = &hmacauth.Verifier{
		Secret:  cfg.Seed.Secrets.AdminHMACSecret,
		MaxSkew: cfg.Service.HMACClockSkew,
		OnError: s.rejectAuth,
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(chimw.RealIP)
	r.Use(s.accessLog)
	r.Use(chimw.Recoverer)

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Handle("/metrics", s.metrics.handler())

		api.Group(func(c chi.Router) {
			c.Use(s.hmac.Middleware)
			c.Post("/profiles", s.handleRegister)
			c.Patch("/profiles/me", s.handleUpdateProfile)
			c.Get("/profiles/{account}", s.handleGetProfile)
			c.Get("/phones/{phone}/profile", s.handleGetProfileByPhone)
			c.Post("/remittances", s.handleCreateRemittance)
			c.Get("/remittances/{id}", s.handleGetRemittance)
			c.Post("/remittances/{id}/complete", s.handleCompleteRemittance)
			c.Post("/remittances/{id}/cancel", s.handleCancelRemittance)
			c.Get("/accounts/{account}/remittances", s.handleListRemittances)
			c.Get("/system", s.handleSystem)
		})

		api.Route("/admin", func(a chi.Router) {
			a.Use(s.adminHMAC.Middleware)
			a.Put("/fee-rate", s.handleUpdateFeeRate)
			a.Put("/tokens/{token}", s.handleSetToken)
			a.Post("/pause", s.handlePause)
			a.Post("/unpause", s.handleUnpause)
		})
	})
	return r
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	paused, err := s.ledger.Paused(ctx)
	if err != nil {
		overallHealthy = false
	} else {
		s.metrics.setPaused(paused)
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string      `json:"status"`
		Paused   bool        `json:"paused"`
		RPC      interface{} `json:"rpc"`
		Database interface{} `json:"database"`
	}{
		Status:   status,
		Paused:   paused,
		RPC:      rpcInfo,
		Database: dbInfo,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("requestId", r.Header.Get(headerRequestID)))
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
