// Package walletpool shares a finite set of funded wallets between test
// processes over HTTP. Callers that find the pool empty get a ticket and poll
// with it; nothing holds the connection open.
package walletpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/zkVerify/zkVerify-qa/internal/common"
	"github.com/zkVerify/zkVerify-qa/internal/monitoring"
)

// ErrNotLeased is returned when a wallet is released that is idle, already
// released, or still waiting for its ticket to collect it
var ErrNotLeased = errors.New("wallet is not leased")

// Config configures the wallet server
type Config struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	// TicketTimeout expires tickets that are not polled or collected in time
	TicketTimeout time.Duration `mapstructure:"ticket_timeout" yaml:"ticket_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// WalletResponse is returned by GET /wallet
type WalletResponse struct {
	Key       string `json:"key,omitempty"`
	Wallet    string `json:"wallet,omitempty"`
	Available bool   `json:"available"`
	Ticket    string `json:"ticket,omitempty"`
	Position  int    `json:"position,omitempty"`
}

// ReleaseRequest is the body of POST /release
type ReleaseRequest struct {
	Key string `json:"key"`
}

// ReleaseResponse is returned by POST /release
type ReleaseResponse struct {
	Success bool `json:"success"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Wallets int    `json:"wallets"`
	Idle    int    `json:"idle"`
	Leased  int    `json:"leased"`
	Queued  int    `json:"queued"`
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type ticket struct {
	id       string
	created  time.Time
	lastSeen time.Time
	key      string
}

// Server is the wallet pool HTTP service
type Server struct {
	logger  *zap.Logger
	config  Config
	router  *mux.Router
	server  *http.Server
	store   Store
	metrics *monitoring.MetricsExporter
	wallets map[string]string
	now     func() time.Time

	mu      sync.Mutex
	queue   []*ticket
	tickets map[string]*ticket
	// leased holds when this server handed each key to a caller
	leased map[string]time.Time
}

// Wallet is one shareable signing secret, addressed by key
type Wallet struct {
	Key    string
	Secret string
}

// NewServer seeds store with the keys of wallets, in order
func NewServer(ctx context.Context, config Config, wallets []Wallet, store Store, logger *zap.Logger, metrics *monitoring.MetricsExporter) (*Server, error) {
	if len(wallets) == 0 {
		return nil, errors.New("wallet pool needs at least one wallet")
	}
	if config.TicketTimeout <= 0 {
		config.TicketTimeout = 120 * time.Second
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Second
	}

	keys := make([]string, 0, len(wallets))
	secrets := make(map[string]string, len(wallets))
	for _, w := range wallets {
		if _, dup := secrets[w.Key]; dup {
			return nil, fmt.Errorf("duplicate wallet key %q", w.Key)
		}
		keys = append(keys, w.Key)
		secrets[w.Key] = w.Secret
	}
	if err := store.Seed(ctx, keys); err != nil {
		return nil, err
	}

	s := &Server{
		logger:  logger,
		config:  config,
		store:   store,
		metrics: metrics,
		wallets: secrets,
		now:     time.Now,
		tickets: make(map[string]*ticket),
		leased:  make(map[string]time.Time),
	}
	s.setupRoutes()
	s.report(ctx)
	return s, nil
}

// Handler exposes the routes, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP and sweeps expired tickets until ctx is done
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting wallet pool server",
		zap.String("listen_addr", s.config.ListenAddr),
		zap.Int("wallets", len(s.wallets)),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Wallet pool server error", zap.Error(err))
		}
	}()
	go s.sweepLoop(ctx)
	return nil
}

// Shutdown stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down wallet pool server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/wallet", s.handleWallet).Methods(http.MethodGet)
	s.router.HandleFunc("/release", s.handleRelease).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Wallet pool request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.URL.Query().Get("ticket")

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.assignLocked(ctx); err != nil {
		s.sendError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	if id != "" {
		t, ok := s.tickets[id]
		if !ok {
			s.sendError(w, http.StatusRequestTimeout, "ticket expired or unknown")
			return
		}
		if t.key != "" {
			delete(s.tickets, id)
			s.sendWallet(w, t.key)
			return
		}
		t.lastSeen = s.now()
		s.sendJSON(w, http.StatusAccepted, WalletResponse{Available: false, Ticket: id, Position: s.positionLocked(id)})
		return
	}

	if len(s.queue) == 0 {
		key, ok, err := s.store.Take(ctx)
		if err != nil {
			s.sendError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		if ok {
			s.reportLocked(ctx)
			s.sendWallet(w, key)
			return
		}
	}

	now := s.now()
	t := &ticket{id: uuid.NewString(), created: now, lastSeen: now}
	s.queue = append(s.queue, t)
	s.tickets[t.id] = t
	s.reportLocked(ctx)

	s.logger.Info("No wallet available, request queued",
		zap.String("ticket", t.id),
		zap.Int("queued", len(s.queue)),
	)
	s.sendJSON(w, http.StatusAccepted, WalletResponse{Available: false, Ticket: t.id, Position: len(s.queue)})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		s.sendError(w, http.StatusBadRequest, "key is required")
		return
	}

	ctx := r.Context()
	s.mu.Lock()
	defer s.mu.Unlock()

	held, err := s.endLeaseLocked(ctx, req.Key)
	if err != nil {
		switch {
		case errors.Is(err, common.ErrNotFound):
			s.sendError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ErrNotLeased):
			s.logger.Warn("Rejected release", zap.String("key", req.Key), zap.Error(err))
			s.sendError(w, http.StatusConflict, err.Error())
		default:
			s.sendError(w, http.StatusServiceUnavailable, err.Error())
		}
		return
	}

	if err := s.releaseLocked(ctx, req.Key); err != nil {
		s.sendError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	s.logger.Info("Wallet released", zap.String("key", req.Key), zap.Duration("held", held))
	s.sendJSON(w, http.StatusOK, ReleaseResponse{Success: true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	idle, err := s.store.Len(r.Context())
	if err != nil {
		s.sendError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	s.mu.Lock()
	queued, leased := len(s.queue), len(s.leased)
	s.mu.Unlock()

	s.sendJSON(w, http.StatusOK, HealthResponse{Status: "ok", Wallets: len(s.wallets), Idle: idle, Leased: leased, Queued: queued})
}

// endLeaseLocked checks that key is out with a caller and ends the lease.
// A wallet is out unless it is idle in the store or reserved for a ticket here;
// several servers may share the store, so the caller may have leased it elsewhere.
func (s *Server) endLeaseLocked(ctx context.Context, key string) (time.Duration, error) {
	if _, ok := s.wallets[key]; !ok {
		return 0, common.WrapError("release", key, common.ErrNotFound)
	}
	for _, t := range s.tickets {
		if t.key == key {
			return 0, common.WrapError("release", key, ErrNotLeased)
		}
	}

	idle, err := s.store.Idle(ctx, key)
	if err != nil {
		return 0, common.WrapError("release", key, err)
	}
	since, local := s.leased[key]
	delete(s.leased, key)
	if idle {
		return 0, common.WrapError("release", key, ErrNotLeased)
	}
	if !local {
		return 0, nil
	}
	return s.now().Sub(since), nil
}

// releaseLocked gives key to the oldest queued ticket, or back to the store
func (s *Server) releaseLocked(ctx context.Context, key string) error {
	if len(s.queue) > 0 {
		t := s.queue[0]
		s.queue = s.queue[1:]
		t.key = key
		t.lastSeen = s.now()
		s.reportLocked(ctx)
		s.logger.Debug("Wallet handed to queued request", zap.String("key", key), zap.String("ticket", t.id))
		return nil
	}

	if err := s.store.Put(ctx, key); err != nil {
		return err
	}
	s.reportLocked(ctx)
	return nil
}

// assignLocked hands idle wallets to queued tickets, in arrival order.
// Other servers sharing the store may have released wallets since the last call.
func (s *Server) assignLocked(ctx context.Context) error {
	for len(s.queue) > 0 {
		key, ok, err := s.store.Take(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		t := s.queue[0]
		s.queue = s.queue[1:]
		t.key = key
		t.lastSeen = s.now()
	}
	return nil
}

func (s *Server) positionLocked(id string) int {
	for i, t := range s.queue {
		if t.id == id {
			return i + 1
		}
	}
	return 0
}

// Sweep expires tickets idle for longer than the ticket timeout. A wallet
// assigned to an expired ticket goes back to the pool.
func (s *Server) Sweep(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := s.now().Add(-s.config.TicketTimeout)
	kept := s.queue[:0]
	for _, t := range s.queue {
		if t.lastSeen.Before(deadline) {
			delete(s.tickets, t.id)
			s.logger.Warn("Wallet request timed out", zap.String("ticket", t.id))
			continue
		}
		kept = append(kept, t)
	}
	s.queue = kept

	for id, t := range s.tickets {
		if t.key == "" || !t.lastSeen.Before(deadline) {
			continue
		}
		delete(s.tickets, id)
		s.logger.Warn("Assigned wallet never collected", zap.String("ticket", id), zap.String("key", t.key))
		if err := s.releaseLocked(ctx, t.key); err != nil {
			s.logger.Error("Failed to return uncollected wallet", zap.String("key", t.key), zap.Error(err))
		}
	}

	// leases released through another server sharing the store
	for key := range s.leased {
		if idle, err := s.store.Idle(ctx, key); err == nil && idle {
			delete(s.leased, key)
		}
	}
	s.reportLocked(ctx)
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) report(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reportLocked(ctx)
}

func (s *Server) reportLocked(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	idle, err := s.store.Len(ctx)
	if err != nil {
		return
	}
	s.metrics.SetWalletPool(idle, len(s.queue))
}

// sendWallet hands key to the caller and starts its lease. Callers hold s.mu.
func (s *Server) sendWallet(w http.ResponseWriter, key string) {
	s.leased[key] = s.now()
	s.sendJSON(w, http.StatusOK, WalletResponse{Key: key, Wallet: s.wallets[key], Available: true})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Success: false, Error: message})
}
