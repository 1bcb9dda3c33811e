// Package bridge exposes the controller to an external GUI shell over a
// loopback HTTP API, with run events streamed on a WebSocket.
package bridge

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/autoreap/autoreap/internal/config"
	"github.com/autoreap/autoreap/internal/controller"
	"github.com/autoreap/autoreap/internal/interrupt"
	"github.com/autoreap/autoreap/internal/observability"
	"github.com/autoreap/autoreap/internal/production"
	"github.com/autoreap/autoreap/internal/wizard"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const shutdownTimeout = 5 * time.Second

// Server is the bridge HTTP server.
type Server struct {
	cfg    config.Interface
	ctrl   *controller.Controller
	logger *zap.Logger
	router *mux.Router

	mu      sync.Mutex
	clients map[*wsClient]func()
}

// NewServer builds the router over ctrl.
func NewServer(cfg config.Interface, ctrl *controller.Controller, logger *zap.Logger) *Server {
	if logger == nil {
		logger = observability.GetLogger()
	}
	s := &Server{
		cfg:     cfg,
		ctrl:    ctrl,
		logger:  logger.Named("bridge"),
		router:  mux.NewRouter(),
		clients: make(map[*wsClient]func()),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/browser/start", s.handleStartBrowser).Methods(http.MethodPost)
	api.HandleFunc("/login/confirm", s.handleConfirmLogin).Methods(http.MethodPost)
	api.HandleFunc("/declarations", s.handleDeclarations).Methods(http.MethodGet)
	api.HandleFunc("/declarations/{index:[0-9]+}/run", s.handleRunYear).Methods(http.MethodPost)
	api.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/tabs", s.handleTabs).Methods(http.MethodPost)
	api.HandleFunc("/home", s.handleHome).Methods(http.MethodPost)
	api.HandleFunc("/simulation", s.handleSimulation).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return corsMiddleware(s.router) }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully and disconnects every event stream.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	idle := make(chan struct{})
	go func() {
		defer close(idle)
		<-ctx.Done()
		s.logger.Info("Shutting down bridge.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Bridge shutdown error", zap.Error(err))
		}
		s.disconnectAll()
	}()

	s.logger.Info("Bridge listening.", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-idle
	return nil
}

// corsMiddleware lets a shell served from another origin call the API.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// -- Handlers --

func (s *Server) handleStartBrowser(w http.ResponseWriter, r *http.Request) {
	ids := make(chan string, 1)
	runID, err := s.ctrl.StartBrowserAsync(s.ctrl.AwaitLogin, func(err error) {
		data := map[string]interface{}{"connected": err == nil}
		if err != nil {
			data["error"] = err.Error()
		}
		s.broadcast(newMessage(MsgBrowser, <-ids, data))
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	ids <- runID
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleConfirmLogin(w http.ResponseWriter, r *http.Request) {
	s.ctrl.ConfirmLogin()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeclarations(w http.ResponseWriter, r *http.Request) {
	forceNew, _ := strconv.ParseBool(r.URL.Query().Get("force_new"))
	found, err := s.ctrl.Search(r.Context(), forceNew)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if found == nil {
		found = []wizard.Declaration{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"declarations": found})
}

type runRequest struct {
	Year string `json:"year"`
}

func (s *Server) handleRunYear(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		http.Error(w, "invalid index", http.StatusBadRequest)
		return
	}
	var req runRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
	}
	if req.Year == "" {
		req.Year = wizard.UnknownYear
	}

	runID, err := s.ctrl.RunYearAsync(index, req.Year, func(res controller.Result) {
		s.broadcast(newMessage(MsgResult, res.RunID, resultData(res)))
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func resultData(res controller.Result) map[string]interface{} {
	data := map[string]interface{}{
		"year":          res.Year,
		"outcome":       res.Outcome.String(),
		"complete":      res.Complete(),
		"closed_season": res.Report.ClosedSeason,
		"production":    res.Report.Production,
		"skipped":       res.Report.Skipped,
		"failed":        res.Report.FailedMonths(),
		"fallbacks":     res.Report.Fallbacks,
	}
	if res.Err != nil {
		data["error"] = res.Err.Error()
	}
	return data
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTabs(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.OpenTabs(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ForceReturnHome(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type simulationMonth struct {
	Month    string           `json:"month"`
	Rows     []production.Row `json:"rows"`
	Total    string           `json:"total"`
	Fallback bool             `json:"fallback"`
}

func (s *Server) handleSimulation(w http.ResponseWriter, r *http.Request) {
	decl := s.cfg.Declaration()
	_, months, _ := decl.MonthPlan()
	tok := interrupt.New(r.Context())
	gen := production.NewGenerator(decl, tok,
		production.WithTimeout(s.cfg.Timeouts().Generator),
		production.WithLogger(s.logger))
	sim, err := gen.Simulate(tok.Context(), months)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]simulationMonth, 0, len(sim.Months))
	for _, b := range sim.Months {
		out = append(out, simulationMonth{
			Month:    b.Month,
			Rows:     b.Rows,
			Total:    production.FormatCents(b.TotalCents),
			Fallback: b.Fallback,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"months":    out,
		"total":     production.FormatCents(sim.TotalCents),
		"fallbacks": sim.Fallbacks,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection to WebSocket", zap.Error(err))
		return
	}
	client := &wsClient{
		server: s,
		conn:   conn,
		send:   make(chan WSMessage, sendBufferSize),
		done:   make(chan struct{}),
	}
	s.register(client)
	s.logger.Debug("Event stream connected.", zap.String("remoteAddr", r.RemoteAddr))

	go client.writePump()
	client.readPump()

	s.unregister(client)
	close(client.done)
}

// -- Client registry --

func (s *Server) register(c *wsClient) {
	unsubscribe := s.ctrl.Hub().Subscribe(c)
	s.mu.Lock()
	s.clients[c] = unsubscribe
	s.mu.Unlock()
}

func (s *Server) unregister(c *wsClient) {
	s.mu.Lock()
	unsubscribe, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok {
		unsubscribe()
	}
}

// Clients reports the number of connected event streams.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) broadcast(msg WSMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.enqueue(msg)
	}
}

// disconnectAll closes every hijacked connection; http.Server.Shutdown does not track them.
func (s *Server) disconnectAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		_ = c.conn.Close()
	}
}

// -- Responses --

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusOf(err), map[string]string{"error": err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, controller.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, controller.ErrNotConnected), errors.Is(err, controller.ErrBrowserLaunch):
		return http.StatusServiceUnavailable
	case errors.Is(err, controller.ErrClosed):
		return http.StatusGone
	case errors.Is(err, production.ErrEmptyCatalog):
		return http.StatusUnprocessableEntity
	case interrupt.IsInterrupted(err):
		return http.StatusRequestTimeout
	case errors.Is(err, wizard.ErrStructural):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
