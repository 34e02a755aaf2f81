package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/skobkin/gpumon/internal/api"
	"github.com/skobkin/gpumon/internal/config"
	"github.com/skobkin/gpumon/internal/gpu"
	"github.com/skobkin/gpumon/internal/monitor"
	"github.com/skobkin/gpumon/internal/procscan"
	"github.com/skobkin/gpumon/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	wsSendQueueSize   = 16
)

const (
	errNoCycle           = "no cycle completed yet"
	errProcessesDisabled = "process listing disabled"
	errProcessScan       = "process scan failed"
)

// StatusSource is the read side of the monitor. *monitor.Monitor satisfies it.
type StatusSource interface {
	Latest() (monitor.Status, bool)
	Ready() bool
	Subscribe() (<-chan monitor.Status, func())
	Stats() monitor.Stats
	Interval() time.Duration
}

// DeliveryStats exposes notifier counters. *notify.Notifier satisfies it.
type DeliveryStats interface {
	Delivered() uint64
	Failures() map[string]uint64
}

// ProcessSource lists GPU compute processes. *procscan.Scanner satisfies it.
type ProcessSource interface {
	Scan(ctx context.Context) (procscan.Snapshot, error)
}

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.HTTPConfig
	logger     *slog.Logger
	httpServer *http.Server
	gpus       []gpu.Info
	source     StatusSource
	delivery   DeliveryStats
	processes  ProcessSource

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
}

// New assembles a Server with its handlers. delivery and processes may be nil.
func New(cfg config.HTTPConfig, logger *slog.Logger, gpus []gpu.Info, source StatusSource, delivery DeliveryStats, processes ProcessSource) *Server {
	if gpus == nil {
		gpus = []gpu.Info{}
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		gpus:      gpus,
		source:    source,
		delivery:  delivery,
		processes: processes,
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/status", s.handleAPIStatus)
	mux.HandleFunc("/api/gpus", s.handleAPIGPUs)
	mux.HandleFunc("/api/processes", s.handleAPIProcesses)
	mux.HandleFunc("/ws", s.handleWS)

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.withRequestLogging(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Handler returns the root handler including request logging.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type readyResponse struct {
	Status string `json:"status"`
	GPUs   int    `json:"gpus"`
	Cycles uint64 `json:"cycles"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) readiness() readyResponse {
	resp := readyResponse{
		GPUs:   len(s.gpus),
		Cycles: s.source.Stats().Cycles,
	}
	if s.source.Ready() {
		resp.Status = "ok"
		return resp
	}
	resp.Status = "initializing"
	resp.Reason = "waiting_for_first_cycle"
	return resp
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	info := s.readiness()
	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, statusCode, info)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

type statusResponse struct {
	monitor.Status
	Stats monitor.Stats `json:"stats"`
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	status, ok := s.source.Latest()
	if !ok {
		s.writeJSON(w, r, http.StatusServiceUnavailable, api.NewErrorMessage(errNoCycle))
		return
	}
	s.writeJSON(w, r, http.StatusOK, statusResponse{Status: status, Stats: s.source.Stats()})
}

func (s *Server) handleAPIGPUs(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.gpus)
}

func (s *Server) handleAPIProcesses(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.processes == nil {
		s.writeJSON(w, r, http.StatusNotFound, api.NewErrorMessage(errProcessesDisabled))
		return
	}

	snapshot, err := s.processes.Scan(r.Context())
	if err != nil {
		s.loggerFromContext(r.Context()).Warn("process scan failed", "err", err)
		s.writeJSON(w, r, http.StatusBadGateway, api.NewErrorMessage(errProcessScan))
		return
	}
	s.writeJSON(w, r, http.StatusOK, snapshot)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.loggerFromContext(r.Context())
	if !allowGet(w, r) {
		return
	}

	if !s.reserveWS() {
		reqLogger.Warn("websocket rejected", "reason", "capacity")
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseWS()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		reqLogger.Warn("websocket accept failed", "err", err)
		return
	}

	connID := s.wsConnIDs.Add(1)
	s.wsTotal.Add(1)
	logger := reqLogger.With("ws_id", connID)

	closeFrame := closeNormal
	defer func() { closeWebsocket(logger, conn, closeFrame) }()

	outbound := newWSOutbound(wsSendQueueSize, &s.wsDropped)
	hello := api.NewHelloMessage(
		s.source.Interval().Milliseconds(),
		s.gpus,
		map[string]bool{
			"prometheus": s.cfg.EnablePrometheus,
			"pprof":      s.cfg.EnablePprof,
			"processes":  s.processes != nil,
		},
	)

	ctx, cancel := context.WithCancel(r.Context())
	writerDone := make(chan struct{})
	go s.wsWriter(ctx, conn, outbound, cancel, logger, writerDone)

	statusCh, unsubscribe := s.source.Subscribe()
	defer func() {
		unsubscribe()
		outbound.close()
		<-writerDone
		cancel()
	}()

	if !s.enqueueMessage(outbound, hello, logger) {
		closeFrame = closeBackpressure
		return
	}

	messageCh := make(chan []byte, 8)
	readErrCh := make(chan error, 1)
	go readMessages(ctx, conn, messageCh, readErrCh)

	for {
		select {
		case status, ok := <-statusCh:
			if !ok {
				closeFrame = closeMonitorStopped
				return
			}
			if !s.enqueueMessage(outbound, api.NewStatusMessage(status), logger) {
				closeFrame = closeBackpressure
				return
			}
		case data, ok := <-messageCh:
			if !ok {
				messageCh = nil
				continue
			}
			if !s.handleClientMessage(ctx, outbound, data, logger) {
				closeFrame = closeBackpressure
				return
			}
		case err := <-readErrCh:
			if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				logger.Debug("websocket read ended", "err", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func readMessages(ctx context.Context, conn *websocket.Conn, out chan<- []byte, errCh chan<- error) {
	defer close(out)
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			errCh <- err
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleClientMessage(ctx context.Context, outbound *wsOutbound, data []byte, logger *slog.Logger) bool {
	var envelope api.ClientMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		logger.Debug("invalid client message", "err", err)
		return s.enqueueMessage(outbound, api.NewErrorMessage("invalid message"), logger)
	}

	switch envelope.Type {
	case api.TypePing:
		return s.enqueueMessage(outbound, api.PongMessage{Type: api.TypePong}, logger)
	case api.TypeStatus:
		status, ok := s.source.Latest()
		if !ok {
			return s.enqueueMessage(outbound, api.NewErrorMessage(errNoCycle), logger)
		}
		return s.enqueueMessage(outbound, api.NewStatusMessage(status), logger)
	case api.TypeProcesses:
		if s.processes == nil {
			return s.enqueueMessage(outbound, api.NewErrorMessage(errProcessesDisabled), logger)
		}
		snapshot, err := s.processes.Scan(ctx)
		if err != nil {
			logger.Warn("process scan failed", "err", err)
			return s.enqueueMessage(outbound, api.NewErrorMessage(errProcessScan), logger)
		}
		return s.enqueueMessage(outbound, api.NewProcessesMessage(snapshot), logger)
	default:
		logger.Debug("unknown message type", "type", envelope.Type)
		return true
	}
}

func (s *Server) wsWriter(ctx context.Context, conn *websocket.Conn, outbound *wsOutbound, cancel context.CancelFunc, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbound.channel():
			if !ok {
				return
			}
			if err := s.writeRaw(ctx, conn, msg); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					logger.Warn("websocket write failed", "err", err)
				}
				cancel()
				return
			}
			s.wsSent.Add(1)
		}
	}
}

func (s *Server) writeRaw(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx := ctx
	if s.cfg.WS.WriteTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.WriteTimeout)
		defer cancel()
	}
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) enqueueMessage(outbound *wsOutbound, payload any, logger *slog.Logger) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal websocket payload", "err", err)
		return false
	}
	if !outbound.enqueue(data) {
		logger.Warn("websocket outbound queue unavailable")
		return false
	}
	return true
}

func (s *Server) reserveWS() bool {
	if s.maxWSClients <= 0 {
		s.wsActive.Add(1)
		return true
	}

	for {
		current := s.wsActive.Load()
		if current >= s.maxWSClients {
			s.wsRejected.Add(1)
			return false
		}
		if s.wsActive.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseWS() {
	s.wsActive.Add(-1)
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func originPatterns(origins []string) []string {
	for _, origin := range origins {
		if origin == "*" {
			return nil
		}
	}
	dst := make([]string, len(origins))
	copy(dst, origins)
	return dst
}

type wsOutbound struct {
	ch     chan []byte
	closed atomic.Bool
	drops  *atomic.Uint64
}

func newWSOutbound(size int, dropCounter *atomic.Uint64) *wsOutbound {
	if size <= 0 {
		size = 1
	}
	return &wsOutbound{
		ch:    make(chan []byte, size),
		drops: dropCounter,
	}
}

// enqueue drops the oldest queued message when the queue is full.
func (o *wsOutbound) enqueue(msg []byte) bool {
	if o.closed.Load() {
		o.countDrop()
		return false
	}

	select {
	case o.ch <- msg:
		return true
	default:
	}

	select {
	case <-o.ch:
		o.countDrop()
	default:
	}

	select {
	case o.ch <- msg:
		return true
	default:
		o.countDrop()
		return false
	}
}

func (o *wsOutbound) close() {
	if o.closed.CompareAndSwap(false, true) {
		close(o.ch)
	}
}

func (o *wsOutbound) channel() <-chan []byte {
	return o.ch
}

func (o *wsOutbound) countDrop() {
	if o.drops != nil {
		o.drops.Add(1)
	}
}
