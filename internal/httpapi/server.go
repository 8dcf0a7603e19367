package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/auth"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/access"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/credential"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/service"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/types"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/obs"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

type Dependencies struct {
	Logger     *zap.Logger
	Addr       string
	Checkpoint *service.Checkpoint
	Ledger     *service.Ledger
	Directory  *service.Directory
	Sessions   *service.SessionManager
	Auth       *auth.Authority
	Metrics    *obs.Metrics
	RateLimit  RateLimit
	// Now stamps server_time on responses. Defaults to time.Now.
	Now func() time.Time
}

type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	mux        *http.ServeMux
	checkpoint *service.Checkpoint
	ledger     *service.Ledger
	directory  *service.Directory
	sessions   *service.SessionManager
	auth       *auth.Authority
	metrics    *obs.Metrics
	now        func() time.Time
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()

	s := &Server{
		logger:     d.Logger,
		mux:        mux,
		checkpoint: d.Checkpoint,
		ledger:     d.Ledger,
		directory:  d.Directory,
		sessions:   d.Sessions,
		auth:       d.Auth,
		metrics:    d.Metrics,
		now:        d.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = obs.NewMetrics()
	}
	if s.now == nil {
		s.now = time.Now
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.Handle("POST /v1/scan", s.authenticated(s.handleScan))
	mux.Handle("POST /v1/users/{id}/evaluate", s.authenticated(s.handleEvaluate))
	mux.Handle("GET /v1/session", s.authenticated(s.handleSession))
	mux.Handle("PUT /v1/session/gate", s.authenticated(s.handleChangeGate))
	mux.Handle("DELETE /v1/session", s.authenticated(s.handleCloseSession))
	mux.Handle("POST /v1/session/heartbeat", s.authenticated(s.handleHeartbeat))
	mux.Handle("GET /v1/users/{id}/movement", s.authenticated(s.handleMovement))
	mux.Handle("GET /v1/users/{id}/events", s.authenticated(s.handleEvents))
	mux.Handle("GET /v1/users/{id}/credential", s.authenticated(s.handleCredential))

	var handler http.Handler = mux
	handler = maxBodyBytes(handler, maxRequestBody)
	handler = rateLimitMiddleware(d.RateLimit, handler)
	handler = s.metrics.Instrument(handler)
	handler = loggingMiddleware(s.logger, handler)
	handler = requestID(handler)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *service.Session)

// authenticated resolves the bearer token to the controller's session.
func (s *Server) authenticated(h sessionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
			return
		}
		claims, err := s.auth.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid token")
			return
		}

		sess, err := s.sessions.Open(r.Context(), claims.Email())
		if err != nil {
			switch {
			case errors.Is(err, service.ErrControllerNotFound):
				writeError(w, http.StatusForbidden, "unknown_controller", "no controller is registered for this account")
			default:
				s.logger.Warn("session open failed", zap.String("email", claims.Email()), zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "directory_unavailable", "directory unavailable, retry")
			}
			return
		}

		h(w, r.WithContext(auth.ContextWithEmail(r.Context(), claims.Email())), sess)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"sessions":    s.sessions.Len(),
		"server_time": s.serverTime(),
	})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request, sess *service.Session) {
	var payload string
	if isProtobuf(r) {
		var msg wrapperspb.StringValue
		if err := readProto(r, &msg); err != nil {
			writeError(w, http.StatusBadRequest, "bad_proto", "invalid protobuf body")
			return
		}
		payload = msg.GetValue()
	} else {
		var req types.ScanRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
			return
		}
		payload = req.Payload
	}

	out, err := s.checkpoint.Scan(r.Context(), sess, payload)
	s.writeOutcome(w, r, out, err)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request, sess *service.Session) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}
	out, err := s.checkpoint.Evaluate(r.Context(), sess, id)
	s.writeOutcome(w, r, out, err)
}

// writeOutcome renders a scan result. Undetermined outcomes are still 200:
// the body says what happened and the operator decides.
func (s *Server) writeOutcome(w http.ResponseWriter, r *http.Request, out types.Outcome, err error) {
	if err != nil {
		var de *credential.DecodeError
		switch {
		case errors.As(err, &de):
			code := "malformed_payload"
			if de.Kind == credential.MissingField {
				code = "missing_field"
			}
			writeError(w, http.StatusBadRequest, code, de.Error())
		case errors.Is(err, service.ErrScanInFlight):
			writeError(w, http.StatusConflict, "scan_in_flight", err.Error())
		default:
			s.logger.Error("scan error", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		}
		return
	}
	respond(w, r, http.StatusOK, types.NewScanResponse(out, s.serverTime()))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, sess *service.Session) {
	c := sess.Controller()
	respond(w, r, http.StatusOK, types.SessionResponse{
		Controller: c,
		Gate:       c.Gate,
		ServerTime: s.serverTime(),
	})
}

func (s *Server) handleChangeGate(w http.ResponseWriter, r *http.Request, sess *service.Session) {
	var req types.ChangeGateRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	gate, err := types.ParseGate(req.Gate)
	if err != nil {
		s.metrics.GateChanges.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid_gate", err.Error())
		return
	}

	c, err := sess.ChangeGate(r.Context(), gate)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidGate):
			s.metrics.GateChanges.WithLabelValues("invalid").Inc()
			writeError(w, http.StatusBadRequest, "invalid_gate", err.Error())
		case errors.Is(err, service.ErrPersistFailed):
			s.metrics.GateChanges.WithLabelValues("failed").Inc()
			s.logger.Warn("gate change not persisted", zap.Error(err))
			writeError(w, http.StatusBadGateway, "persist_failed", "gate change was not saved, the previous gate is still active")
		default:
			s.metrics.GateChanges.WithLabelValues("failed").Inc()
			s.logger.Error("gate change error", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		}
		return
	}

	s.metrics.GateChanges.WithLabelValues("ok").Inc()
	s.logger.Info("gate changed", zap.Int64("controller_id", c.ID), zap.Stringer("gate", c.Gate))
	respond(w, r, http.StatusOK, types.SessionResponse{
		Controller: c,
		Gate:       c.Gate,
		ServerTime: s.serverTime(),
	})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request, sess *service.Session) {
	s.sessions.Close(sess.Controller().Email)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, sess *service.Session) {
	var req types.HeartbeatRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	c, err := s.sessions.Refresh(r.Context(), sess)
	if err != nil {
		s.logger.Warn("heartbeat refresh failed; keeping session binding",
			zap.Int64("controller_id", c.ID),
			zap.Error(err),
		)
	}
	s.logger.Debug("heartbeat",
		zap.Int64("controller_id", c.ID),
		zap.String("device_id", req.DeviceID),
		zap.String("app_version", req.AppVersion),
		zap.Uint64("uptime_s", req.UptimeSeconds),
	)
	writeJSON(w, http.StatusOK, types.HeartbeatResponse{
		OK:           true,
		ControllerID: c.ID,
		Gate:         c.Gate,
		ServerTime:   s.serverTime(),
	})
}

func (s *Server) handleMovement(w http.ResponseWriter, r *http.Request, _ *service.Session) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}
	state, err := s.ledger.CurrentState(r.Context(), id)
	if err != nil {
		s.ledgerError(w, err)
		return
	}
	respond(w, r, http.StatusOK, types.MovementResponse{UserID: id, State: state, Label: state.Label()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, _ *service.Session) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	evs, err := s.ledger.Events(r.Context(), id, limit)
	if err != nil {
		s.ledgerError(w, err)
		return
	}
	if evs == nil {
		evs = []types.AccessEvent{}
	}
	respond(w, r, http.StatusOK, types.EventsResponse{UserID: id, Events: evs})
}

func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request, _ *service.Session) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}
	u, err := s.directory.GetUser(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "unknown_user", "no user with this id")
			return
		}
		s.logger.Warn("credential lookup failed", zap.Int64("user_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "directory_unavailable", "directory unavailable, retry")
		return
	}
	respond(w, r, http.StatusOK, types.CredentialResponse{
		UserID:  u.ID,
		Payload: credential.Encode(u.ID),
		Link:    credential.EncodeURL(u.ID),
		Gates:   access.AllowedGates(u.Role).List(),
	})
}

func (s *Server) ledgerError(w http.ResponseWriter, err error) {
	s.logger.Warn("ledger read failed", zap.Error(err))
	writeError(w, http.StatusServiceUnavailable, "ledger_unavailable", "ledger unavailable, retry")
}

func (s *Server) serverTime() string {
	return s.now().UTC().Format(time.RFC3339)
}

func pathUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_user_id", "user id must be a positive integer")
		return 0, false
	}
	return id, true
}
