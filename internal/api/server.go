package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"riskpulse/internal/models"
	"riskpulse/internal/notify"
	"riskpulse/internal/positions"
	"riskpulse/internal/store"
)

type Pipeline interface {
	Submit(snap models.PositionSnapshot) error
	Refresh(ctx context.Context, userID string) error
	Latest(userID string) *models.RiskMetrics
}

type Notifier interface {
	Notify(ctx context.Context, userID string, ev notify.Event) notify.Result
	Active(userID string, now time.Time) []*models.Notification
	Snooze(userID, id string, minutes int) (*models.Notification, error)
	Dismiss(userID, id string) error
}

type Feed interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	PublishNotification(userID string, n *models.Notification)
}

type Server struct {
	store    store.Store
	pipeline Pipeline
	notifier Notifier
	feed     Feed
	logger   *zap.Logger
	validate *validator.Validate
	router   *mux.Router
}

func NewServer(s store.Store, p Pipeline, n Notifier, feed Feed, metrics http.Handler, logger *zap.Logger) *Server {
	server := &Server{
		store:    s,
		pipeline: p,
		notifier: n,
		feed:     feed,
		logger:   logger.Named("api"),
		validate: validator.New(),
	}

	r := mux.NewRouter()
	r.Use(corsMiddleware, server.logMiddleware)

	r.HandleFunc("/api/health", server.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/positions/{userId}", server.handleSubmitPositions).Methods(http.MethodPost, http.MethodPut)

	u := r.PathPrefix("/api/users/{userId}").Subrouter()
	u.HandleFunc("/metrics", server.handleMetrics).Methods(http.MethodGet)
	u.HandleFunc("/refresh", server.handleRefresh).Methods(http.MethodPost)
	u.HandleFunc("/thresholds", server.handleListThresholds).Methods(http.MethodGet)
	u.HandleFunc("/thresholds", server.handleCreateThreshold).Methods(http.MethodPost)
	u.HandleFunc("/thresholds/{id}", server.handleSetThresholdEnabled).Methods(http.MethodPatch)
	u.HandleFunc("/thresholds/{id}", server.handleDeleteThreshold).Methods(http.MethodDelete)
	u.HandleFunc("/notifications", server.handleListNotifications).Methods(http.MethodGet)
	u.HandleFunc("/notifications", server.handleSendNotification).Methods(http.MethodPost)
	u.HandleFunc("/notifications/{id}/snooze", server.handleSnooze).Methods(http.MethodPost)
	u.HandleFunc("/notifications/{id}", server.handleDismiss).Methods(http.MethodDelete)
	u.HandleFunc("/contact", server.handleUpsertContact).Methods(http.MethodPut)

	r.HandleFunc("/ws", feed.ServeWS).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	server.router = r
	return server
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func userID(r *http.Request) string {
	return strings.TrimSpace(mux.Vars(r)["userId"])
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmitPositions(w http.ResponseWriter, r *http.Request) {
	var snap models.PositionSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap.UserID = userID(r)
	if snap.AsOf.IsZero() {
		snap.AsOf = time.Now().UTC()
	}
	if err := positions.Validate(s.validate, &snap); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.SaveSnapshot(r.Context(), snap); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.pipeline.Submit(snap); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"userId": snap.UserID, "positions": len(snap.Positions)})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := s.pipeline.Latest(userID(r))
	if m == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no metrics computed yet"})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Refresh(r.Context(), userID(r)); err != nil {
		if errors.Is(err, positions.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no positions for user"})
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListThresholds(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.Thresholds(r.Context(), userID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateThreshold(w http.ResponseWriter, r *http.Request) {
	var th models.AlertThreshold
	if err := json.NewDecoder(r.Body).Decode(&th); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	th.UserID = userID(r)

	created, err := s.store.CreateThreshold(r.Context(), th)
	if err != nil {
		if errors.Is(err, store.ErrInvalidThreshold) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleSetThresholdEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "enabled is required"})
		return
	}
	err := s.store.SetThresholdEnabled(r.Context(), userID(r), mux.Vars(r)["id"], *req.Enabled)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "threshold not found"})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteThreshold(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteThreshold(r.Context(), userID(r), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "threshold not found"})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.notifier.Active(userID(r), time.Now()))
}

func (s *Server) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	var ev notify.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.validate.Struct(ev); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if ev.Channels == (models.ChannelSet{}) {
		ev.Channels.InApp = true
	}

	uid := userID(r)
	res := s.notifier.Notify(r.Context(), uid, ev)
	if res.Notification == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "notifications unavailable"})
		return
	}
	if res.Live {
		s.feed.PublishNotification(uid, res.Notification)
	}
	writeJSON(w, http.StatusCreated, res.Notification)
}

func (s *Server) handleSnooze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Minutes int `json:"minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.notifier.Snooze(userID(r), mux.Vars(r)["id"], req.Minutes)
	if err != nil {
		s.writeNotifyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if err := s.notifier.Dismiss(userID(r), mux.Vars(r)["id"]); err != nil {
		s.writeNotifyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeNotifyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, notify.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "notification not found"})
	case errors.Is(err, notify.ErrInvalidDuration):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleUpsertContact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email     string `json:"email" validate:"omitempty,email"`
		Phone     string `json:"phone" validate:"omitempty,e164"`
		PushToken string `json:"pushToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	c := notify.Contact{Email: req.Email, Phone: req.Phone, PushToken: req.PushToken}
	if err := s.store.UpsertContact(r.Context(), userID(r), c); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}
