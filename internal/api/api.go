// Package api serves the small REST surface next to the WebSocket endpoint:
// user registration, abuse reports and live stats.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/whisper/voice-app/internal/events"
	"github.com/whisper/voice-app/internal/lobby"
	"github.com/whisper/voice-app/internal/protocol"
	"github.com/whisper/voice-app/internal/ratelimit"
	"github.com/whisper/voice-app/internal/store"
)

// MaxDetailsLength bounds the free-text part of a report.
const MaxDetailsLength = 1000

var (
	errMissingID      = errors.New("id is required")
	errBadCountry     = errors.New("country must be a two-letter code")
	errMissingParties = errors.New("reporterId and reportedUserId are required")
	errSelfReport     = errors.New("cannot report yourself")
	errBadReason      = errors.New("reason must be one of harassment, spam, inappropriate, other")
	errLongDetails    = errors.New("details too long")
)

// Users fetches or creates user records.
type Users interface {
	GetOrCreateUser(ctx context.Context, id, country string) (lobby.UserRecord, error)
}

// Reports accepts abuse reports for persistence.
type Reports interface {
	Report(r events.ReportEvent) error
}

// Bans counts reports toward the automatic ban.
type Bans interface {
	ReportAndCheck(ctx context.Context, identity string) (bool, time.Duration, error)
}

// Limiter throttles report submission per reporter.
type Limiter interface {
	Allow(ctx context.Context, id string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, id string, rule ratelimit.Rule) (int, error)
	Remaining(ctx context.Context, id string, rule ratelimit.Rule) (int, error)
}

// StatsSource reports live counts.
type StatsSource interface {
	Stats() lobby.Stats
}

// Deps are the collaborators behind the handlers. Bans and Limiter may be
// nil.
type Deps struct {
	Users   Users
	Reports Reports
	Bans    Bans
	Limiter Limiter
	Stats   StatsSource
}

// Handler holds the API routes.
type Handler struct {
	deps    Deps
	log     *zap.Logger
	timeout time.Duration
}

// NewHandler returns the API wrapped in CORS for the given origins. Every
// request gets timeout to reach its collaborators.
func NewHandler(deps Deps, allowedOrigins []string, timeout time.Duration, log *zap.Logger) http.Handler {
	h := &Handler{deps: deps, log: log.Named("api"), timeout: timeout}

	r := mux.NewRouter()
	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/users", h.handleUser).Methods(http.MethodPost)
	apiRouter.HandleFunc("/reports", h.handleReport).Methods(http.MethodPost)
	apiRouter.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet)

	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(r)
}

type userRequest struct {
	ID      string `json:"id"`
	Country string `json:"country,omitempty"`
}

func (u userRequest) validate() error {
	if strings.TrimSpace(u.ID) == "" || len(u.ID) > protocol.MaxUserIDLength {
		return errMissingID
	}
	if u.Country != "" && !isCountryCode(u.Country) {
		return errBadCountry
	}
	return nil
}

func (h *Handler) handleUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	user, err := h.deps.Users.GetOrCreateUser(ctx, req.ID, strings.ToUpper(req.Country))
	if err != nil {
		h.log.Warn("get or create user", zap.String("user", req.ID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "user service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type reportRequest struct {
	ReporterID     string `json:"reporterId"`
	ReportedUserID string `json:"reportedUserId"`
	SessionID      string `json:"sessionId,omitempty"`
	Reason         string `json:"reason"`
	Details        string `json:"details,omitempty"`
}

func (rr reportRequest) validate() error {
	if rr.ReporterID == "" || rr.ReportedUserID == "" {
		return errMissingParties
	}
	if rr.ReporterID == rr.ReportedUserID {
		return errSelfReport
	}
	if !store.ValidReason(rr.Reason) {
		return errBadReason
	}
	if len(rr.Details) > MaxDetailsLength {
		return errLongDetails
	}
	return nil
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if h.deps.Limiter != nil {
		allowed, _ := h.deps.Limiter.Allow(ctx, req.ReporterID, ratelimit.RuleReport)
		if !allowed {
			retry, _ := h.deps.Limiter.RetryAfter(ctx, req.ReporterID, ratelimit.RuleReport)
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("X-RateLimit-Remaining", "0")
			writeError(w, http.StatusTooManyRequests, "too many reports")
			return
		}
		left, _ := h.deps.Limiter.Remaining(ctx, req.ReporterID, ratelimit.RuleReport)
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(left))
	}

	err := h.deps.Reports.Report(events.ReportEvent{
		ReporterID:     req.ReporterID,
		ReportedUserID: req.ReportedUserID,
		SessionID:      req.SessionID,
		Reason:         req.Reason,
		Details:        req.Details,
	})
	if err != nil {
		h.log.Warn("publish report", zap.String("reported", req.ReportedUserID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "report service unavailable")
		return
	}

	if h.deps.Bans != nil {
		banned, d, err := h.deps.Bans.ReportAndCheck(ctx, req.ReportedUserID)
		if err != nil {
			h.log.Warn("report counter", zap.String("reported", req.ReportedUserID), zap.Error(err))
		} else if banned {
			h.log.Info("auto-ban",
				zap.String("user", req.ReportedUserID),
				zap.Duration("duration", d))
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
}

func (h *Handler) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Stats.Stats())
}

func isCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, c := range s {
		if (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
