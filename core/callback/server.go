package callback

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"distribute/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxBodySize = 4 << 10

// Flow is the part of core.UpdateService the listener drives
type Flow interface {
	HandleURL(ctx context.Context, rawURL string) bool
	CheckForUpdate(ctx context.Context) error
	NotifyUpdateAction(ctx context.Context, decision core.Decision) error
	State() core.FlowState
}

// Server is a loopback HTTP listener for hosts whose redirect URI is an
// http://127.0.0.1 address. It forwards browser callbacks to the flow and
// exposes a small control surface for scripting.
type Server struct {
	flow   Flow
	logger *slog.Logger
	router chi.Router
}

func NewServer(flow Flow, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{flow: flow, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestSize(maxBodySize))
	r.Use(middleware.Recoverer)

	r.Get("/callback", s.HandleCallback)
	r.Get("/status", s.HandleStatus)
	r.Post("/check", s.HandleCheck)
	r.Post("/action", s.HandleAction)
	r.Get("/health", s.HandleHealth)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) HandleCallback(w http.ResponseWriter, r *http.Request) {
	rawURL := "http://" + r.Host + r.URL.RequestURI()

	if !s.flow.HandleURL(r.Context(), rawURL) {
		respondError(w, http.StatusBadRequest, "callback_rejected", "This link is no longer valid")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "update_setup_complete",
	})
}

type statusResponse struct {
	Phase     core.Phase        `json:"phase"`
	Release   *core.ReleaseInfo `json:"release,omitempty"`
	Postponed *postponed        `json:"postponed,omitempty"`
	Pending   *time.Time        `json:"pending_until,omitempty"`
}

type postponed struct {
	ReleaseID  int64      `json:"release_id"`
	Until      *time.Time `json:"until,omitempty"`
	Indefinite bool       `json:"indefinite"`
}

func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.flow.State()
	resp := statusResponse{Phase: state.Phase, Release: state.Release}

	if state.Correlation != nil {
		until := state.Correlation.ExpiresAt()
		resp.Pending = &until
	}
	if state.Postponed != nil {
		resp.Postponed = &postponed{
			ReleaseID:  state.Postponed.ReleaseID,
			Indefinite: state.Postponed.Indefinite(),
		}
		if !state.Postponed.Indefinite() {
			until := state.Postponed.Until
			resp.Postponed.Until = &until
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) HandleCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.flow.CheckForUpdate(r.Context()); err != nil {
		s.logger.Error("check trigger failed", "error", err)
		if errors.Is(err, core.ErrDisabled) || errors.Is(err, core.ErrNotActivated) {
			respondError(w, http.StatusConflict, "unavailable", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to start update check")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"phase": string(s.flow.State().Phase),
	})
}

func (s *Server) HandleAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action      string     `json:"action"`
		PostponeFor string     `json:"postpone_for"`
		Until       *time.Time `json:"until"`
	}

	if !decodeJSON(w, r, &req) {
		return
	}

	var decision core.Decision
	switch core.UpdateAction(req.Action) {
	case core.ActionInstall:
		decision = core.Install()
	case core.ActionPostpone:
		switch {
		case req.PostponeFor != "":
			d, err := time.ParseDuration(req.PostponeFor)
			if err != nil || d <= 0 {
				respondError(w, http.StatusBadRequest, "invalid_request", "postpone_for must be a positive duration")
				return
			}
			decision = core.PostponeFor(d)
		case req.Until != nil:
			decision = core.PostponeUntil(*req.Until)
		default:
			decision = core.PostponeIndefinitely()
		}
	default:
		respondError(w, http.StatusBadRequest, "invalid_action", "action must be install or postpone")
		return
	}

	if err := s.flow.NotifyUpdateAction(r.Context(), decision); err != nil {
		if errors.Is(err, core.ErrNoPendingRelease) {
			respondError(w, http.StatusConflict, "no_pending_release", "No release is waiting for a decision")
			return
		}
		s.logger.Error("update action failed", "action", req.Action, "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to apply update action")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"phase": string(s.flow.State().Phase),
	})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Helper functions

func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	respondJSON(w, statusCode, map[string]string{
		"error":   errorCode,
		"message": message,
	})
}
