package markhttp

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"qrmark/services/markingd/internal/marking"
	"qrmark/services/markingd/internal/tgauth"
)

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SelectedUsers []int64 `json:"selectedUsers"`
		URL           string  `json:"url"`
		Auth          string  `json:"auth"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	caller, err := a.verifier.Verify(req.Auth)
	if err != nil {
		respondError(w, http.StatusUnauthorized, errors.New("invalid auth envelope"))
		return
	}

	sessionID, err := a.orch.Start(caller.ID, req.SelectedUsers, strings.TrimSpace(req.URL))
	if err != nil {
		respondMarkingError(w, err)
		return
	}

	log.Info().Str("session_id", sessionID).Int64("owner_id", caller.ID).
		Int("students", len(req.SelectedUsers)).Msg("mass marking started")

	respondJSON(w, http.StatusCreated, map[string]any{
		"session_id":       sessionID,
		"poll_interval_ms": a.config.PollIntervalHintMS,
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	caller, err := a.verifier.Verify(r.URL.Query().Get("auth"))
	if err != nil {
		respondError(w, http.StatusUnauthorized, errors.New("invalid auth envelope"))
		return
	}

	report, err := a.orch.Status(sessionID, caller.ID)
	if err != nil {
		respondMarkingError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

func (a *API) handleContinue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		URL       string `json:"url"`
		Auth      string `json:"auth"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	caller, err := a.verifier.Verify(req.Auth)
	if err != nil {
		respondError(w, http.StatusUnauthorized, errors.New("invalid auth envelope"))
		return
	}

	if err := a.orch.Resume(req.SessionID, strings.TrimSpace(req.URL), caller.ID); err != nil {
		respondMarkingError(w, err)
		return
	}

	log.Info().Str("session_id", req.SessionID).Int64("owner_id", caller.ID).Msg("mass marking resumed")

	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// respondMarkingError maps orchestrator errors onto HTTP statuses. Unknown
// errors become opaque 500s; per-student failures never surface here.
func respondMarkingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, marking.ErrEmptyRoster), errors.Is(err, marking.ErrBadURL):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, marking.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, marking.ErrNotAuthorized):
		respondError(w, http.StatusForbidden, err)
	case errors.Is(err, marking.ErrInvalidState):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, tgauth.ErrBadHash), errors.Is(err, tgauth.ErrBadEnvelope), errors.Is(err, tgauth.ErrStale):
		respondError(w, http.StatusUnauthorized, err)
	default:
		log.Error().Err(err).Msg("marking operation failed")
		respondError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}
