package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/agri-assistant/internal/action"
	"github.com/kjstillabower/agri-assistant/internal/advisor"
	"github.com/kjstillabower/agri-assistant/internal/session"
	"github.com/kjstillabower/agri-assistant/internal/voice"
)

type createSessionRequest struct {
	Language string `json:"language" validate:"omitempty,max=35"`
}

type locationRequest struct {
	Location string `json:"location" validate:"max=200"`
}

type languageRequest struct {
	Language string `json:"language" validate:"required,max=35"`
}

type adviceRequest struct {
	SoilCondition string `json:"soilCondition" validate:"required,oneof=good low"`
}

type photoRequest struct {
	Image string `json:"image" validate:"required"`
}

// CreateSession handles POST /sessions. The language falls back to Accept-Language.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, h.validate, &req, true); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	lang := req.Language
	if lang == "" {
		lang = r.Header.Get("Accept-Language")
	}
	s, err := h.sessions.Create(lang)
	if err != nil {
		if errors.Is(err, session.ErrTooManySessions) {
			writeError(w, r, http.StatusServiceUnavailable, "TOO_MANY_SESSIONS", "Session limit reached")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Unable to create session")
		return
	}
	w.Header().Set("Location", "/sessions/"+s.ID())
	writeJSON(w, http.StatusCreated, s.Snapshot())
}

// GetSession handles GET /sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// DeleteSession handles DELETE /sessions/{id}.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(mux.Vars(r)["id"]); err != nil {
		writeError(w, r, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetLocation handles PUT /sessions/{id}/location.
func (h *Handler) SetLocation(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req locationRequest
	if err := decodeBody(r, h.validate, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	s.SetLocation(req.Location)
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// SetLanguage handles PUT /sessions/{id}/language.
func (h *Handler) SetLanguage(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req languageRequest
	if err := decodeBody(r, h.validate, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	s.SetLanguage(req.Language)
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// RequestAdvice handles POST /sessions/{id}/advice.
func (h *Handler) RequestAdvice(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req adviceRequest
	if err := decodeBody(r, h.validate, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	soil, err := advisor.ParseSoilCondition(req.SoilCondition)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	h.writeStarted(w, r, s, s.RequestAdvice(r.Context(), soil))
}

// AnalyzePhoto handles POST /sessions/{id}/photo.
func (h *Handler) AnalyzePhoto(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxImageBytes)
	var req photoRequest
	if err := decodeBody(r, h.validate, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	h.writeStarted(w, r, s, s.AnalyzePhoto(r.Context(), req.Image))
}

// StartVoice handles POST /sessions/{id}/voice/start.
func (h *Handler) StartVoice(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.writeStarted(w, r, s, s.StartVoice(r.Context()))
}

// AppendVoiceAudio handles POST /sessions/{id}/voice/audio with a raw audio chunk body.
func (h *Handler) AppendVoiceAudio(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	chunk, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxAudioBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "AUDIO_TOO_LARGE", voice.ErrAudioTooLarge.Error())
			return
		}
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if len(chunk) == 0 {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "audio chunk is empty")
		return
	}
	h.writeStarted(w, r, s, s.AppendVoiceAudio(chunk))
}

// StopVoice handles POST /sessions/{id}/voice/stop.
func (h *Handler) StopVoice(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.writeStarted(w, r, s, s.StopVoice(r.Context()))
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found")
		return nil, false
	}
	return s, true
}

// writeStarted maps an action start error to a status; nil means accepted with the
// current snapshot.
func (h *Handler) writeStarted(w http.ResponseWriter, r *http.Request, s *session.Session, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, s.Snapshot())
	case errors.Is(err, action.ErrBusy):
		writeError(w, r, http.StatusConflict, "ACTION_IN_PROGRESS", err.Error())
	case errors.Is(err, session.ErrWeatherUnavailable):
		writeError(w, r, http.StatusConflict, "ADVICE_UNAVAILABLE", err.Error())
	case errors.Is(err, voice.ErrAlreadyActive):
		writeError(w, r, http.StatusConflict, "VOICE_ACTIVE", err.Error())
	case errors.Is(err, voice.ErrNotActive):
		writeError(w, r, http.StatusConflict, "VOICE_NOT_ACTIVE", err.Error())
	case errors.Is(err, voice.ErrAudioTooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, "AUDIO_TOO_LARGE", err.Error())
	case errors.Is(err, voice.ErrClosed):
		writeError(w, r, http.StatusGone, "SESSION_CLOSED", err.Error())
	default:
		requestLogger(r, h.logger).Error("action start failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Unable to start action")
	}
}
