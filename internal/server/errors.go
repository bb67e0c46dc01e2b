package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

// Error kinds that are not part of the capture taxonomy.
const (
	KindValidation     = "ValidationError"
	KindUnknownSetting = "UnknownSetting"
	KindBadRequest     = "BadRequest"
	KindInternal       = "Internal"
)

// errorBody is the JSON envelope of every failed request.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// badRequest marks client errors detected by the handlers themselves.
type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

// classify maps err to its wire kind and HTTP status.
func classify(err error) (string, int) {
	var br badRequest
	switch {
	case errors.As(err, &br):
		return KindBadRequest, http.StatusBadRequest
	case errors.Is(err, vad.ErrInvalidSetting):
		return KindValidation, http.StatusUnprocessableEntity
	case errors.Is(err, vad.ErrUnknownSetting):
		return KindUnknownSetting, http.StatusNotFound
	case errors.Is(err, audio.ErrAlreadyCapturing), errors.Is(err, audio.ErrNotCapturing):
		return audio.Kind(err), http.StatusConflict
	case errors.Is(err, audio.ErrSetupRequired):
		return audio.Kind(err), http.StatusFailedDependency
	case errors.Is(err, audio.ErrDeviceInitFailed), errors.Is(err, audio.ErrStreamRead):
		return audio.Kind(err), http.StatusBadGateway
	}
	return KindInternal, http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind, status := classify(err)
	log := observe.Logger(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "path", r.URL.Path, "kind", kind, "err", err)
	} else {
		log.Debug("request rejected", "path", r.URL.Path, "kind", kind, "err", err)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: err.Error()}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("server: encode response", "err", err)
	}
}
