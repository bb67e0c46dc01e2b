package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ─── Capture ─────────────────────────────────────────────────────────────────

type startRequest struct {
	DeviceHint string `json:"device_hint"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	info, err := s.ctrl.Start(r.Context(), req.DeviceHint)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := s.ctrl.Stop(ctx); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	d := time.Second
	if v := r.URL.Query().Get("seconds"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs <= 0 {
			writeError(w, r, badRequest{msg: "seconds must be a positive number"})
			return
		}
		d = time.Duration(secs * float64(time.Second))
		if d > MaxProbe {
			writeError(w, r, badRequest{msg: "seconds must not exceed " + MaxProbe.String()})
			return
		}
	}
	lvl, err := s.ctrl.ProbeLevel(r.Context(), d)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lvl)
}

// ─── Devices ─────────────────────────────────────────────────────────────────

type deviceJSON struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
	Score     int    `json:"score"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devs, err := s.ctrl.Devices(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if verbose, _ := strconv.ParseBool(r.URL.Query().Get("verbose")); verbose {
		out := make([]deviceJSON, 0, len(devs))
		for _, d := range devs {
			out = append(out, deviceJSON{ID: d.ID, Name: d.Name, IsDefault: d.IsDefault, Score: d.Score})
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	names := make([]string, 0, len(devs))
	for _, d := range devs {
		names = append(names, d.Name)
	}
	writeJSON(w, http.StatusOK, names)
}

// ─── Settings ────────────────────────────────────────────────────────────────

type settingRequest struct {
	Value *float64 `json:"value"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Settings().Snapshot())
}

// handleReplaceSettings applies a partial or full settings object on top of
// the current snapshot; either every field is applied or none is.
func (s *Server) handleReplaceSettings(w http.ResponseWriter, r *http.Request) {
	store := s.ctrl.Settings()
	next := store.Snapshot()
	if err := decodeRequired(r, &next); err != nil {
		writeError(w, r, err)
		return
	}
	if err := store.Replace(next); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, store.Snapshot())
}

func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	var req settingRequest
	if err := decodeRequired(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Value == nil {
		writeError(w, r, badRequest{msg: `body must carry a numeric "value"`})
		return
	}
	store := s.ctrl.Settings()
	if err := store.Set(r.PathValue("field"), *req.Value); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, store.Snapshot())
}

func (s *Server) handleResetSettings(w http.ResponseWriter, _ *http.Request) {
	store := s.ctrl.Settings()
	store.Reset()
	writeJSON(w, http.StatusOK, store.Snapshot())
}

// ─── Permission ──────────────────────────────────────────────────────────────

type permissionResponse struct {
	Granted bool `json:"granted"`
}

func (s *Server) handleCheckPermission(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, permissionResponse{Granted: s.perm.Check(r.Context())})
}

func (s *Server) handleRequestPermission(w http.ResponseWriter, r *http.Request) {
	if err := s.perm.Request(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

const maxBody = 64 << 10

// decodeOptional decodes a JSON body into v; an empty body leaves v untouched.
func decodeOptional(r *http.Request, v any) error {
	err := decodeRequired(r, v)
	var br badRequest
	if errors.As(err, &br) && br.msg == errEmptyBody {
		return nil
	}
	return err
}

const errEmptyBody = "request body is empty"

func decodeRequired(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest{msg: errEmptyBody}
		}
		return badRequest{msg: "invalid JSON body: " + err.Error()}
	}
	return nil
}
