package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wadispatch/internal/dispatch"
	logx "wadispatch/pkg/logx"
)

// Response texts.
const (
	msgAlreadyRunning  = "Already running"
	msgSessionNotFound = "Session not found"
	msgStopped         = "Stopped by user."
	msgInvalidStopKey  = "Invalid stop key."
	msgNothingRunning  = "Nothing is running."
)

// userError is an error whose text is safe to return to the caller.
type userError string

func (e userError) Error() string { return string(e) }

type sessionJSON struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
}

type statusJSON struct {
	Sessions  int           `json:"sessions"`
	Clients   []sessionJSON `json:"clients"`
	Running   bool          `json:"running"`
	Stopping  bool          `json:"stopping,omitempty"`
	JobID     string        `json:"job_id,omitempty"`
	Session   string        `json:"session,omitempty"`
	Total     int           `json:"total,omitempty"`
	Attempted int           `json:"attempted,omitempty"`
	Sent      int           `json:"sent,omitempty"`
	Failed    int           `json:"failed,omitempty"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := h.d.Status()
	if r.URL.Query().Get("format") == "json" {
		out := statusJSON{
			Sessions: st.Sessions, Running: st.Running, Stopping: st.Stopping,
			JobID: st.JobID, Session: st.Session, Total: st.Total,
			Attempted: st.Attempted, Sent: st.Sent, Failed: st.Failed,
		}
		out.Clients = make([]sessionJSON, 0, len(st.Clients))
		for _, c := range st.Clients {
			out.Clients = append(out.Clients, sessionJSON{Name: c.Name, Connected: c.Connected})
		}
		if !st.StartedAt.IsZero() {
			out.StartedAt = &st.StartedAt
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
		return
	}
	writeText(w, http.StatusOK, fmt.Sprintf("Server running. Sessions: %d, Running: %t", st.Sessions, st.Running))
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	// Cheap early answer; the controller's own check is the authoritative one.
	if st := h.d.Status(); st.Running || st.Stopping {
		writeText(w, http.StatusConflict, msgAlreadyRunning)
		return
	}

	limit := h.maxUpload.Load()
	if r.ContentLength > limit {
		writeText(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Upload larger than %d bytes.", limit))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeText(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Upload larger than %d bytes.", limit))
			return
		}
		writeText(w, http.StatusBadRequest, "Expected a multipart form with files sms and numbers.")
		return
	}
	defer r.MultipartForm.RemoveAll()

	sms, err := h.readArtifact(r, "sms")
	if err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	numbers, err := h.readArtifact(r, "numbers")
	if err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	delay, err := parseDelay(r.FormValue("delay"))
	if err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}

	req := dispatch.StartRequest{
		Session:    strings.TrimSpace(r.FormValue("session")),
		Messages:   dispatch.SplitLines(sms),
		Recipients: dispatch.ParseRecipients(dispatch.SplitLines(numbers)),
		Delay:      delay,
		StopKey:    r.FormValue("key"),
		Remote:     r.RemoteAddr,
	}
	res, err := h.d.Start(h.base, req)
	switch {
	case errors.Is(err, dispatch.ErrAlreadyRunning):
		writeText(w, http.StatusConflict, msgAlreadyRunning)
	case errors.Is(err, dispatch.ErrSessionNotFound):
		writeText(w, http.StatusNotFound, msgSessionNotFound)
	case err != nil:
		h.log.Error("dispatch failed", logx.Err(err))
		writeText(w, http.StatusInternalServerError, fmt.Sprintf("Dispatch aborted after %d of %d messages.", res.Attempted, res.Total))
	case res.Cancelled:
		writeText(w, http.StatusOK, fmt.Sprintf("Stopped by user. Sent: %d, Failed: %d, Skipped: %d.", res.Sent, res.Failed, res.Total-res.Attempted))
	default:
		writeText(w, http.StatusOK, fmt.Sprintf("Messages sent. Sent: %d, Failed: %d.", res.Sent, res.Failed))
	}
}

// readArtifact returns the content of one uploaded file and keeps a copy.
func (h *Handler) readArtifact(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if err != nil {
		return nil, userError("Missing file: " + field)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, userError("Could not read file: " + field)
	}
	if h.arts != nil {
		if path, err := h.arts.Save(field, data); err != nil {
			h.log.Warn("keeping upload failed", logx.String("field", field), logx.Err(err))
		} else if path != "" {
			h.log.Debug("upload kept", logx.String("field", field), logx.String("path", path))
		}
	}
	return data, nil
}

// parseDelay reads whole seconds. Empty means the configured default.
func parseDelay(v string) (*time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return nil, userError(fmt.Sprintf("Invalid delay: %q (whole seconds >= 0)", v))
	}
	d := time.Duration(n) * time.Second
	return &d, nil
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeText(w, http.StatusBadRequest, "Invalid form.")
		return
	}
	switch err := h.d.Stop(r.FormValue("key"), r.RemoteAddr); {
	case err == nil:
		writeText(w, http.StatusOK, msgStopped)
	case errors.Is(err, dispatch.ErrInvalidStopKey):
		writeText(w, http.StatusForbidden, msgInvalidStopKey)
	case errors.Is(err, dispatch.ErrNotRunning):
		writeText(w, http.StatusConflict, msgNothingRunning)
	default:
		writeText(w, http.StatusInternalServerError, err.Error())
	}
}
