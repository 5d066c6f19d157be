package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pkt.systems/sessiond/api"
	"pkt.systems/sessiond/internal/storage"
	"pkt.systems/sessiond/internal/supervisor"
	"pkt.systems/sessiond/internal/workerconfig"
)

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

// decodeJSONBody decodes a single JSON object, rejecting unknown fields and
// trailing data. An empty body leaves dst untouched.
func decodeJSONBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, jsonBodyLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return httpError{Status: http.StatusBadRequest, Code: api.ErrorInvalidRequest, Detail: err.Error()}
	}
	if dec.More() {
		return httpError{Status: http.StatusBadRequest, Code: api.ErrorInvalidRequest, Detail: "unexpected trailing data"}
	}
	return nil
}

func (h *Handler) lookupWorker(r *http.Request) (workerconfig.Worker, error) {
	id := r.PathValue("id")
	w, ok := h.workers.Lookup(id)
	if !ok {
		return workerconfig.Worker{}, httpError{
			Status: http.StatusNotFound,
			Code:   api.ErrorUnknownWorker,
			Detail: fmt.Sprintf("no worker with id %q", id),
		}
	}
	return w, nil
}

func workerStatusDTO(cfg workerconfig.Worker, st supervisor.Status) api.WorkerStatus {
	out := api.WorkerStatus{
		WorkerID: cfg.ID,
		Identity: cfg.Identity,
		State:    st.State,
		Phase:    st.Phase,
		LockHeld: st.LockHeld,
		Error:    st.Error,
		Cycles:   st.Cycles,
	}
	out.StartedAt = timePtr(st.StartedAt)
	out.StoppedAt = timePtr(st.StoppedAt)
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func lockDTO(lock storage.Lock, owned bool) api.LockInfo {
	return api.LockInfo{
		Identity:   lock.Identity,
		PID:        lock.PID,
		TaskID:     lock.TaskID,
		AcquiredAt: lock.AcquiredAt,
		Host:       lock.Host,
		Platform:   lock.Platform,
		Owned:      owned,
	}
}
