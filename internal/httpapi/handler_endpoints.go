package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"pkt.systems/sessiond/api"
	"pkt.systems/sessiond/internal/actionlog"
	"pkt.systems/sessiond/internal/proxy"
	"pkt.systems/sessiond/internal/ratelimit"
	"pkt.systems/sessiond/internal/supervisor"
)

func (h *Handler) handleWorkers(w http.ResponseWriter, r *http.Request) error {
	resp := api.WorkerListResponse{Workers: make([]api.WorkerStatus, 0, len(h.workers.Workers))}
	for _, cfg := range h.workers.Workers {
		resp.Workers = append(resp.Workers, workerStatusDTO(cfg, h.sup.Status(cfg.Identity)))
	}
	sort.Slice(resp.Workers, func(i, j int) bool { return resp.Workers[i].WorkerID < resp.Workers[j].WorkerID })
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleWorkerStatus(w http.ResponseWriter, r *http.Request) error {
	cfg, err := h.lookupWorker(r)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, workerStatusDTO(cfg, h.sup.Status(cfg.Identity)), nil)
	return nil
}

func (h *Handler) handleWorkerStart(w http.ResponseWriter, r *http.Request) error {
	cfg, err := h.lookupWorker(r)
	if err != nil {
		return err
	}
	if err := h.sup.Start(r.Context(), cfg); err != nil {
		switch {
		case errors.Is(err, supervisor.ErrAlreadyRunning):
			return httpError{Status: http.StatusConflict, Code: api.ErrorAlreadyRunning, Detail: fmt.Sprintf("worker %s is already running", cfg.ID)}
		case errors.Is(err, supervisor.ErrSessionConflict):
			return httpError{Status: http.StatusConflict, Code: api.ErrorSessionConflict, Detail: fmt.Sprintf("identity %s is locked by another live worker", cfg.Identity), RetryAfter: 60}
		default:
			return httpError{Status: http.StatusInternalServerError, Code: api.ErrorStartFailed, Detail: err.Error()}
		}
	}
	h.writeJSON(w, http.StatusOK, api.WorkerActionResponse{WorkerID: cfg.ID, Identity: cfg.Identity, Status: api.StatusStarted}, nil)
	return nil
}

func (h *Handler) handleWorkerStop(w http.ResponseWriter, r *http.Request) error {
	cfg, err := h.lookupWorker(r)
	if err != nil {
		return err
	}
	if err := h.sup.Stop(r.Context(), cfg.Identity); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.WorkerActionResponse{WorkerID: cfg.ID, Identity: cfg.Identity, Status: api.StatusStopped}, nil)
	return nil
}

func (h *Handler) handleWorkerStats(w http.ResponseWriter, r *http.Request) error {
	cfg, err := h.lookupWorker(r)
	if err != nil {
		return err
	}
	if h.log == nil {
		return httpError{Status: http.StatusServiceUnavailable, Code: api.ErrorInternal, Detail: "action log not configured"}
	}
	ctx := r.Context()
	totals, err := h.log.Stats(ctx, cfg.ID, time.Time{})
	if err != nil {
		return fmt.Errorf("stats: totals: %w", err)
	}
	hourly, err := h.log.Stats(ctx, cfg.ID, h.clock.Now().Add(-ratelimit.Window))
	if err != nil {
		return fmt.Errorf("stats: hourly: %w", err)
	}
	gov := ratelimit.New(h.log, cfg.Limits, ratelimit.WithClock(h.clock))
	resp := api.WorkerStatsResponse{
		WorkerID:  cfg.ID,
		Totals:    make(map[string]api.KindStats),
		Hourly:    make(map[string]int),
		Limits:    make(map[string]int),
		Remaining: make(map[string]int),
	}
	for kind, ks := range totals {
		resp.Totals[string(kind)] = api.KindStats{Total: ks.Total, Success: ks.Success, Error: ks.Error}
	}
	for _, kind := range actionlog.Kinds() {
		resp.Hourly[string(kind)] = hourly[kind].Success
		if kind == actionlog.KindError {
			continue
		}
		resp.Limits[string(kind)] = gov.Limits().For(kind)
		left, err := gov.Remaining(ctx, cfg.ID, kind)
		if err != nil {
			return err
		}
		resp.Remaining[string(kind)] = left
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) error {
	mgr := h.sup.Locks()
	active, err := mgr.ActiveLocks(r.Context())
	if err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	resp := api.SessionsResponse{Identities: make([]string, 0, len(active))}
	for _, lock := range active {
		resp.Identities = append(resp.Identities, lock.Identity)
		resp.Locks = append(resp.Locks, lockDTO(lock, mgr.Owned(lock)))
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleSessionsSweep(w http.ResponseWriter, r *http.Request) error {
	removed, err := h.sup.Locks().SweepStale(r.Context())
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if removed == nil {
		removed = []string{}
	}
	h.writeJSON(w, http.StatusOK, api.SweepResponse{Removed: removed}, nil)
	return nil
}

func (h *Handler) handleProxyTest(w http.ResponseWriter, r *http.Request) error {
	var req api.ProxyTestRequest
	if err := decodeJSONBody(r, &req); err != nil {
		return err
	}
	var cfg proxy.Config
	if req.WorkerID != "" {
		wc, ok := h.workers.Lookup(req.WorkerID)
		if !ok {
			return httpError{Status: http.StatusNotFound, Code: api.ErrorUnknownWorker, Detail: fmt.Sprintf("no worker with id %q", req.WorkerID)}
		}
		if !wc.Proxy.Enabled {
			return httpError{Status: http.StatusBadRequest, Code: api.ErrorInvalidRequest, Detail: fmt.Sprintf("worker %s has no proxy configured", wc.ID)}
		}
		cfg = wc.Proxy
	} else {
		cfg = proxy.Config{
			Enabled:  true,
			Type:     proxy.Type(req.Type),
			Host:     req.Host,
			Port:     req.Port,
			Username: req.Username,
			Password: req.Password,
		}
		if err := cfg.Validate(); err != nil {
			return httpError{Status: http.StatusBadRequest, Code: api.ErrorInvalidRequest, Detail: err.Error()}
		}
	}
	opts := h.proxyTest
	if opts.Clock == nil {
		opts.Clock = h.clock
	}
	res := proxy.Test(r.Context(), cfg, opts)
	h.writeJSON(w, http.StatusOK, api.ProxyTestResponse{
		OK:            res.OK,
		Proxy:         res.Proxy,
		Origin:        res.Origin,
		LatencyMillis: res.Latency.Milliseconds(),
		Error:         res.Error,
	}, nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) error {
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", Version: h.version}, nil)
	return nil
}
