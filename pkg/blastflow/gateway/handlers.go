package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/jholhewres/blastflow/pkg/blastflow/console"
	"github.com/jholhewres/blastflow/pkg/blastflow/scheduler"
)

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

type statusResponse struct {
	console.Status
	Uptime string               `json:"uptime"`
	Jobs   []scheduler.JobInfo `json:"jobs"`
}

type resetRequest struct {
	DeleteCredentials *bool `json:"delete_credentials"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	g.writeJSON(w, code, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) uptime() string {
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	return uptime
}

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": g.version,
		"uptime":  g.uptime(),
	})
}

// handleStatus implements GET /api/status
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{
		Status: g.system.Status(),
		Uptime: g.uptime(),
		Jobs:   []scheduler.JobInfo{},
	}
	if g.jobs != nil {
		resp.Jobs = g.jobs.List()
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleReset implements POST /api/reset. The body is optional; without
// delete_credentials the engine credentials are deleted.
func (g *Gateway) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req resetRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		g.writeError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	deleteCredentials := true
	if req.DeleteCredentials != nil {
		deleteCredentials = *req.DeleteCredentials
	}

	// The reset outlives a dropped client.
	ctx := context.WithoutCancel(r.Context())
	err := g.system.ResetSystem(ctx, "admin", deleteCredentials)
	switch {
	case errors.Is(err, console.ErrResetInProgress):
		g.writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		g.logger.Error("reset failed", "error", err)
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"reset":              true,
		"delete_credentials": deleteCredentials,
	})
}

// handleRunJob implements POST /api/jobs/{id}/run. It blocks until the job
// returns and replies with the job's bookkeeping.
func (g *Gateway) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if g.jobs == nil {
		g.writeError(w, "no scheduled jobs", http.StatusNotFound)
		return
	}

	id := r.PathValue("id")
	if err := g.jobs.RunNow(id); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			g.writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, job := range g.jobs.List() {
		if job.ID == id {
			g.writeJSON(w, http.StatusOK, job)
			return
		}
	}
	g.writeError(w, "job disappeared", http.StatusInternalServerError)
}
