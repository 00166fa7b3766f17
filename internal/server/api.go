// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/bulkfetch/bulkfetch/pkg/fetchengine"
)

// DownloadRequest is the request body for starting or planning a download.
// Output path is NOT configurable via API; the server always writes under
// its configured DownloadRoot.
type DownloadRequest struct {
	Manifest json.RawMessage `json:"manifest"`
	Select   []string        `json:"select,omitempty"`
	DryRun   bool            `json:"dryRun,omitempty"`
	// Prune, if true, drops state-store records for manifest entries that
	// are no longer present in Manifest. Defaults to false: removed
	// entries are reported but their history is kept.
	Prune bool `json:"prune,omitempty"`
}

// PlanResponse is the response for a dry-run/plan request.
type PlanResponse struct {
	Files      []PlanFile `json:"files"`
	TotalSize  int64      `json:"totalSize"`
	TotalFiles int        `json:"totalFiles"`
}

// PlanFile represents a single file in the plan.
type PlanFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// SettingsResponse represents current server settings.
type SettingsResponse struct {
	Token       string `json:"token,omitempty"`
	OutputDir   string `json:"outputDir"`
	Concurrency int    `json:"concurrency"`
	HashWorkers int    `json:"hashWorkers"`
	MaxAttempts int    `json:"maxAttempts"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a simple success message.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": "1.0.0",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStartDownload starts a new download job from an uploaded manifest.
func (s *Server) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	if len(req.Manifest) == 0 {
		writeError(w, http.StatusBadRequest, "Missing required field: manifest", "")
		return
	}

	if req.DryRun {
		s.handlePlanInternal(w, req)
		return
	}

	job, wasExisting, err := s.jobs.CreateJob(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to create job", err.Error())
		return
	}

	if wasExisting {
		writeJSON(w, http.StatusOK, map[string]any{
			"job":     job,
			"message": "Download already in progress",
		})
	} else {
		writeJSON(w, http.StatusAccepted, job)
	}
}

// handlePlan returns a download plan without starting the download.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	req.DryRun = true
	s.handlePlanInternal(w, req)
}

func (s *Server) handlePlanInternal(w http.ResponseWriter, req DownloadRequest) {
	if len(req.Manifest) == 0 {
		writeError(w, http.StatusBadRequest, "Missing required field: manifest", "")
		return
	}

	m, err := fetchengine.ParseManifest(req.Manifest)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse manifest", err.Error())
		return
	}

	names := req.Select
	if len(names) == 0 {
		names = m.Names()
	}

	var files []PlanFile
	var totalSize int64
	for _, name := range names {
		entry, ok := m.Entries[name]
		if !ok {
			writeError(w, http.StatusBadRequest, "Unknown manifest entry", name)
			return
		}
		files = append(files, PlanFile{Name: name, Size: entry.ExpectedSize})
		totalSize += entry.ExpectedSize
	}

	writeJSON(w, http.StatusOK, PlanResponse{
		Files:      files,
		TotalSize:  totalSize,
		TotalFiles: len(files),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.ListJobs()
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID", "")
		return
	}

	job, ok := s.jobs.GetJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found", "")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID", "")
		return
	}

	if s.jobs.CancelJob(id) {
		writeJSON(w, http.StatusOK, SuccessResponse{
			Success: true,
			Message: "Job cancelled",
		})
	} else {
		writeError(w, http.StatusNotFound, "Job not found or already completed", "")
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	tokenStatus := ""
	if s.config.Token != "" {
		tokenStatus = "********" + s.config.Token[max(0, len(s.config.Token)-4):]
	}

	writeJSON(w, http.StatusOK, SettingsResponse{
		Token:       tokenStatus,
		OutputDir:   s.config.DownloadRoot,
		Concurrency: s.config.Concurrency,
		HashWorkers: s.config.HashWorkers,
		MaxAttempts: s.config.MaxAttempts,
	})
}

// handleUpdateSettings updates settings. DownloadRoot cannot be changed
// via API for security.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       *string `json:"token,omitempty"`
		Concurrency *int    `json:"concurrency,omitempty"`
		HashWorkers *int    `json:"hashWorkers,omitempty"`
		MaxAttempts *int    `json:"maxAttempts,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	if req.Token != nil {
		s.config.Token = *req.Token
	}
	if req.Concurrency != nil && *req.Concurrency > 0 {
		s.config.Concurrency = *req.Concurrency
	}
	if req.HashWorkers != nil && *req.HashWorkers > 0 {
		s.config.HashWorkers = *req.HashWorkers
	}
	if req.MaxAttempts != nil && *req.MaxAttempts > 0 {
		s.config.MaxAttempts = *req.MaxAttempts
	}

	s.jobs.config = s.config

	writeJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: "Settings updated",
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, ErrorResponse{
		Error:   message,
		Details: details,
	})
}
