// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bulkfetch/bulkfetch/pkg/fetchengine"
)

// JobStatus represents the state of a download job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job represents a manifest download job.
type Job struct {
	ID         string            `json:"id"`
	TotalFiles int               `json:"totalFiles"`
	Selection  []string          `json:"selection,omitempty"`
	OutputDir  string            `json:"outputDir"`
	Status     JobStatus         `json:"status"`
	Progress   JobProgress       `json:"progress"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	StartedAt  *time.Time        `json:"startedAt,omitempty"`
	EndedAt    *time.Time        `json:"endedAt,omitempty"`
	Files      []JobFileProgress `json:"files,omitempty"`

	manifestKey string
	cancel      context.CancelFunc `json:"-"`
	engine      *fetchengine.Engine
}

// JobProgress holds aggregate progress info.
type JobProgress struct {
	TotalFiles      int   `json:"totalFiles"`
	CompletedFiles  int   `json:"completedFiles"`
	TotalBytes      int64 `json:"totalBytes"`
	DownloadedBytes int64 `json:"downloadedBytes"`
}

// JobFileProgress holds per-file progress.
type JobFileProgress struct {
	Name       string `json:"name"`
	TotalBytes int64  `json:"totalBytes"`
	Downloaded int64  `json:"downloaded"`
	Status     string `json:"status"` // queued, downloading, complete, failed
}

// JobManager manages download jobs, one fetchengine.Engine per job.
type JobManager struct {
	mu         sync.RWMutex
	jobs       map[string]*Job
	config     Config
	listeners  []chan *Job
	listenerMu sync.RWMutex
	wsHub      *WSHub
}

// NewJobManager creates a new job manager.
func NewJobManager(cfg Config, wsHub *WSHub) *JobManager {
	return &JobManager{
		jobs:   make(map[string]*Job),
		config: cfg,
		wsHub:  wsHub,
	}
}

func generateID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func manifestKey(manifest []byte, selection []string) string {
	sorted := append([]string(nil), selection...)
	sort.Strings(sorted)
	h := sha256.New()
	h.Write(manifest)
	h.Write([]byte(strings.Join(sorted, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}

// CreateJob parses the manifest, builds an engine, and starts the job.
// Returns the existing job (wasExisting=true) if an identical manifest +
// selection is already queued or running against this server.
func (m *JobManager) CreateJob(req DownloadRequest) (*Job, bool, error) {
	key := manifestKey(req.Manifest, req.Select)

	m.mu.Lock()
	for _, existing := range m.jobs {
		if existing.manifestKey == key &&
			(existing.Status == JobStatusQueued || existing.Status == JobStatusRunning) {
			m.mu.Unlock()
			return existing, true, nil
		}
	}
	m.mu.Unlock()

	settings := fetchengine.DefaultSettings()
	settings.Concurrency = m.config.Concurrency
	settings.HashWorkers = m.config.HashWorkers
	settings.MaxAttempts = m.config.MaxAttempts
	settings.Token = m.config.Token

	eng, err := fetchengine.NewEngine(settings)
	if err != nil {
		return nil, false, err
	}

	added, preserved, _, err := eng.LoadManifest(req.Manifest, req.Prune)
	if err != nil {
		eng.Close()
		return nil, false, err
	}
	totalFiles := len(added) + len(preserved)
	if len(req.Select) > 0 {
		totalFiles = len(req.Select)
	}
	eng.SetDownloadRoot(m.config.DownloadRoot)
	if err := eng.Select(req.Select); err != nil {
		eng.Close()
		return nil, false, err
	}

	job := &Job{
		ID:          generateID(),
		TotalFiles:  totalFiles,
		Selection:   req.Select,
		OutputDir:   m.config.DownloadRoot,
		Status:      JobStatusQueued,
		CreatedAt:   time.Now(),
		manifestKey: key,
		engine:      eng,
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	go m.runJob(job)

	return job, false, nil
}

// GetJob retrieves a job by ID.
func (m *JobManager) GetJob(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	return job, ok
}

// ListJobs returns all jobs.
func (m *JobManager) ListJobs() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// CancelJob cancels a running or queued job.
func (m *JobManager) CancelJob(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return false
	}

	if job.Status == JobStatusQueued || job.Status == JobStatusRunning {
		if job.cancel != nil {
			job.cancel()
		}
		job.Status = JobStatusCancelled
		now := time.Now()
		job.EndedAt = &now
		m.notifyListeners(job)
		return true
	}

	return false
}

// DeleteJob removes a job from the list, closing its engine.
func (m *JobManager) DeleteJob(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return false
	}

	if job.cancel != nil && (job.Status == JobStatusQueued || job.Status == JobStatusRunning) {
		job.cancel()
	}
	job.engine.Close()

	delete(m.jobs, id)
	return true
}

// Subscribe adds a listener for job updates.
func (m *JobManager) Subscribe() chan *Job {
	ch := make(chan *Job, 100)
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, ch)
	m.listenerMu.Unlock()
	return ch
}

// Unsubscribe removes a listener.
func (m *JobManager) Unsubscribe(ch chan *Job) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	for i, listener := range m.listeners {
		if listener == ch {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *JobManager) notifyListeners(job *Job) {
	m.listenerMu.RLock()
	for _, ch := range m.listeners {
		select {
		case ch <- job:
		default:
		}
	}
	m.listenerMu.RUnlock()

	if m.wsHub != nil {
		m.wsHub.BroadcastJob(job)
	}
}

// runJob drives the engine to completion, translating progress events
// into job state and fanning them out to listeners and WebSocket clients.
func (m *JobManager) runJob(job *Job) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	job.cancel = cancel
	job.Status = JobStatusRunning
	now := time.Now()
	job.StartedAt = &now
	m.mu.Unlock()
	m.notifyListeners(job)

	job.engine.Subscribe(func(evt fetchengine.ProgressEvent) {
		m.mu.Lock()

		switch evt.Event {
		case "file_queued":
			job.Progress.TotalFiles++
			job.Progress.TotalBytes += evt.Total
			job.Files = append(job.Files, JobFileProgress{
				Name:       evt.Name,
				TotalBytes: evt.Total,
				Status:     "queued",
			})

		case "file_progress":
			for i := range job.Files {
				if job.Files[i].Name == evt.Name {
					job.Files[i].Status = "downloading"
					job.Files[i].Downloaded = evt.Downloaded
					break
				}
			}
			job.Progress.DownloadedBytes = sumDownloaded(job.Files)

		case "file_completed":
			for i := range job.Files {
				if job.Files[i].Name == evt.Name {
					job.Files[i].Status = "complete"
					job.Files[i].Downloaded = job.Files[i].TotalBytes
					break
				}
			}
			job.Progress.CompletedFiles++
			job.Progress.DownloadedBytes = sumDownloaded(job.Files)

		case "file_failed":
			for i := range job.Files {
				if job.Files[i].Name == evt.Name {
					job.Files[i].Status = "failed"
					break
				}
			}
		}

		m.mu.Unlock()
		m.notifyListeners(job)
	}, nil)

	err := job.engine.Start(ctx)

	m.mu.Lock()
	endTime := time.Now()
	job.EndedAt = &endTime
	switch {
	case ctx.Err() != nil:
		job.Status = JobStatusCancelled
	case err != nil:
		job.Status = JobStatusFailed
		job.Error = err.Error()
	default:
		job.Status = JobStatusCompleted
	}
	m.mu.Unlock()

	m.notifyListeners(job)
}

func sumDownloaded(files []JobFileProgress) int64 {
	var total int64
	for _, f := range files {
		total += f.Downloaded
	}
	return total
}
