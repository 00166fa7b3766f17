// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"testing"
	"time"
)

func manifestFor(urls map[string]string) []byte {
	b := []byte(`{`)
	first := true
	for name, url := range urls {
		if !first {
			b = append(b, ',')
		}
		first = false
		b = append(b, []byte(`"`+name+`":{"url":"`+url+`"}`)...)
	}
	b = append(b, '}')
	return b
}

func TestJobManager_CreateJob(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{DownloadRoot: dir, Concurrency: 2}
	hub := NewWSHub()
	go hub.Run()

	mgr := NewJobManager(cfg, hub)

	req := DownloadRequest{Manifest: manifestFor(map[string]string{"a.txt": "http://example.invalid/a.txt"})}
	job, wasExisting, err := mgr.CreateJob(req)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if wasExisting {
		t.Error("expected new job, got existing")
	}
	if job.OutputDir != dir {
		t.Errorf("expected output %s, got %s", dir, job.OutputDir)
	}
	if job.TotalFiles != 1 {
		t.Errorf("expected 1 file, got %d", job.TotalFiles)
	}
}

func TestJobManager_Deduplication(t *testing.T) {
	cfg := Config{DownloadRoot: t.TempDir()}
	hub := NewWSHub()
	go hub.Run()

	mgr := NewJobManager(cfg, hub)

	req := DownloadRequest{Manifest: manifestFor(map[string]string{"a.txt": "http://example.invalid/a.txt"})}

	job1, wasExisting1, err := mgr.CreateJob(req)
	if err != nil {
		t.Fatal(err)
	}
	if wasExisting1 {
		t.Error("first job should not be existing")
	}

	job2, wasExisting2, err := mgr.CreateJob(req)
	if err != nil {
		t.Fatal(err)
	}
	if !wasExisting2 {
		t.Error("second identical request should be detected as existing")
	}
	if job1.ID != job2.ID {
		t.Errorf("expected same job ID, got %s vs %s", job1.ID, job2.ID)
	}
}

func TestJobManager_DifferentManifestsNotDeduplicated(t *testing.T) {
	cfg := Config{DownloadRoot: t.TempDir()}
	hub := NewWSHub()
	go hub.Run()

	mgr := NewJobManager(cfg, hub)

	job1, _, err := mgr.CreateJob(DownloadRequest{
		Manifest: manifestFor(map[string]string{"a.txt": "http://example.invalid/a.txt"}),
	})
	if err != nil {
		t.Fatal(err)
	}

	job2, wasExisting, err := mgr.CreateJob(DownloadRequest{
		Manifest: manifestFor(map[string]string{"b.txt": "http://example.invalid/b.txt"}),
	})
	if err != nil {
		t.Fatal(err)
	}

	if wasExisting {
		t.Error("different manifests should create different jobs")
	}
	if job1.ID == job2.ID {
		t.Error("different manifests should have different IDs")
	}
}

func TestJobManager_GetJob(t *testing.T) {
	cfg := Config{DownloadRoot: t.TempDir()}
	hub := NewWSHub()
	go hub.Run()
	mgr := NewJobManager(cfg, hub)

	job, _, err := mgr.CreateJob(DownloadRequest{
		Manifest: manifestFor(map[string]string{"a.txt": "http://example.invalid/a.txt"}),
	})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("returns existing job", func(t *testing.T) {
		found, ok := mgr.GetJob(job.ID)
		if !ok {
			t.Error("expected to find job")
		}
		if found.ID != job.ID {
			t.Error("wrong job returned")
		}
	})

	t.Run("returns false for missing job", func(t *testing.T) {
		_, ok := mgr.GetJob("nonexistent")
		if ok {
			t.Error("should not find nonexistent job")
		}
	})
}

func TestJobManager_ListJobs(t *testing.T) {
	cfg := Config{DownloadRoot: t.TempDir()}
	hub := NewWSHub()
	go hub.Run()
	mgr := NewJobManager(cfg, hub)

	mgr.CreateJob(DownloadRequest{Manifest: manifestFor(map[string]string{"a.txt": "http://example.invalid/a.txt"})})
	mgr.CreateJob(DownloadRequest{Manifest: manifestFor(map[string]string{"b.txt": "http://example.invalid/b.txt"})})
	mgr.CreateJob(DownloadRequest{Manifest: manifestFor(map[string]string{"c.txt": "http://example.invalid/c.txt"})})

	jobs := mgr.ListJobs()
	if len(jobs) < 3 {
		t.Errorf("expected at least 3 jobs, got %d", len(jobs))
	}
}

func TestJobManager_CancelJob(t *testing.T) {
	cfg := Config{DownloadRoot: t.TempDir()}
	hub := NewWSHub()
	go hub.Run()
	mgr := NewJobManager(cfg, hub)

	job, _, err := mgr.CreateJob(DownloadRequest{
		Manifest: manifestFor(map[string]string{"a.txt": "http://example.invalid/a.txt"}),
	})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)

	t.Run("cancels running job", func(t *testing.T) {
		ok := mgr.CancelJob(job.ID)
		if !ok {
			t.Error("cancel should succeed")
		}

		found, _ := mgr.GetJob(job.ID)
		if found.Status != JobStatusCancelled {
			t.Errorf("expected cancelled status, got %s", found.Status)
		}
	})

	t.Run("returns false for nonexistent job", func(t *testing.T) {
		ok := mgr.CancelJob("nonexistent")
		if ok {
			t.Error("cancel should fail for nonexistent job")
		}
	})
}

func TestJobStatus_Values(t *testing.T) {
	statuses := []JobStatus{
		JobStatusQueued,
		JobStatusRunning,
		JobStatusCompleted,
		JobStatusFailed,
		JobStatusCancelled,
	}

	for _, s := range statuses {
		if s == "" {
			t.Error("status should not be empty")
		}
	}
}
