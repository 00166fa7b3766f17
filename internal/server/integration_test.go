// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

//go:build integration

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

// getFreePort finds an available port.
func getFreePort() int {
	l, _ := net.Listen("tcp", "127.0.0.1:0")
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// Run with: go test -tags=integration -v ./internal/server/
// Exercises the full manifest-upload -> job -> completion flow end to end
// over real HTTP and WebSocket connections, against a local origin server
// so the test has no external network dependency.

func TestIntegration_FullDownloadFlow(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		fmt.Fprint(w, "integration test payload")
	}))
	defer origin.Close()

	port := getFreePort()
	cfg := Config{
		Addr:         "127.0.0.1",
		Port:         port,
		DownloadRoot: t.TempDir(),
		Concurrency:  4,
		HashWorkers:  2,
		MaxAttempts:  3,
	}

	srv := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.ListenAndServe(ctx)
	time.Sleep(200 * time.Millisecond)

	baseURL := "http://127.0.0.1:" + strconv.Itoa(port)

	t.Run("health check", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/api/health")
		if err != nil {
			t.Fatalf("health check failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != 200 {
			t.Errorf("expected 200, got %d", resp.StatusCode)
		}
	})

	t.Run("start download and track progress", func(t *testing.T) {
		body := fmt.Sprintf(`{"manifest": {"payload.txt": {"url": %q}}}`, origin.URL)
		resp, err := http.Post(baseURL+"/api/download", "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatalf("start download failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != 202 {
			t.Fatalf("expected 202, got %d", resp.StatusCode)
		}

		var job Job
		json.NewDecoder(resp.Body).Decode(&job)

		if job.ID == "" {
			t.Error("job ID should not be empty")
		}

		timeout := time.After(30 * time.Second)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-timeout:
				t.Fatal("download timed out")
			case <-ticker.C:
				jobResp, _ := http.Get(baseURL + "/api/jobs/" + job.ID)
				var current Job
				json.NewDecoder(jobResp.Body).Decode(&current)
				jobResp.Body.Close()

				t.Logf("job status: %s, progress: %d/%d files",
					current.Status, current.Progress.CompletedFiles, current.Progress.TotalFiles)

				if current.Status == JobStatusCompleted {
					t.Log("download completed successfully")
					return
				}
				if current.Status == JobStatusFailed {
					t.Fatalf("download failed: %s", current.Error)
				}
			}
		}
	})
}

func TestIntegration_DryRun(t *testing.T) {
	port := getFreePort()
	cfg := Config{
		Addr:         "127.0.0.1",
		Port:         port,
		DownloadRoot: t.TempDir(),
	}

	srv := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.ListenAndServe(ctx)
	time.Sleep(200 * time.Millisecond)

	baseURL := "http://127.0.0.1:" + strconv.Itoa(port)

	body := `{"manifest": {"a.txt": {"url": "http://example.invalid/a.txt", "size": 1024}}}`
	resp, err := http.Post(baseURL+"/api/plan", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("plan request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var plan PlanResponse
	json.NewDecoder(resp.Body).Decode(&plan)

	if plan.TotalFiles == 0 {
		t.Error("expected files in plan")
	}
	t.Logf("plan: %d files, %d bytes", plan.TotalFiles, plan.TotalSize)
}
