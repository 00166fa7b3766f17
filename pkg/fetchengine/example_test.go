// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package fetchengine_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"

	"github.com/bulkfetch/bulkfetch/pkg/fetchengine"
)

func ExampleEngine() {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	dir, err := os.MkdirTemp("", "fetchengine-example")
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer os.RemoveAll(dir)

	eng, err := fetchengine.NewEngine(fetchengine.DefaultSettings())
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer eng.Close()

	manifest := fmt.Sprintf(`{"payload.txt": {"url": %q}}`, srv.URL)
	if _, _, _, err := eng.LoadManifest([]byte(manifest), false); err != nil {
		fmt.Println("error:", err)
		return
	}
	eng.SetDownloadRoot(dir)
	if err := eng.Select(nil); err != nil {
		fmt.Println("error:", err)
		return
	}

	eng.Subscribe(func(e fetchengine.ProgressEvent) {
		if e.Event == "file_completed" {
			fmt.Println("completed:", e.Name)
		}
	}, nil)

	if err := eng.Start(context.Background()); err != nil {
		fmt.Println("error:", err)
		return
	}

	// Output:
	// completed: payload.txt
}

func ExamplePlanCompression() {
	plan := fetchengine.PlanCompression("weights.json", 2048)
	fmt.Println(plan.AcceptEncoding)
	// Output:
	// [gzip br deflate]
}

func ExamplePlanResume() {
	plan := fetchengine.PlanResume(10<<20, true, fetchengine.ProbeResult{
		TotalSize:     10 << 20,
		SupportsRange: true,
	}, false, fetchengine.DefaultResumeThreshold)
	fmt.Println(plan.Kind)
	// Output:
	// verify_only
}
