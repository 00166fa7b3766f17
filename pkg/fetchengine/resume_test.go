// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package fetchengine

import "testing"

func TestPlanResumeFreshWhenNoLocalFile(t *testing.T) {
	plan := PlanResume(0, false, ProbeResult{TotalSize: 1000, SupportsRange: true}, false, DefaultResumeThreshold)
	if plan.Kind != PlanFreshDownload || plan.Truncate {
		t.Fatalf("got %+v, want fresh download without truncate", plan)
	}
}

func TestPlanResumeVerifyOnlyWhenSizesMatch(t *testing.T) {
	plan := PlanResume(1000, true, ProbeResult{TotalSize: 1000}, false, DefaultResumeThreshold)
	if plan.Kind != PlanVerifyOnly {
		t.Fatalf("got %+v, want verify_only", plan)
	}
}

func TestPlanResumeResumesAbovePartialThreshold(t *testing.T) {
	probe := ProbeResult{TotalSize: 10 << 20, SupportsRange: true}
	plan := PlanResume(5<<20, true, probe, false, 2<<20)
	if plan.Kind != PlanResume || plan.From != 5<<20 {
		t.Fatalf("got %+v, want resume from 5MiB", plan)
	}
}

func TestPlanResumeDiscardsPartialBelowThreshold(t *testing.T) {
	probe := ProbeResult{TotalSize: 10 << 20, SupportsRange: true}
	plan := PlanResume(1<<20, true, probe, false, 2<<20)
	if plan.Kind != PlanFreshDownload || !plan.Truncate {
		t.Fatalf("got %+v, want fresh download with truncate", plan)
	}
}

func TestPlanResumeDiscardsWhenRangeUnsupported(t *testing.T) {
	probe := ProbeResult{TotalSize: 10 << 20, SupportsRange: false}
	plan := PlanResume(8<<20, true, probe, false, 2<<20)
	if plan.Kind != PlanFreshDownload || !plan.Truncate {
		t.Fatalf("got %+v, want fresh download with truncate", plan)
	}
}

func TestPlanResumeForcesFreshAfterVerifyFailure(t *testing.T) {
	probe := ProbeResult{TotalSize: 10 << 20, SupportsRange: true}
	plan := PlanResume(10<<20, true, probe, true, 2<<20)
	if plan.Kind != PlanFreshDownload || !plan.Truncate {
		t.Fatalf("got %+v, want forced fresh download after verify failure", plan)
	}
}

func TestPlanResumeRestartsWhenLocalExceedsExpected(t *testing.T) {
	probe := ProbeResult{TotalSize: 1000, SupportsRange: true}
	plan := PlanResume(2000, true, probe, false, DefaultResumeThreshold)
	if plan.Kind != PlanFreshDownload || !plan.Truncate {
		t.Fatalf("got %+v, want fresh download with truncate", plan)
	}
}

func TestPlanResumeRestartsWhenRemoteSizeUnknown(t *testing.T) {
	probe := ProbeResult{TotalSize: 0, SupportsRange: true}
	plan := PlanResume(1000, true, probe, false, DefaultResumeThreshold)
	if plan.Kind != PlanFreshDownload {
		t.Fatalf("got %+v, want fresh download", plan)
	}
}
