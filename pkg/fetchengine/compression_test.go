// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package fetchengine

import (
	"reflect"
	"testing"
)

func TestPlanCompressionJSON(t *testing.T) {
	plan := PlanCompression("weights.json", 1024)
	want := []string{"gzip", "br", "deflate"}
	if !reflect.DeepEqual(plan.AcceptEncoding, want) {
		t.Fatalf("got %v, want %v", plan.AcceptEncoding, want)
	}
}

func TestPlanCompressionLargePNGSkipsNegotiation(t *testing.T) {
	plan := PlanCompression("screenshot.png", 1<<20)
	if plan.AcceptEncoding != nil {
		t.Fatalf("got %v, want nil (already compressed, skip negotiation)", plan.AcceptEncoding)
	}
}

func TestPlanCompressionSmallPNGStillNegotiatesDefault(t *testing.T) {
	plan := PlanCompression("icon.png", 1024)
	if len(plan.AcceptEncoding) != 1 || plan.AcceptEncoding[0] != "gzip" {
		t.Fatalf("got %v, want [gzip]", plan.AcceptEncoding)
	}
}

func TestCompressionRatio(t *testing.T) {
	if got := CompressionRatio(500, 1000); got != 0.5 {
		t.Fatalf("got %v, want 0.5", got)
	}
	if got := CompressionRatio(0, 0); got != 1 {
		t.Fatalf("got %v, want 1 for zero decoded bytes", got)
	}
}
