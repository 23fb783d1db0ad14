package httpapi

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestIncrementRejected_IncrementsCounter(t *testing.T) {
	baseline := testutil.ToFloat64(rejectedTotal.WithLabelValues("invalid_json"))
	IncrementRejected("invalid_json")
	IncrementRejected("invalid_json")
	if got := testutil.ToFloat64(rejectedTotal.WithLabelValues("invalid_json")); got != baseline+2 {
		t.Fatalf("expected %v, got %v", baseline+2, got)
	}

	before := testutil.ToFloat64(rejectedTotal.WithLabelValues("unspecified"))
	IncrementRejected("")
	if after := testutil.ToFloat64(rejectedTotal.WithLabelValues("unspecified")); after != before+1 {
		t.Fatalf("empty reason should count as unspecified: before=%v after=%v", before, after)
	}
}
