package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordProviderCall_CountsErrors(t *testing.T) {
	before := testutil.ToFloat64(ProviderErrors.WithLabelValues("test", "embed"))

	RecordProviderCall("test", "embed", 10*time.Millisecond, nil)
	RecordProviderCall("test", "embed", 10*time.Millisecond, errors.New("boom"))

	if got := testutil.ToFloat64(ProviderErrors.WithLabelValues("test", "embed")); got != before+1 {
		t.Errorf("provider errors = %v, want %v", got, before+1)
	}
}

func TestRecordEmbeddingResult(t *testing.T) {
	p0 := testutil.ToFloat64(EmbeddingsProcessed)
	f0 := testutil.ToFloat64(EmbeddingsFailed)

	RecordEmbeddingResult(5, 2)

	if got := testutil.ToFloat64(EmbeddingsProcessed); got != p0+5 {
		t.Errorf("processed = %v, want %v", got, p0+5)
	}
	if got := testutil.ToFloat64(EmbeddingsFailed); got != f0+2 {
		t.Errorf("failed = %v, want %v", got, f0+2)
	}
}

func TestRecordAPIRequest(t *testing.T) {
	before := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("GET", "/health", "200"))
	RecordAPIRequest("GET", "/health", "200", time.Millisecond)
	if got := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("GET", "/health", "200")); got != before+1 {
		t.Errorf("requests = %v, want %v", got, before+1)
	}
}
