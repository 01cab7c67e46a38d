package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveFunctionsInitializeLazily(t *testing.T) {
	ObserveNavigation("ready")
	ObserveNavigation("dns")
	ObserveRespawn()
	ObserveAbandoned("challenge")
	ObserveDispatch("Download", 3)
	ObserveDedupHits("Download", 1)
	ObserveCommit("Download", 2)

	if val := testutil.ToFloat64(navigationsTotal.WithLabelValues("dns")); val < 1 {
		t.Errorf("expected dns navigation to be counted, got %f", val)
	}
	if val := testutil.ToFloat64(dispatchesTotal.WithLabelValues("Download")); val < 3 {
		t.Errorf("expected 3 dispatches, got %f", val)
	}
	if val := testutil.ToFloat64(recordsCommittedTotal.WithLabelValues("Download")); val < 2 {
		t.Errorf("expected 2 committed records, got %f", val)
	}
}

func TestActiveWorkersGauge(t *testing.T) {
	Init()
	before := testutil.ToFloat64(activeWorkers)
	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	if got := testutil.ToFloat64(activeWorkers); got != before+1 {
		t.Errorf("expected gauge %f, got %f", before+1, got)
	}
	DecActiveWorkers()
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
