package httpretry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIsRetryableStatus(t *testing.T) {
	retryable := []int{429, 500, 502, 503, 504}
	for _, code := range retryable {
		if !IsRetryableStatus(code) {
			t.Errorf("status %d should be retryable", code)
		}
	}
	notRetryable := []int{200, 201, 204, 301, 400, 401, 403, 404, 422}
	for _, code := range notRetryable {
		if IsRetryableStatus(code) {
			t.Errorf("status %d should not be retryable", code)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"0", 0},
		{"-3", 0},
		{"not-a-number", 0},
		{"Wed, 21 Oct 2026 07:28:00 GMT", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.value); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rc := NewRetryClient(srv.Client(), 3)
	rc.baseDelay = 10 * time.Millisecond
	rc.maxDelay = 50 * time.Millisecond

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := rc.Do(req)
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if hits != 3 {
		t.Errorf("server hit %d times, want 3", hits)
	}
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	rc := NewRetryClient(srv.Client(), 3)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := rc.Do(req)
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	defer resp.Body.Close()

	if hits != 1 {
		t.Errorf("client error retried: server hit %d times", hits)
	}
}

func TestDoReturnsFinalRetryableResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rc := NewRetryClient(srv.Client(), 2)
	rc.baseDelay = 10 * time.Millisecond
	rc.maxDelay = 20 * time.Millisecond

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := rc.Do(req)
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	defer resp.Body.Close()

	// The caller inspects the last response rather than losing it.
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}
