package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestHttpClient_Retry(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil, nil)
	_, err := client.Get(context.Background(), "/", nil)
	if err != nil {
		t.Fatalf("Request failed after retries: %v", err)
	}

	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestHttpClient_NoRetryOnBusinessError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"label":"BALANCE_NOT_ENOUGH"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil, nil)
	_, err := client.Post(context.Background(), "/orders", nil, map[string]string{"contract": "BTC_USDT"})
	if err == nil {
		t.Fatal("Expected error on 400 response")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("Expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", apiErr.StatusCode)
	}
	if attempts != 1 {
		t.Errorf("4xx must not be retried; server saw %d attempts", attempts)
	}
}

func TestHttpClient_RetryResendsBody(t *testing.T) {
	attempts := 0
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		var decoded map[string]string
		_ = json.NewDecoder(r.Body).Decode(&decoded)
		bodies = append(bodies, decoded["contract"])
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil, nil)
	_, err := client.Post(context.Background(), "/orders", nil, map[string]string{"contract": "BTC_USDT"})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if len(bodies) != 2 || bodies[0] != "BTC_USDT" || bodies[1] != "BTC_USDT" {
		t.Errorf("Retried request lost its body: %v", bodies)
	}
}

func TestHttpClient_CircuitBreaker(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil, nil)

	// We need to trigger the breaker.
	// Policy is 5 failures out of 10.
	// We'll do 6 requests.
	for i := 0; i < 6; i++ {
		_, _ = client.Get(context.Background(), "/", nil)
	}

	// The 7th request should fail immediately due to open circuit breaker
	// without reaching the server.
	startAttempts := attempts
	_, err := client.Get(context.Background(), "/", nil)
	if err == nil {
		t.Error("Expected error due to open circuit breaker, got nil")
	}

	if attempts != startAttempts {
		t.Errorf("Server was reached even though circuit should be open. Attempts: %d", attempts)
	}
}

type headerSigner struct{}

func (s headerSigner) SignRequest(req *http.Request, body []byte) error {
	req.Header.Set("KEY", "test-key")
	q := req.URL.Query()
	q.Set("signature", "sig")
	req.URL.RawQuery = q.Encode()
	return nil
}

func TestHttpClient_SignerApplied(t *testing.T) {
	var gotKey, gotSig string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("KEY")
		gotSig = r.URL.Query().Get("signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, headerSigner{}, nil)
	params := url.Values{}
	params.Set("symbol", "BTCUSDT")
	if _, err := client.Get(context.Background(), "/api/v3/account", params); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if gotKey != "test-key" || gotSig != "sig" {
		t.Errorf("Signer not applied: key=%q sig=%q", gotKey, gotSig)
	}

	// Unsigned() must skip the signer.
	gotKey, gotSig = "", ""
	if _, err := client.Get(context.Background(), "/api/v3/time", nil, Unsigned()); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if gotKey != "" {
		t.Errorf("Unsigned request was signed: key=%q", gotKey)
	}
}

type countingSigner struct{ n int }

func (s *countingSigner) SignRequest(req *http.Request, body []byte) error {
	s.n++
	req.Header.Set("X-SIGN-SEQ", strconv.Itoa(s.n))
	return nil
}

func TestHttpClient_RetriesAreResigned(t *testing.T) {
	attempts := 0
	var seqs []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		seqs = append(seqs, r.Header.Get("X-SIGN-SEQ"))
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, &countingSigner{}, nil)
	if _, err := client.Get(context.Background(), "/", nil); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if len(seqs) != 2 || seqs[0] != "1" || seqs[1] != "2" {
		t.Errorf("Retry reused a stale signature: %v", seqs)
	}
}

func TestHttpClient_RateLimiter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// 20 req/s with burst 1: the second call must wait ~50ms.
	client := NewClient(server.URL, 5*time.Second, nil, rate.NewLimiter(rate.Limit(20), 1))
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := client.Get(context.Background(), "/", nil); err != nil {
			t.Fatalf("Request failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("Rate limiter not enforced, 3 calls took %v", elapsed)
	}
}
