package credential

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestProvider_NoKey(t *testing.T) {
	p := NewProvider("", "", 0)
	if _, err := p.Credential(context.Background(), "flow"); !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("err = %v, want ErrNoAPIKey", err)
	}
}

func TestProvider_IssuesAndCaches(t *testing.T) {
	var hits atomic.Int32
	tok := signedToken(t, time.Now().Add(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/v1/api_keys" || r.URL.Query().Get("type") != "flow" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		var body issueRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TTL != 60 {
			t.Errorf("body = %+v err = %v", body, err)
		}
		_ = json.NewEncoder(w).Encode(issueResponse{KeyValue: tok})
	}))
	defer srv.Close()

	p := NewProvider("secret", srv.URL+"/", time.Minute)
	for i := 0; i < 3; i++ {
		got, err := p.Credential(context.Background(), "flow")
		if err != nil {
			t.Fatal(err)
		}
		if got != tok {
			t.Fatalf("token mismatch")
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
}

func TestProvider_RefreshesNearExpiry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(issueResponse{KeyValue: signedToken(t, time.Now().Add(10*time.Second))})
	}))
	defer srv.Close()

	p := NewProvider("secret", srv.URL, time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := p.Credential(context.Background(), "flow"); err != nil {
			t.Fatal(err)
		}
	}
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, want 2 (token inside skew window)", hits.Load())
	}
}

func TestProvider_CoalescesConcurrentRequests(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	tok := signedToken(t, time.Now().Add(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_ = json.NewEncoder(w).Encode(issueResponse{KeyValue: tok})
	}))
	defer srv.Close()

	p := NewProvider("secret", srv.URL, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Credential(context.Background(), "flow"); err != nil {
				t.Error(err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
}

func TestProvider_CancelledCallerDoesNotFailOthers(t *testing.T) {
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	tok := signedToken(t, time.Now().Add(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("type"); got != "flow&x=1" {
			t.Errorf("type = %q", got)
		}
		arrived <- struct{}{}
		<-release
		_ = json.NewEncoder(w).Encode(issueResponse{KeyValue: tok})
	}))
	defer srv.Close()

	p := NewProvider("secret", srv.URL, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := p.Credential(ctx, "flow&x=1")
		first <- err
	}()
	<-arrived

	second := make(chan error, 1)
	go func() {
		got, err := p.Credential(context.Background(), "flow&x=1")
		if err == nil && got != tok {
			err = errors.New("token mismatch")
		}
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("first caller err = %v, want context.Canceled", err)
	}
	close(release)
	if err := <-second; err != nil {
		t.Fatalf("second caller: %v", err)
	}
}

func TestProvider_HTTPFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(401); _, _ = w.Write([]byte("denied")) }},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("not-json")) }},
		{"empty_key", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"key_value":""}`)) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			p := NewProvider("secret", srv.URL, time.Minute)
			if _, err := p.Credential(context.Background(), "flow"); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestExpiry_FallbackForOpaqueToken(t *testing.T) {
	fallback := time.Now().Add(time.Minute)
	if got := expiry("not-a-jwt", fallback); !got.Equal(fallback) {
		t.Fatalf("expiry = %v, want fallback", got)
	}
}
