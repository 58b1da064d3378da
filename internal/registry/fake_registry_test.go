package registry_test

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"dimona/internal/registry"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

// fakeRegistry is an httptest registry with a token endpoint and the two
// declaration endpoints. Handlers are swappable per test.
type fakeRegistry struct {
	t   *testing.T
	srv *httptest.Server
	key *rsa.PrivateKey

	tokenCalls  atomic.Int32
	apiCalls    atomic.Int32
	tokenTTL    int64
	tokenDelay  time.Duration
	tokenStatus int
	// tokenTruncated cuts the token response short of its Content-Length.
	tokenTruncated bool

	mu       sync.Mutex
	create   http.HandlerFunc
	get      http.HandlerFunc
	lastAuth string
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	t.Helper()
	f := &fakeRegistry{t: t, key: signingKey(t), tokenTTL: 3600}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", f.token)
	mux.HandleFunc("POST /api/declarations", func(w http.ResponseWriter, r *http.Request) {
		f.apiCalls.Add(1)
		f.mu.Lock()
		f.lastAuth = r.Header.Get("Authorization")
		h := f.create
		f.mu.Unlock()
		h(w, r)
	})
	mux.HandleFunc("GET /api/declarations/{ref}", func(w http.ResponseWriter, r *http.Request) {
		f.apiCalls.Add(1)
		f.mu.Lock()
		f.lastAuth = r.Header.Get("Authorization")
		h := f.get
		f.mu.Unlock()
		h(w, r)
	})
	f.create = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/api/declarations/ref-1")
		w.WriteHeader(http.StatusCreated)
	}
	f.get = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRegistry) onCreate(h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.create = h
}

func (f *fakeRegistry) onGet(h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.get = h
}

func (f *fakeRegistry) authorization() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAuth
}

func (f *fakeRegistry) token(w http.ResponseWriter, r *http.Request) {
	n := f.tokenCalls.Add(1)
	if f.tokenDelay > 0 {
		time.Sleep(f.tokenDelay)
	}
	if f.tokenStatus != 0 {
		w.WriteHeader(f.tokenStatus)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("grant_type") != "client_credentials" ||
		r.PostForm.Get("client_assertion_type") != "urn:ietf:params:oauth:client-assertion-type:jwt-bearer" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(r.PostForm.Get("client_assertion"), claims, func(tok *jwt.Token) (any, error) {
		return &f.key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithAudience(f.srv.URL+"/oauth/token"), jwt.WithLeeway(10*time.Minute))
	if err != nil || claims.Issuer != r.PostForm.Get("client_id") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if f.tokenTruncated {
		w.Header().Set("Content-Length", "512")
		_, _ = w.Write([]byte(`{"access_token":"tok-`))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": fmt.Sprintf("tok-%d", n),
		"token_type":   "Bearer",
		"expires_in":   f.tokenTTL,
	})
}

func (f *fakeRegistry) config() registry.Config {
	return registry.Config{
		BaseURL:       f.srv.URL + "/api",
		TokenURL:      f.srv.URL + "/oauth/token",
		Timeout:       2 * time.Second,
		DefaultClient: "default",
		Clients: []registry.Credentials{
			{Name: "default", ClientID: "client-default", Key: f.key},
			{Name: "acme", ClientID: "client-acme", Key: f.key},
		},
	}
}

func (f *fakeRegistry) client(opts ...registry.Option) *registry.Client {
	f.t.Helper()
	return f.clientWith(f.config(), opts...)
}

func (f *fakeRegistry) clientWith(cfg registry.Config, opts ...registry.Option) *registry.Client {
	f.t.Helper()
	opts = append([]registry.Option{registry.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	c, err := registry.New(cfg, opts...)
	require.NoError(f.t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.Copy(w, strings.NewReader(body))
}
