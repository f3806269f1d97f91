package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martlane/storefront/internal/app/classify"
	"github.com/martlane/storefront/internal/app/credential"
	"github.com/martlane/storefront/internal/app/refresh"
	"github.com/martlane/storefront/internal/app/tagger"
	"github.com/martlane/storefront/internal/domain"
	"github.com/martlane/storefront/internal/infra/observability"
	"github.com/martlane/storefront/internal/infra/sqlite"
)

type fixture struct {
	db     *sqlite.DB
	store  *credential.Store
	guest  *credential.Guest
	tagger *tagger.Tagger
	tracer *observability.Tracer
	p      *Pipeline
}

func newFixture(t *testing.T, srv *httptest.Server) *fixture {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		db:     db,
		store:  credential.NewStore(db, credential.DefaultKeys(), nil),
		guest:  credential.NewGuest(db, "guestCartSession", nil),
		tagger: tagger.New(db, tagger.DefaultHeader, "x-correlation-id", nil),
		tracer: observability.NewTracer(observability.DefaultTracerConfig()),
	}
	f.p = New(Config{
		BaseURL:       srv.URL,
		Services:      map[string]string{"cart": "/cart-service", "user": "/user-service"},
		IdentityPaths: []string{"/auth/login", "/auth/register", "/auth/refresh", "/health"},
		GuestHeader:   "X-Guest-Session",
		Timeout:       2 * time.Second,
	}, f.tagger, f.store, WithGuest(f.guest), WithTracer(f.tracer))
	return f
}

func (f *fixture) signIn(t *testing.T, access string) {
	t.Helper()
	require.NoError(t, f.store.Set(domain.Credential{
		AccessToken:  access,
		RefreshToken: "refresh-1",
		Owner:        domain.Identity{ID: "u1", DisplayName: "Asha"},
	}))
}

func writeEnvelope(w http.ResponseWriter, status int, data any, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success":   status < 400,
		"data":      data,
		"message":   msg,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"status":    status,
	})
}

// bearerServer accepts only "Bearer <valid>" and counts requests per token.
type bearerServer struct {
	mu    sync.Mutex
	valid string
	seen  map[string]int
}

func (b *bearerServer) handler(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	b.mu.Lock()
	if b.seen == nil {
		b.seen = map[string]int{}
	}
	b.seen[auth]++
	valid := b.valid
	b.mu.Unlock()
	if auth != "Bearer "+valid {
		writeEnvelope(w, http.StatusUnauthorized, nil, "token expired")
		return
	}
	writeEnvelope(w, http.StatusOK, map[string]any{"path": r.URL.Path}, "")
}

func TestDo_UnwrapsEnvelopeAndInjectsHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		assert.Equal(t, "/cart-service/api/cart", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.False(t, r.URL.Query().Has("skip"))
		writeEnvelope(w, http.StatusOK, map[string]any{"subtotal": 480}, "ok")
	}))
	defer srv.Close()
	f := newFixture(t, srv)
	f.signIn(t, "access-1")

	var out struct {
		Subtotal float64 `json:"subtotal"`
	}
	err := f.p.Do(context.Background(), Request{
		Method:   http.MethodGet,
		Service:  "cart",
		Endpoint: "/api/cart",
		Query:    map[string]any{"page": 2, "skip": nil},
	}, &out)
	require.NoError(t, err)

	assert.Equal(t, 480.0, out.Subtotal)
	assert.Equal(t, "Bearer access-1", got.Get("Authorization"))
	assert.NotEmpty(t, got.Get(tagger.DefaultHeader))
	assert.Empty(t, got.Get("X-Guest-Session"))

	spans := f.tracer.Spans(0)
	require.Len(t, spans, 1)
	assert.Equal(t, got.Get(tagger.DefaultHeader), spans[0].TraceID)
}

func TestDo_TagStability(t *testing.T) {
	var mu sync.Mutex
	var tags []string
	override := ""
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		tags = append(tags, r.Header.Get(tagger.DefaultHeader))
		if override != "" {
			w.Header().Set(tagger.DefaultHeader, override)
		}
		mu.Unlock()
		writeEnvelope(w, http.StatusOK, nil, "")
	}))
	defer srv.Close()
	f := newFixture(t, srv)
	ctx := context.Background()
	get := Request{Method: http.MethodGet, Endpoint: "/api/products"}

	require.NoError(t, f.p.Do(ctx, get, nil))
	require.NoError(t, f.p.Do(ctx, get, nil))

	mu.Lock()
	override = "server-chain-7"
	mu.Unlock()
	require.NoError(t, f.p.Do(ctx, get, nil))

	mu.Lock()
	override = ""
	mu.Unlock()
	require.NoError(t, f.p.Do(ctx, get, nil))

	require.Len(t, tags, 4)
	assert.Equal(t, tags[0], tags[1])
	assert.Equal(t, tags[1], tags[2], "the override arrives with the third response")
	assert.Equal(t, "server-chain-7", tags[3])
}

func TestDo_GuestHeaderWhenSignedOut(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		writeEnvelope(w, http.StatusOK, nil, "")
	}))
	defer srv.Close()
	f := newFixture(t, srv)
	gid, err := f.guest.ID()
	require.NoError(t, err)

	require.NoError(t, f.p.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/api/cart"}, nil))
	assert.Empty(t, got.Get("Authorization"))
	assert.Equal(t, gid, got.Get("X-Guest-Session"))
}

func TestDo_IdentityEndpointsSkipCredential(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		writeEnvelope(w, http.StatusUnauthorized, nil, "bad password")
	}))
	defer srv.Close()
	f := newFixture(t, srv)
	f.signIn(t, "access-1")

	var refreshes atomic.Int32
	f.p.SetRefresher(refresh.New(f.store, func(context.Context, string) (domain.Credential, error) {
		refreshes.Add(1)
		return domain.Credential{}, nil
	}))

	err := f.p.Do(context.Background(), Request{Method: http.MethodPost, Service: "user", Endpoint: "/api/auth/login"}, nil)
	assert.ErrorIs(t, err, classify.ErrUnauthenticated)
	assert.Empty(t, auth)
	assert.Equal(t, int32(0), refreshes.Load())
	assert.NotNil(t, f.store.Get(), "a failed login must not sign the session out")
}

func TestDo_RefreshAndRetry(t *testing.T) {
	b := &bearerServer{valid: "access-2"}
	srv := httptest.NewServer(http.HandlerFunc(b.handler))
	defer srv.Close()
	f := newFixture(t, srv)
	f.signIn(t, "access-1")

	release := make(chan struct{})
	var refreshes atomic.Int32
	f.p.SetRefresher(refresh.New(f.store, func(ctx context.Context, rt string) (domain.Credential, error) {
		refreshes.Add(1)
		assert.Equal(t, "refresh-1", rt)
		<-release
		return domain.Credential{AccessToken: "access-2", RefreshToken: "refresh-2"}, nil
	}))

	const k = 5
	errs := make([]error, k)
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.p.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/api/cart"}, nil)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), refreshes.Load())
	for _, err := range errs {
		assert.NoError(t, err)
	}
	b.mu.Lock()
	assert.Equal(t, k, b.seen["Bearer access-2"])
	b.mu.Unlock()
	assert.Equal(t, "refresh-2", f.store.Get().RefreshToken)
}

func TestDo_RefreshFailureRejectsQueued(t *testing.T) {
	b := &bearerServer{valid: "never"}
	srv := httptest.NewServer(http.HandlerFunc(b.handler))
	defer srv.Close()
	f := newFixture(t, srv)
	f.signIn(t, "access-1")

	release := make(chan struct{})
	var logouts atomic.Int32
	f.p.SetRefresher(refresh.New(f.store, func(context.Context, string) (domain.Credential, error) {
		<-release
		return domain.Credential{}, classify.Status(http.StatusUnauthorized, "refresh token revoked")
	}, refresh.OnUnauthenticated(func(error) { logouts.Add(1) })))

	feed, unsub := f.p.Errors().Subscribe()
	defer unsub()

	const queued = 3
	errs := make([]error, queued)
	var wg sync.WaitGroup
	for i := 0; i < queued; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.p.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/api/cart"}, nil)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, classify.ErrUnauthenticated)
	}
	assert.Nil(t, f.store.Get())
	assert.GreaterOrEqual(t, logouts.Load(), int32(1))

	for i := 0; i < queued; i++ {
		select {
		case ce := <-feed:
			assert.Equal(t, classify.KindUnauthenticated, ce.Kind)
			assert.Equal(t, "/api/cart", ce.Endpoint)
		case <-time.After(time.Second):
			t.Fatal("missing error event")
		}
	}
}

func TestDo_UnauthenticatedWithoutCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusUnauthorized, nil, "login required")
	}))
	defer srv.Close()
	f := newFixture(t, srv)
	var refreshes atomic.Int32
	f.p.SetRefresher(refresh.New(f.store, func(context.Context, string) (domain.Credential, error) {
		refreshes.Add(1)
		return domain.Credential{}, nil
	}))

	err := f.p.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/api/orders"}, nil)
	assert.ErrorIs(t, err, classify.ErrUnauthenticated)
	assert.Equal(t, int32(0), refreshes.Load())
}

func TestDo_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		status int
		want   *classify.Error
	}{
		{http.StatusBadRequest, classify.ErrValidation},
		{http.StatusForbidden, classify.ErrForbidden},
		{http.StatusNotFound, classify.ErrNotFound},
		{http.StatusConflict, classify.ErrConflict},
		{http.StatusUnprocessableEntity, classify.ErrValidation},
		{http.StatusTooManyRequests, classify.ErrRateLimited},
		{http.StatusBadGateway, classify.ErrServer},
		{http.StatusTeapot, classify.ErrUnknown},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeEnvelope(w, tt.status, nil, "server says no")
			}))
			defer srv.Close()
			f := newFixture(t, srv)

			err := f.p.Do(context.Background(), Request{Method: http.MethodPost, Endpoint: "/api/cart/add"}, nil)
			require.ErrorIs(t, err, tt.want)
			var ce *classify.Error
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.status, ce.Status)
			assert.Equal(t, "server says no", ce.Message)
			assert.Equal(t, http.MethodPost, ce.Method)
			assert.NotEmpty(t, ce.CorrelationID)
		})
	}
}

func TestDo_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	f := newFixture(t, srv)
	srv.Close()

	err := f.p.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/api/cart"}, nil)
	assert.ErrorIs(t, err, classify.ErrNetwork)
	assert.True(t, classify.From(err).Retryable())
}

func TestDo_TimeoutIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()
	f := newFixture(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.p.Do(ctx, Request{Method: http.MethodGet, Endpoint: "/api/cart"}, nil)
	assert.ErrorIs(t, err, classify.ErrNetwork)
}

func TestDo_EnvelopeFailureOnSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"message":"out of stock","status":409}`))
	}))
	defer srv.Close()
	f := newFixture(t, srv)

	err := f.p.Do(context.Background(), Request{Method: http.MethodPost, Endpoint: "/api/cart/add"}, nil)
	assert.ErrorIs(t, err, classify.ErrConflict)
}

func TestSend_RawAndBareBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/raw":
			w.Write([]byte(`{"success":true,"data":{"n":1}}`))
		default:
			w.Write([]byte(`{"n":7}`))
		}
	}))
	defer srv.Close()
	f := newFixture(t, srv)
	type payload struct {
		N       int   `json:"n"`
		Success *bool `json:"success"`
	}

	raw, err := Send[payload](context.Background(), f.p, Request{Method: http.MethodGet, Endpoint: "/raw", Raw: true})
	require.NoError(t, err)
	require.NotNil(t, raw.Success)
	assert.Equal(t, 0, raw.N)

	bare, err := Send[payload](context.Background(), f.p, Request{Method: http.MethodGet, Endpoint: "/bare"})
	require.NoError(t, err)
	assert.Equal(t, 7, bare.N)
}

func TestDo_UnknownServiceAndBadEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	f := newFixture(t, srv)

	assert.ErrorIs(t, f.p.Do(context.Background(), Request{Method: http.MethodGet, Service: "billing", Endpoint: "/x"}, nil), classify.ErrUnknown)
	assert.ErrorIs(t, f.p.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "x"}, nil), classify.ErrUnknown)
}

func TestLoading_TracksInFlight(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeEnvelope(w, http.StatusOK, nil, "")
	}))
	defer srv.Close()
	f := newFixture(t, srv)

	ch, unsub := f.p.Loading().Subscribe()
	defer unsub()
	assert.False(t, <-ch)

	done := make(chan error, 1)
	go func() { done <- f.p.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/api/cart"}, nil) }()
	assert.True(t, <-ch)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, <-ch)
	assert.False(t, f.p.Loading().Value())
}
