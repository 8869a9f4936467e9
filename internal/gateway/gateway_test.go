package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearledger/payroll/internal/auth"
	"github.com/clearledger/payroll/internal/payroll"
	"github.com/clearledger/payroll/internal/roles"
)

const goon = "0xgoon"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testGateway struct {
	gw     *Gateway
	engine *payroll.Engine
	tokens *auth.Service
	clock  *fakeClock
}

func newTestGateway(t *testing.T, cfg Config) *testGateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	engine := payroll.NewEngine(payroll.Config{
		Goon:      goon,
		Directory: roles.NewMemory(),
		Now:       clock.Now,
	})
	tokens := auth.NewService("gateway-test-secret", time.Hour)

	return &testGateway{
		gw:     New(cfg, engine, tokens, NewFeed()),
		engine: engine,
		tokens: tokens,
		clock:  clock,
	}
}

func (tg *testGateway) do(t *testing.T, method, path, principal string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	if principal != "" {
		token, err := tg.tokens.Issue(principal)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	tg.gw.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	tg := newTestGateway(t, Config{})

	w := tg.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestAuthRequired(t *testing.T) {
	tg := newTestGateway(t, Config{})

	w := tg.do(t, http.MethodGet, "/api/v1/goon", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/goon", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	tg.gw.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEmployeeLifecycle(t *testing.T) {
	tg := newTestGateway(t, Config{})

	w := tg.do(t, http.MethodPost, "/api/v1/employees", goon, gin.H{"principal": "alice", "salary": 500})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = tg.do(t, http.MethodGet, "/api/v1/employees/alice", goon, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"salary":500`)

	t.Run("duplicate conflicts", func(t *testing.T) {
		w := tg.do(t, http.MethodPost, "/api/v1/employees", goon, gin.H{"principal": "alice", "salary": 500})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("zero salary rejected", func(t *testing.T) {
		w := tg.do(t, http.MethodPost, "/api/v1/employees", goon, gin.H{"principal": "bob", "salary": 0})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("non-goon forbidden", func(t *testing.T) {
		w := tg.do(t, http.MethodPost, "/api/v1/employees", "mallory", gin.H{"principal": "carol", "salary": 100})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("unknown role rejected", func(t *testing.T) {
		w := tg.do(t, http.MethodPost, "/api/v1/employees", goon, gin.H{"principal": "dave", "salary": 100, "role": "janitor"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	w = tg.do(t, http.MethodDelete, "/api/v1/employees/alice", goon, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = tg.do(t, http.MethodGet, "/api/v1/employees/alice", goon, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClaimOverHTTP(t *testing.T) {
	tg := newTestGateway(t, Config{})

	for _, body := range []gin.H{
		{"principal": "alice", "salary": 100},
		{"principal": "watcher", "salary": 1},
	} {
		w := tg.do(t, http.MethodPost, "/api/v1/employees", goon, body)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := tg.do(t, http.MethodPost, "/api/v1/observers", goon, gin.H{"principal": "watcher"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = tg.do(t, http.MethodPost, "/api/v1/deposits", goon, gin.H{"amount": 1000})
	require.Equal(t, http.StatusCreated, w.Code)

	w = tg.do(t, http.MethodPost, "/api/v1/employees/alice/reserve", goon, gin.H{"amount": 100})
	require.Equal(t, http.StatusOK, w.Code)

	t.Run("claim before authorization", func(t *testing.T) {
		w := tg.do(t, http.MethodPost, "/api/v1/claims", "alice", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	w = tg.do(t, http.MethodPost, "/api/v1/employees/alice/authorize", "watcher", nil)
	require.Equal(t, http.StatusOK, w.Code)

	t.Run("claim during cooldown", func(t *testing.T) {
		w := tg.do(t, http.MethodPost, "/api/v1/claims", "alice", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	tg.clock.Advance(payroll.ClaimCooldown)

	w = tg.do(t, http.MethodPost, "/api/v1/claims", "alice", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"id":1`)

	t.Run("claim by non-employee", func(t *testing.T) {
		w := tg.do(t, http.MethodPost, "/api/v1/claims", "stranger", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	w = tg.do(t, http.MethodGet, "/api/v1/payments/1", goon, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"recipient":"alice"`)

	w = tg.do(t, http.MethodGet, "/api/v1/payments/42", goon, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = tg.do(t, http.MethodGet, "/api/v1/pool", goon, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pool":900`)
}

func TestGoonEndpoint(t *testing.T) {
	tg := newTestGateway(t, Config{})

	w := tg.do(t, http.MethodGet, "/api/v1/goon", "anyone", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), goon)
}

func TestRateLimit(t *testing.T) {
	tg := newTestGateway(t, Config{RateLimitMax: 2, RateLimitWindow: time.Minute})

	for i := 0; i < 2; i++ {
		w := tg.do(t, http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := tg.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestWebSocketEvents(t *testing.T) {
	tg := newTestGateway(t, Config{})

	srv := httptest.NewServer(tg.gw.Handler())
	defer srv.Close()

	token, err := tg.tokens.Issue("alice")
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + token}})
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool {
		return tg.gw.feed.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	tg.gw.feed.Broadcast([]byte(`{"subject":"payroll.deposit_received"}`))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "deposit_received")
}

type failingStore struct{}

func (failingStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, assert.AnError
}

func TestLimiterFailsOpen(t *testing.T) {
	l := NewLimiter(failingStore{}, 1, time.Minute)
	assert.True(t, l.Allow(context.Background(), "anyone"))
}

func TestMemoryStoreWindow(t *testing.T) {
	store := NewMemoryStore()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	store.now = clock.Now

	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		n, err := store.Incr(ctx, "10.0.0.1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	// Separate keys do not share a window.
	n, err := store.Incr(ctx, "10.0.0.2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	clock.Advance(2 * time.Minute)

	n, err = store.Incr(ctx, "10.0.0.1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
