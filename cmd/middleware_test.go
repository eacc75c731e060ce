package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clubBack/internal/models"
	"clubBack/utils"
)

func newTestApp(t *testing.T) *application {
	t.Helper()
	tokens, err := utils.NewManager("test-secret")
	require.NoError(t, err)
	return &application{
		infoLog:  log.New(io.Discard, "", 0),
		errorLog: log.New(io.Discard, "", 0),
		tokens:   tokens,
	}
}

func echoUser(w http.ResponseWriter, r *http.Request) {
	id, _ := r.Context().Value(models.UserIDKey).(int)
	role, _ := r.Context().Value(models.RoleKey).(string)
	w.Header().Set("X-User", role)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte{byte('0' + id)})
}

func TestJWTMiddleware(t *testing.T) {
	app := newTestApp(t)
	h := app.JWTMiddleware(http.HandlerFunc(echoUser), models.RoleChild)

	childToken, err := app.tokens.NewJWT(7, models.RoleChild, time.Hour)
	require.NoError(t, err)
	parentToken, err := app.tokens.NewJWT(3, models.RoleParent, time.Hour)
	require.NoError(t, err)
	expired, err := app.tokens.NewJWT(7, models.RoleChild, -time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Token abc", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong role", "Bearer " + parentToken, http.StatusForbidden},
		{"child", "Bearer " + childToken, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/payment/invoices", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
			if tc.want == http.StatusOK {
				assert.Equal(t, "7", rec.Body.String())
				assert.Equal(t, models.RoleChild, rec.Header().Get("X-User"))
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	app := newTestApp(t)
	var seen string
	h := app.requestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(models.RequestIDKey).(string)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "upstream-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "upstream-1", seen)
}

func TestRecoverPanic(t *testing.T) {
	app := newTestApp(t)
	h := app.recoverPanic(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "close", rec.Header().Get("Connection"))
}

type stubPurger struct {
	calls  chan time.Time
	purged int64
}

func (s *stubPurger) PurgeProcessedBefore(_ context.Context, before time.Time) (int64, error) {
	s.calls <- before
	return s.purged, nil
}

func TestWebhookJournalCleanerRunsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	purger := &stubPurger{calls: make(chan time.Time, 1), purged: 2}
	startWebhookJournalCleaner(ctx, purger, 48*time.Hour, time.Hour, log.New(io.Discard, "", 0), log.New(io.Discard, "", 0))

	select {
	case before := <-purger.calls:
		assert.WithinDuration(t, time.Now().Add(-48*time.Hour), before, time.Minute)
	case <-time.After(2 * time.Second):
		t.Fatal("cleaner did not run")
	}
}
