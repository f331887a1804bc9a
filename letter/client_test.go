package letter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func renderOK(t *testing.T, w http.ResponseWriter) {
	t.Helper()
	w.WriteHeader(http.StatusCreated)
	err := json.NewEncoder(w).Encode(Package{
		BlobURL:       "https://blobs/letters/ltr-1.pdf",
		Filename:      "determination.pdf",
		FileSizeBytes: 18234,
		GeneratedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestRender_Success(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/v1/letters", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req RenderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "PA-2026-000123", req.CaseExternalID)

		renderOK(t, w)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", 5*time.Second)
	pkg, err := c.Render(context.Background(), RenderRequest{
		CaseExternalID: "PA-2026-000123",
		DecisionKind:   "APPROVE",
		Outcome:        "NON_AFFIRM",
	})
	require.NoError(t, err)
	assert.Equal(t, "determination.pdf", pkg.Filename)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRender_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "render backend unavailable", http.StatusServiceUnavailable)
			return
		}
		renderOK(t, w)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", 5*time.Second)
	pkg, err := c.Render(context.Background(), RenderRequest{CaseExternalID: "PA-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, pkg.BlobURL)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "a 5xx must be retried")
}

func TestRender_ClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "unknown document id", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", 5*time.Second)
	_, err := c.Render(context.Background(), RenderRequest{CaseExternalID: "PA-1"})
	require.Error(t, err)

	var re *RenderError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusBadRequest, re.StatusCode)
	assert.False(t, re.Retryable())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "a 4xx must not be retried")
}

func TestRender_SignsBearerToken(t *testing.T) {
	const secret = "letter-shared-secret"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		require.True(t, strings.HasPrefix(auth, "Bearer "))

		token, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(t *jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithAudience("letter-renderer"))
		require.NoError(t, err)
		require.True(t, token.Valid)

		iss, err := token.Claims.GetIssuer()
		require.NoError(t, err)
		assert.Equal(t, "caseflow-worker", iss)

		renderOK(t, w)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, secret, 5*time.Second)
	_, err := c.Render(context.Background(), RenderRequest{CaseExternalID: "PA-1"})
	require.NoError(t, err)
}

func TestRender_RejectsMissingCaseID(t *testing.T) {
	c := NewClient("http://localhost:0", "secret", time.Second)
	_, err := c.Render(context.Background(), RenderRequest{})
	assert.Error(t, err)
}
