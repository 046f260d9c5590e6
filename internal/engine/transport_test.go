package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/shehryarbajwa/browserpilot/internal/errors"
)

func TestTransportClassifiesFailures(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		unavailable bool
		rejected    bool
	}{
		{"bad request", http.StatusBadRequest, false, true},
		{"unprocessable", http.StatusUnprocessableEntity, false, true},
		{"throttled", http.StatusTooManyRequests, true, false},
		{"server error", http.StatusBadGateway, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			tr := NewTransport("test", srv.URL+"/", srv.Client(), nil)
			err := AsRejection(tr.Do(context.Background(), "op", http.MethodPost, "/x", map[string]string{"a": "b"}, nil))
			require.Error(t, err)
			assert.Equal(t, tt.unavailable, apperrors.Is(err, apperrors.ErrEngineUnavailable))
			assert.Equal(t, tt.rejected, apperrors.Is(err, apperrors.ErrSubmissionRejected))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestTransportUnreachableAndTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	tr := NewTransport("test", srv.URL, srv.Client(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := tr.Do(ctx, "op", http.MethodGet, "/slow", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, apperrors.Is(err, apperrors.ErrEngineUnavailable))

	closed := NewTransport("test", "http://127.0.0.1:1", nil, nil)
	err = closed.Do(context.Background(), "op", http.MethodGet, "/", nil, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrEngineUnavailable))
}

func TestTransportDecodesAndSendsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"id":"abc"}`))
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer k")
	tr := NewTransport("test", srv.URL, srv.Client(), header)

	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, tr.Do(context.Background(), "op", http.MethodPost, "/", struct{}{}, &out))
	assert.Equal(t, "abc", out.ID)
}

type routedEngine struct {
	TaskEngine
	name string
}

func (n routedEngine) Name() string { return n.name }

func TestRegistryRouting(t *testing.T) {
	_, err := NewRegistry("missing", routedEngine{name: "a"})
	require.Error(t, err)

	r, err := NewRegistry("a", routedEngine{name: "b"}, routedEngine{name: "a"})
	require.NoError(t, err)

	assert.Equal(t, "b", r.Route("b").Name())
	assert.Equal(t, "a", r.Route("unknown").Name())
	assert.Equal(t, "a", r.Route("").Name())

	_, err = r.Get("unknown")
	require.Error(t, err)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Name())
}
