package policyengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayEvaluateParsesAllowResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in wireInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "read", in.Input.Action)

		var out wireOutput
		out.Result.Allow = true
		out.Result.Reasons = []string{"matched policy p1"}
		out.Result.MatchedPolicies = []string{"p1"}
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	g := New(srv.URL, time.Second)
	result, err := g.Evaluate(context.Background(), Request{
		Principal: map[string]any{"id": "u1"},
		Action:    "read",
		Resource:  map[string]any{"type": "document"},
	})
	require.NoError(t, err)
	assert.True(t, result.Allow)
	assert.Equal(t, []string{"p1"}, result.MatchedPolicies)
}

func TestGatewayEvaluateRetriesTransientServerErrors(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var out wireOutput
		out.Result.Allow = true
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	g := New(srv.URL, time.Second)
	result, err := g.Evaluate(context.Background(), Request{Action: "read"})
	require.NoError(t, err)
	assert.True(t, result.Allow)
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestGatewayEvaluateFailsClosedAfterExhaustingRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := New(srv.URL, time.Second)
	_, err := g.Evaluate(context.Background(), Request{Action: "read"})
	require.Error(t, err)
}

func TestGatewayEvaluateShortCircuitsWhenBreakerOpen(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := New(srv.URL, time.Second)
	g.breaker = NewBreaker(1, 10*time.Second, time.Minute)

	_, err := g.Evaluate(context.Background(), Request{Action: "read"})
	require.Error(t, err)
	firstCallCount := atomic.LoadInt32(&calls)
	assert.Greater(t, firstCallCount, int32(0))

	_, err = g.Evaluate(context.Background(), Request{Action: "read"})
	require.Error(t, err)
	assert.Equal(t, firstCallCount, atomic.LoadInt32(&calls), "breaker should prevent any further network calls")
	assert.Equal(t, "open", g.BreakerState())
}
