package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_core/internal/domain"
)

func TestHTTPSource_Quote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"symbol":"AAPL","price":"187.25","volume":"1200","timestamp":1700000000000}`))
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, time.Second, nil)
	tick, err := src.Quote(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.True(t, tick.Price.Equal(decimal.RequireFromString("187.25")))
	assert.True(t, tick.Volume.Equal(decimal.NewFromInt(1200)))
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), tick.Timestamp)
}

func TestHTTPSource_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"price":42}`))
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, time.Second, nil).WithRetry(3, time.Millisecond)
	tick, err := src.Quote(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
	assert.True(t, tick.Price.Equal(decimal.NewFromInt(42)))
	assert.Equal(t, "MSFT", tick.Symbol)
}

func TestHTTPSource_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, time.Second, nil).WithRetry(3, time.Millisecond)
	_, err := src.Quote(context.Background(), "NOPE")
	require.Error(t, err)
	assert.False(t, domain.IsRetriable(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestHTTPSource_RejectsBadPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"price":"0"}`))
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, time.Second, nil).WithRetry(1, time.Millisecond)
	_, err := src.Quote(context.Background(), "AAPL")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-positive price")
}
