package assetproxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func statusClient(status int, calls *atomic.Int32) *http.Client {
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls != nil {
			calls.Add(1)
		}
		return &http.Response{
			StatusCode: status,
			Header:     http.Header{"Content-Type": []string{"text/plain"}},
			Body:       io.NopCloser(strings.NewReader(http.StatusText(status))),
			Request:    r,
		}, nil
	})}
}

func mustOrigin(t *testing.T, raw string) OriginAddress {
	t.Helper()
	o, err := ParseOrigin(raw)
	require.NoError(t, err)
	return o
}

func TestClientChainFallsBackOnlyOnBadRequest(t *testing.T) {
	var first, second atomic.Int32
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	chain, err := NewClientChain([]ChainClient{
		{Name: "extended-trust", HTTP: statusClient(http.StatusBadRequest, &first)},
		{Name: "strict", HTTP: statusClient(http.StatusOK, &second)},
	}, 0, discardLogger(), metrics)
	require.NoError(t, err)

	resp, err := chain.Fetch(context.Background(), mustOrigin(t, "https://cdn.example/a.png"), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "strict", resp.Client)
	assert.Equal(t, "OK", string(resp.Body))
	assert.EqualValues(t, 1, first.Load())
	assert.EqualValues(t, 1, second.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.fetchAttempts.WithLabelValues("extended-trust", "400")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.fetchAttempts.WithLabelValues("strict", "200")))
}

func TestClientChainExhausted(t *testing.T) {
	chain, err := NewClientChain([]ChainClient{
		{Name: "a", HTTP: statusClient(http.StatusBadRequest, nil)},
		{Name: "b", HTTP: statusClient(http.StatusBadRequest, nil)},
	}, 0, discardLogger(), nil)
	require.NoError(t, err)

	_, err = chain.Fetch(context.Background(), mustOrigin(t, "https://cdn.example/a.png"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChainExhausted)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "b", se.Client)
	assert.Equal(t, http.StatusBadRequest, se.Status)
}

func TestClientChainDoesNotRetryOtherStatuses(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusInternalServerError, http.StatusForbidden} {
		var second atomic.Int32
		chain, err := NewClientChain([]ChainClient{
			{Name: "a", HTTP: statusClient(status, nil)},
			{Name: "b", HTTP: statusClient(http.StatusOK, &second)},
		}, 0, discardLogger(), nil)
		require.NoError(t, err)

		resp, err := chain.Fetch(context.Background(), mustOrigin(t, "https://cdn.example/a.png"), nil)
		require.NoError(t, err)
		assert.Equal(t, status, resp.Status)
		assert.EqualValues(t, 0, second.Load(), "status %d", status)
	}
}

func TestClientChainTransportErrorStopsChain(t *testing.T) {
	boom := errors.New("connection reset")
	var second atomic.Int32
	chain, err := NewClientChain([]ChainClient{
		{Name: "a", HTTP: &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) { return nil, boom })}},
		{Name: "b", HTTP: statusClient(http.StatusOK, &second)},
	}, 0, discardLogger(), nil)
	require.NoError(t, err)

	_, err = chain.Fetch(context.Background(), mustOrigin(t, "https://cdn.example/a.png"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 0, second.Load())
}

func TestClientChainReturnsRedirectsUnfollowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusMovedPermanently)
			return
		}
		_, _ = io.WriteString(w, "new")
	}))
	defer srv.Close()

	chain, err := NewClientChain([]ChainClient{{Name: "default", HTTP: srv.Client()}}, 0, discardLogger(), nil)
	require.NoError(t, err)

	resp, err := chain.Fetch(context.Background(), mustOrigin(t, srv.URL+"/old"), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusMovedPermanently, resp.Status)
	assert.Equal(t, "/new", resp.Header.Get("Location"))
}

func TestClientChainRequestHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	chain, err := NewClientChain([]ChainClient{{Name: "default", HTTP: srv.Client()}}, 0, discardLogger(), nil)
	require.NoError(t, err)

	h := http.Header{}
	h.Set("Cookie", "sid=1")
	h.Set("User-Agent", "agent/2")
	h.Set("Authorization", "Bearer secret")
	resp, err := chain.Fetch(context.Background(), mustOrigin(t, srv.URL+"/x"), h)
	require.NoError(t, err)
	assert.Nil(t, resp.Body, "an empty body is reported as nil")

	assert.Equal(t, "sid=1", got.Get("Cookie"))
	assert.Equal(t, "agent/2", got.Get("User-Agent"))
	assert.Equal(t, "identity", got.Get("Accept-Encoding"))
	assert.Empty(t, got.Get("Authorization"))
}

func TestClientChainBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", 2048))
	}))
	defer srv.Close()

	chain, err := NewClientChain([]ChainClient{{Name: "default", HTTP: srv.Client()}}, 1024, discardLogger(), nil)
	require.NoError(t, err)
	_, err = chain.Fetch(context.Background(), mustOrigin(t, srv.URL+"/big"), nil)
	assert.ErrorIs(t, err, ErrBodyTooLarge)

	chain, err = NewClientChain([]ChainClient{{Name: "default", HTTP: srv.Client()}}, 2048, discardLogger(), nil)
	require.NoError(t, err)
	resp, err := chain.Fetch(context.Background(), mustOrigin(t, srv.URL+"/big"), nil)
	require.NoError(t, err)
	assert.Len(t, resp.Body, 2048)
}

func TestNewClientChainValidation(t *testing.T) {
	_, err := NewClientChain(nil, 0, nil, nil)
	assert.Error(t, err)

	_, err = NewClientChain([]ChainClient{{Name: "x"}}, 0, nil, nil)
	assert.Error(t, err)
}

func TestNewChainClientsFromConfig(t *testing.T) {
	clients, err := newChainClients(defaultClients())
	require.NoError(t, err)
	require.Len(t, clients, 2)
	assert.Equal(t, "extended-trust", clients[0].Name)
	assert.Equal(t, "strict", clients[1].Name)

	_, err = newChainClients([]ClientConfig{{Name: "custom", CAFile: "/nonexistent/ca.pem"}})
	assert.Error(t, err)
}
