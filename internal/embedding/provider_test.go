package embedding

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/apierror"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *GatewayClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewGatewayClient(GatewayConfig{
		APIKey:            "test-key",
		BaseURL:           server.URL,
		Timeout:           2 * time.Second,
		RequestsPerSecond: 1000,
	})
}

func TestEmbedSuccess(t *testing.T) {
	client := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}],"model":"m-1"}`))
	})

	result, err := client.Embed(context.Background(), "m-1", "hello")
	require.NoError(t, err)
	assert.Len(t, result.Vector, 3)
	assert.InDelta(t, 0.2, result.Vector[1], 1e-6)
	assert.Equal(t, "m-1", result.Model)
}

func TestEmbedErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		retryable bool
		code      string
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, true, "RATE_LIMITED"},
		{"upstream error", http.StatusBadGateway, "bad gateway", true, "UPSTREAM_ERROR"},
		{"rejected", http.StatusBadRequest, `{"error":"bad model"}`, false, "REQUEST_REJECTED"},
		{"malformed body", http.StatusOK, `{"data": [`, true, "MALFORMED_RESPONSE"},
		{"empty vector", http.StatusOK, `{"data":[]}`, true, "MALFORMED_RESPONSE"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestGateway(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})

			_, err := client.Embed(context.Background(), "m-1", "hello")
			require.Error(t, err)
			assert.Equal(t, tc.retryable, IsRetryable(err))
			assert.Equal(t, tc.code, ErrorCode(err))
		})
	}
}

func TestEmbedNetworkErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewGatewayClient(GatewayConfig{BaseURL: url, Timeout: time.Second, RequestsPerSecond: 1000})
	_, err := client.Embed(context.Background(), "m-1", "hello")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, "NETWORK_ERROR", ErrorCode(err))
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	client := newTestGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := client.Embed(ctx, "m-1", "x")
		require.Error(t, err)
	}

	_, err := client.Embed(ctx, "m-1", "x")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	// An open circuit is a transient condition for the queue.
	assert.True(t, IsRetryable(err))
	assert.Equal(t, "CIRCUIT_OPEN", ErrorCode(err))
}

type fakeCatalog struct {
	models  []ModelInfo
	err     error
	fetches int
}

func (f *fakeCatalog) ListModels(_ context.Context) ([]ModelInfo, error) {
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	return f.models, nil
}

func TestResolvePriorityChain(t *testing.T) {
	source := &fakeCatalog{models: []ModelInfo{{ID: "req"}, {ID: "proj"}, {ID: "ws"}, {ID: "sys"}}}
	catalog := NewModelCatalog(source)
	ctx := context.Background()

	model, err := catalog.Resolve(ctx, ModelSelection{Request: "req", Project: "proj"}, "sys", nil)
	require.NoError(t, err)
	assert.Equal(t, "req", model)

	model, err = catalog.Resolve(ctx, ModelSelection{Project: "proj", WorkspaceDefault: "ws"}, "sys", nil)
	require.NoError(t, err)
	assert.Equal(t, "proj", model)

	model, err = catalog.Resolve(ctx, ModelSelection{}, "sys", nil)
	require.NoError(t, err)
	assert.Equal(t, "sys", model)
}

func TestResolveRejections(t *testing.T) {
	source := &fakeCatalog{models: []ModelInfo{{ID: "known"}}}
	catalog := NewModelCatalog(source)
	ctx := context.Background()

	_, err := catalog.Resolve(ctx, ModelSelection{Request: "mystery"}, "sys", nil)
	var apiErr *apierror.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierror.CodeUnsupportedEmbeddingModel, apiErr.Code)

	_, err = catalog.Resolve(ctx, ModelSelection{Request: "known"}, "", []string{"other"})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierror.CodeEmbeddingModelNotAllowed, apiErr.Code)

	failing := NewModelCatalog(&fakeCatalog{err: &ProviderError{Code: "NETWORK_ERROR", Message: "down", Retryable: true}})
	_, err = failing.Resolve(ctx, ModelSelection{Request: "known"}, "", nil)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierror.CodeModelCatalogFetchFailed, apiErr.Code)
}

func TestCatalogCaching(t *testing.T) {
	source := &fakeCatalog{models: []ModelInfo{{ID: "m"}}}
	catalog := NewModelCatalog(source)
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	catalog.now = clock.Now
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := catalog.Resolve(ctx, ModelSelection{Request: "m"}, "", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, source.fetches)

	clock.Advance(2 * time.Minute)
	_, err := catalog.Resolve(ctx, ModelSelection{Request: "m"}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, source.fetches)

	// A fetch failure after a good fetch serves the stale catalog.
	source.err = &ProviderError{Code: "NETWORK_ERROR", Message: "down", Retryable: true}
	clock.Advance(2 * time.Minute)
	_, err = catalog.Resolve(ctx, ModelSelection{Request: "m"}, "", nil)
	require.NoError(t, err)
}
