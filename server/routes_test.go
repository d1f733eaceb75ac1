package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vattention/vattention/api"
	"github.com/vattention/vattention/kvcache"
	"github.com/vattention/vattention/ml"
	"github.com/vattention/vattention/runner"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	dev, err := ml.NewDevice("mock", ml.DeviceParams{Capacity: 1 << 20})
	require.NoError(t, err)

	cache := kvcache.NewCache(kvcache.Config{
		NumLayers:        1,
		NumKVHeads:       1,
		HeadSize:         4,
		DType:            ml.DTypeF16,
		PageSize:         4096,
		MaxBatchSize:     2,
		MaxContextLength: 2048,
	})
	_, err = cache.Init(dev)
	require.NoError(t, err)

	_, err = cache.ReservePages(64 * 4096)
	require.NoError(t, err)

	s := &Server{runner: runner.New(cache), device: "mock"}
	t.Cleanup(func() { s.runner.Close() })
	return s
}

func doRequest(t *testing.T, s *Server, method, path string, body, out any) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}

	req, err := http.NewRequest(method, path, &reqBody)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	s.GenerateRoutes().ServeHTTP(w, req)

	if out != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w
}

func TestVersionHandler(t *testing.T) {
	s := newTestServer(t)

	var resp api.VersionResponse
	w := doRequest(t, s, http.MethodGet, "/api/version", nil, &resp)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, resp.Version)
}

func TestAdmitStepRelease(t *testing.T) {
	s := newTestServer(t)

	// 512 tokens at 8 bytes each is exactly one page per region.
	var admit api.AdmitResponse
	w := doRequest(t, s, http.MethodPost, "/api/requests", &api.AdmitRequest{Prefill: 512}, &admit)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 0, admit.Slot)
	require.NotEmpty(t, admit.ID)

	var state api.StateResponse
	w = doRequest(t, s, http.MethodGet, "/api/state", nil, &state)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 64, state.TotalPages)
	assert.Equal(t, 2, state.MappedPages)
	assert.Equal(t, 62, state.FreePages)
	require.Len(t, state.Sequences, 1)
	assert.Equal(t, int32(512), state.Sequences[0].Length)

	// one decode token crosses into a second page step
	var step api.StepResponse
	w = doRequest(t, s, http.MethodPost, "/api/step", &api.StepRequest{
		Lengths: map[string]int32{admit.ID: 513},
	}, &step)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, step.Completed)

	w = doRequest(t, s, http.MethodGet, "/api/state", nil, &state)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 4, state.MappedPages)

	w = doRequest(t, s, http.MethodDelete, "/api/requests/"+admit.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodGet, "/api/state", nil, &state)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, state.MappedPages)
	assert.Equal(t, 64, state.FreePages)
}

func TestStepAdvancesAllWhenNoLengths(t *testing.T) {
	s := newTestServer(t)

	var admit api.AdmitResponse
	w := doRequest(t, s, http.MethodPost, "/api/requests", &api.AdmitRequest{Prefill: 511, NumPredict: 1}, &admit)
	require.Equal(t, http.StatusOK, w.Code)

	var step api.StepResponse
	w = doRequest(t, s, http.MethodPost, "/api/step", nil, &step)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{admit.ID}, step.Completed)
}

func TestAdmitValidation(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/requests", &api.AdmitRequest{Prefill: 0}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// longer than the configured context
	w = doRequest(t, s, http.MethodPost, "/api/requests", &api.AdmitRequest{Prefill: 4096}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReleaseUnknownSequence(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodDelete, "/api/requests/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStepUnknownSequence(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/step", &api.StepRequest{
		Lengths: map[string]int32{"nope": 1},
	}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFreeBlocksHandler(t *testing.T) {
	s := newTestServer(t)

	var free api.FreeBlocksResponse
	w := doRequest(t, s, http.MethodGet, "/api/free", nil, &free)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 64, free.FreeBlocks)

	var admit api.AdmitResponse
	w = doRequest(t, s, http.MethodPost, "/api/requests", &api.AdmitRequest{Prefill: 512}, &admit)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodGet, "/api/free", nil, &free)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 62, free.FreeBlocks)
}
