package apiserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casarerpa/core/internal/engine/emit"
	"github.com/casarerpa/core/internal/fleet"
	"github.com/casarerpa/core/internal/queue"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	_, handler := New(Deps{
		Store:     queue.NewMemoryStore(),
		Overrides: queue.NewMemoryOverrideStore(),
		Quotas:    queue.NewMemoryQuotaHolder(),
		Robots:    fleet.NewMemoryRegistry(),
		Buses:     emit.NewRegistry(),
	})
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	s, _ := New(Deps{
		Store:     queue.NewMemoryStore(),
		Overrides: queue.NewMemoryOverrideStore(),
		Quotas:    queue.NewMemoryQuotaHolder(),
		Robots:    fleet.NewMemoryRegistry(),
		Buses:     emit.NewRegistry(),
	})
	return s, ts
}

func TestCreateAndGetJob(t *testing.T) {
	_, ts := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"workflow_id": "wf-1",
		"inputs":      map[string]any{"x": 1.0},
		"priority":    5,
	})
	resp, err := http.Post(ts.URL+"/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created jobResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, queue.StateQueued, created.State)
	assert.Equal(t, "wf-1", created.WorkflowID)

	getResp, err := http.Get(ts.URL + "/jobs/" + created.JobID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var fetched jobResponse
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&fetched))
	assert.Equal(t, created.JobID, fetched.JobID)
}

func TestGetJobNotFound(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/jobs/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateJobRequiresWorkflowIDOrBlob(t *testing.T) {
	_, ts := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"inputs": map[string]any{}})
	resp, err := http.Post(ts.URL+"/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelJobThenCancelAgainConflicts(t *testing.T) {
	_, ts := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"workflow_id": "wf-1"})
	resp, err := http.Post(ts.URL+"/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var created jobResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	cancelResp, err := http.Post(ts.URL+"/jobs/"+created.JobID+"/cancel", "", nil)
	require.NoError(t, err)
	cancelResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, cancelResp.StatusCode)

	cancelAgain, err := http.Post(ts.URL+"/jobs/"+created.JobID+"/cancel", "", nil)
	require.NoError(t, err)
	defer cancelAgain.Body.Close()
	assert.Equal(t, http.StatusConflict, cancelAgain.StatusCode)
}

func TestListRobotsEmpty(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/robots")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var robots []robotResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&robots))
	assert.Empty(t, robots)
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthenticationRequiredWhenAPIKeysConfigured(t *testing.T) {
	apiKeys := fleet.NewMemoryAPIKeyStore()
	_, handler := New(Deps{
		Store:   queue.NewMemoryStore(),
		Robots:  fleet.NewMemoryRegistry(),
		APIKeys: apiKeys,
		Buses:   emit.NewRegistry(),
	})
	ts := httptest.NewServer(handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/robots")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPutAndListOverrides(t *testing.T) {
	_, ts := newTestServer(t)
	client := &http.Client{}

	body, _ := json.Marshal(map[string]any{"disabled": true})
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/workflows/wf-1/overrides/node-1", bytes.NewReader(body))
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	listResp, err := http.Get(ts.URL + "/workflows/wf-1/overrides")
	require.NoError(t, err)
	defer listResp.Body.Close()
	assert.Equal(t, http.StatusOK, listResp.StatusCode)
}
