package rotclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_PostsRequestAndReturnsExecutionUUID(t *testing.T) {
	var gotReq SchedulingRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/rot/execution", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "alice", user)
		assert.Equal(t, "secret", pass)

		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(SubmitResponse{ExecutionUUID: "exec-1"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "alice", "secret")
	out, err := c.Submit(context.Background(), SchedulingRequest{
		Kind:   "Deployment",
		Plugin: PluginSimpleMatch,
	})
	require.NoError(t, err)
	assert.Equal(t, "exec-1", out.ExecutionUUID)
	assert.Equal(t, PluginSimpleMatch, gotReq.Plugin)
}

func TestSubmit_NonSuccessStatusWrapsAsCollaboratorUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "")
	_, err := c.Submit(context.Background(), SchedulingRequest{Kind: "Deployment"})
	require.Error(t, err)
}

func TestDeliver_FeedsResultsChannel(t *testing.T) {
	c := NewHTTPClient("http://unused", "", "")
	c.Deliver(ExecutionResult{ExecutionUUID: "exec-2", Kind: EventExecutionCompleted})

	select {
	case res := <-c.Results():
		assert.Equal(t, "exec-2", res.ExecutionUUID)
	default:
		t.Fatal("expected a buffered result")
	}
}

func TestDeliver_DropsWhenChannelIsFull(t *testing.T) {
	c := NewHTTPClient("http://unused", "", "")
	for i := 0; i < 64; i++ {
		c.Deliver(ExecutionResult{ExecutionUUID: "fill"})
	}
	// channel is now full; this delivery must not block.
	c.Deliver(ExecutionResult{ExecutionUUID: "dropped"})
	assert.Len(t, c.Results(), 64)
}
