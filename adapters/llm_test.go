package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voxrelay/gateway/internal/gwerr"
	"github.com/voxrelay/gateway/memory"
)

func newTestLLMAdapter(t *testing.T, handler http.HandlerFunc) *LLMAdapter {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := DefaultLLMConfig()
	cfg.BaseURL = srv.URL
	return NewLLMAdapter(cfg, zap.NewNop())
}

func TestLLMAdapter_CompleteReturnsReplyText(t *testing.T) {
	var gotReq llmRequest
	a := newTestLLMAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		assert.Equal(t, "you are helpful", gotReq.System)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(llmResponse{Content: []llmContentBlock{{Type: "text", Text: "Hi there."}}})
	})

	turns := []memory.Turn{
		{Role: memory.RoleSystem, Content: "you are helpful"},
		{Role: memory.RoleUser, Content: "hello"},
	}
	reply, err := a.Complete(context.Background(), turns)
	require.NoError(t, err)
	assert.Equal(t, "Hi there.", reply)
}

func TestLLMAdapter_ServerErrorMapsToProviderRejectedRetryable(t *testing.T) {
	a := newTestLLMAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := a.Complete(context.Background(), []memory.Turn{{Role: memory.RoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.Equal(t, gwerr.ProviderRejected, gwerr.KindOf(err))
	assert.True(t, gwerr.IsRetryable(err))
}

func TestLLMAdapter_BadRequestMapsToProviderRejectedNonRetryable(t *testing.T) {
	a := newTestLLMAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"bad model"}}`))
	})

	_, err := a.Complete(context.Background(), []memory.Turn{{Role: memory.RoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.Equal(t, gwerr.ProviderRejected, gwerr.KindOf(err))
	assert.False(t, gwerr.IsRetryable(err))
	assert.Contains(t, err.Error(), "bad model")
}
