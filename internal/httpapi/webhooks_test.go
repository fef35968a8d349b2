package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fluxbpm/engine/internal/msgqueue"
)

func newWebhookServer(t *testing.T, limit float64, burst int) (*httptest.Server, *msgqueue.Queue) {
	t.Helper()
	q := msgqueue.New(zap.NewNop(), 0)
	mux := http.NewServeMux()
	NewWebhookHandler(q, limit, burst, zap.NewNop()).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, q
}

func TestWebhookIngestPathParams(t *testing.T) {
	srv, q := newWebhookServer(t, 0, 0)

	resp, err := http.Post(srv.URL+"/webhooks/PaymentReceived/order-1", "application/json",
		strings.NewReader(`{"amount": 42}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out ingestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "received", out.Status)
	assert.False(t, out.Delivered, "nothing is waiting, so the message queues")
	assert.Equal(t, "PaymentReceived", out.MessageRef)
	assert.Equal(t, "order-1", out.CorrelationKey)

	msgs := q.QueuedMessages("order-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, 42.0, msgs[0].Payload["amount"])
}

func TestWebhookIngestEmptyBody(t *testing.T) {
	srv, q := newWebhookServer(t, 0, 0)

	resp, err := http.Post(srv.URL+"/webhooks/Ping/k1", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, q.QueuedMessages("k1"), 1)
}

func TestWebhookIngestBadJSON(t *testing.T) {
	srv, _ := newWebhookServer(t, 0, 0)

	resp, err := http.Post(srv.URL+"/webhooks/Ping/k1", "application/json",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookMessageBody(t *testing.T) {
	srv, q := newWebhookServer(t, 0, 0)

	resp, err := http.Post(srv.URL+"/webhooks/message", "application/json",
		strings.NewReader(`{"messageRef":"OrderShipped","correlationKey":"order-9","payload":{"carrier":"dhl"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	msgs := q.QueuedMessages("order-9")
	require.Len(t, msgs, 1)
	assert.Equal(t, "OrderShipped", msgs[0].MessageRef)
	assert.Equal(t, "dhl", msgs[0].Payload["carrier"])

	// Missing required fields.
	resp, err = http.Post(srv.URL+"/webhooks/message", "application/json",
		strings.NewReader(`{"payload":{}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookApprovalLinks(t *testing.T) {
	srv, q := newWebhookServer(t, 0, 0)

	resp, err := http.Get(srv.URL + "/webhooks/approve/ManagerApproval/req-1")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	msgs := q.QueuedMessages("req-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "approved", msgs[0].Payload["decision"])
	assert.Equal(t, true, msgs[0].Payload["approved"])

	resp, err = http.Get(srv.URL + "/webhooks/deny/ManagerApproval/req-2")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	msgs = q.QueuedMessages("req-2")
	require.Len(t, msgs, 1)
	assert.Equal(t, "denied", msgs[0].Payload["decision"])
	assert.Equal(t, false, msgs[0].Payload["approved"])
}

func TestWebhookQueueInspection(t *testing.T) {
	srv, q := newWebhookServer(t, 0, 0)
	q.Deliver("A", "k", map[string]any{"n": 1.0})
	q.Deliver("B", "k", map[string]any{"n": 2.0})

	resp, err := http.Get(srv.URL + "/webhooks/queue/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats msgqueue.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 2, stats.Queued)
	assert.Equal(t, []string{"k"}, stats.Keys)

	resp, err = http.Get(srv.URL + "/webhooks/queue/k")
	require.NoError(t, err)
	defer resp.Body.Close()
	var listing struct {
		CorrelationKey string            `json:"correlationKey"`
		Messages       []msgqueue.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	assert.Equal(t, "k", listing.CorrelationKey)
	require.Len(t, listing.Messages, 2)
	assert.Equal(t, "A", listing.Messages[0].MessageRef)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/webhooks/queue/k", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var cleared struct {
		Removed int `json:"removed"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cleared))
	assert.Equal(t, 2, cleared.Removed)
	assert.Empty(t, q.QueuedMessages("k"))
}

func TestWebhookRateLimit(t *testing.T) {
	srv, _ := newWebhookServer(t, 1, 2)

	var limited bool
	for i := 0; i < 10; i++ {
		resp, err := http.Post(srv.URL+"/webhooks/Ping/k", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "burst exhausted requests must be rejected")
}
