package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/retopic/cfg"
	"github.com/maxpert/retopic/topic"
)

func setupTestAPI(t *testing.T) (*topic.Client, http.Handler) {
	t.Helper()
	original := cfg.Config
	conf := cfg.Configuration{
		NodeID:           1,
		DataDir:          t.TempDir(),
		PublisherAddress: "admin-test",
		Defaults: cfg.TopicConfiguration{
			Backend:        cfg.BackendMemory,
			Capacity:       100,
			OverloadPolicy: cfg.PolicyBlock,
			ReadBatchSize:  10,
			PollIntervalMS: 10,
		},
	}
	cfg.Config = &conf
	require.NoError(t, cfg.Validate())
	t.Cleanup(func() { cfg.Config = original })

	client, err := topic.NewClient()
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, NewRouter(NewHandlers(client))
}

func doRequest(t *testing.T, handler http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestListTopics(t *testing.T) {
	client, router := setupTestAPI(t)

	rec := doRequest(t, router, http.MethodGet, "/topics")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []topic.TopicStats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Data)

	tp, err := client.GetTopic("orders")
	require.NoError(t, err)
	_, err = tp.Publish(context.Background(), []byte("one")).Get()
	require.NoError(t, err)

	rec = doRequest(t, router, http.MethodGet, "/topics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "orders", body.Data[0].Name)
	assert.Equal(t, int64(1), body.Data[0].Size)
}

func TestTopicStats(t *testing.T) {
	client, router := setupTestAPI(t)

	// The admin API never creates topics as a side effect.
	rec := doRequest(t, router, http.MethodGet, "/topics/ghost/")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	_, ok := client.Topic("ghost")
	assert.False(t, ok)

	tp, err := client.GetTopic("orders")
	require.NoError(t, err)
	_, err = tp.Publish(context.Background(), []byte("one")).Get()
	require.NoError(t, err)

	rec = doRequest(t, router, http.MethodGet, "/topics/orders/")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data topic.TopicStats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "orders", body.Data.Name)
	assert.Equal(t, int64(100), body.Data.Capacity)
	assert.Equal(t, int64(0), body.Data.HeadSequence)
	assert.Equal(t, int64(0), body.Data.TailSequence)
}

func TestTopicListeners(t *testing.T) {
	client, router := setupTestAPI(t)

	tp, err := client.GetTopic("orders")
	require.NoError(t, err)
	regID, err := tp.AddListener(func(*topic.Message) {})
	require.NoError(t, err)

	rec := doRequest(t, router, http.MethodGet, "/topics/orders/listeners")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []topic.ListenerInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, regID, body.Data[0].ID)
}

func TestRemoveListener(t *testing.T) {
	client, router := setupTestAPI(t)

	tp, err := client.GetTopic("orders")
	require.NoError(t, err)
	regID, err := tp.AddListener(func(*topic.Message) {})
	require.NoError(t, err)

	rec := doRequest(t, router, http.MethodDelete, "/topics/orders/listeners/"+regID)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Second delete of the same registration is a 404.
	rec = doRequest(t, router, http.MethodDelete, "/topics/orders/listeners/"+regID)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, router, http.MethodDelete, "/topics/missing/listeners/"+regID)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
