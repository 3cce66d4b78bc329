package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotify(t *testing.T) {
	var got map[string]string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	n := &WebhookNotifier{WebhookURL: ts.URL}

	err := n.Notify(context.Background(), "batch complete: 3 succeeded, 0 failed")
	require.NoError(t, err)
	assert.Equal(t, "batch complete: 3 succeeded, 0 failed", got["content"])
}

func TestNotify_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	n := &WebhookNotifier{WebhookURL: ts.URL}

	err := n.Notify(context.Background(), "hi")
	assert.ErrorContains(t, err, "status 500")
}

func TestNotify_MissingURL(t *testing.T) {
	n := &WebhookNotifier{}

	err := n.Notify(context.Background(), "hi")
	assert.Error(t, err)
}
