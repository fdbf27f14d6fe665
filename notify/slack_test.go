package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/imgquorum/quorum/verdict"
)

func TestSlackNotifier(t *testing.T) {
	assert := assert.New(t)

	var got SlackWebhookBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("application/json", r.Header.Get("Content-Type"))
		assert.NoError(json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	n := SlackNotifier{SlackWebhookURL: srv.URL}
	err := n.NotifyReview(context.Background(), ReviewNotice{
		ImageID:    "img1",
		ReviewID:   "rev1",
		Priority:   verdict.PriorityCritical,
		AssignedTo: "reviewer-1",
		TopLabel:   "child_exposed",
		Action:     "escalate",
		Reasons:    []string{"sensitivity rule"},
	})
	assert.NoError(err)
	assert.Contains(got.Text, "critical priority")
	assert.Contains(got.Text, "`img1`")
	assert.Contains(got.Text, "child_exposed")

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer bad.Close()
	n.SlackWebhookURL = bad.URL
	assert.Error(n.NotifyReview(context.Background(), ReviewNotice{ImageID: "img1"}))
}
