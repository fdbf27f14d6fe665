package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgquorum/quorum/adapters"
	"github.com/imgquorum/quorum/consensus"
	"github.com/imgquorum/quorum/persist"
	"github.com/imgquorum/quorum/pipeline"
	"github.com/imgquorum/quorum/review"
	"github.com/imgquorum/quorum/util/cliutil"
	"github.com/imgquorum/quorum/verdict"
)

type staticAdapter struct {
	name  string
	label string
	score float64
}

func (a *staticAdapter) Name() string { return a.name }

func (a *staticAdapter) Analyze(ctx context.Context, image []byte, uctx verdict.UploadContext, opts adapters.Options) (*verdict.ModelResult, error) {
	return &verdict.ModelResult{
		ModelName: a.name,
		Labels:    []verdict.ModelLabel{{Label: a.label, Score: a.score}},
	}, nil
}

func testService(t *testing.T) *Service {
	db, err := cliutil.SetupDatabase("sqlite://:memory:", 1)
	require.NoError(t, err)
	store := persist.NewGormStore(db, nil, nil)
	require.NoError(t, store.Migrate())

	tracker, err := consensus.NewTracker(consensus.DefaultTrackerConfig(), nil)
	require.NoError(t, err)
	engine := consensus.NewEngine(tracker, consensus.DefaultConfig(), 16, nil)
	sched := review.NewScheduler(review.DefaultRoster(), nil)

	adps := []adapters.Adapter{
		&staticAdapter{name: adapters.VisionModelName, label: "violence_graphic", score: 0.8},
		&staticAdapter{name: adapters.ReasoningModelName, label: "violence_graphic", score: 0.85},
		&staticAdapter{name: adapters.TextModelName, label: "violence_graphic", score: 0.8},
	}
	p := pipeline.NewPipeline(adps, engine, sched, store, pipeline.DefaultConfig(), nil)
	return &Service{
		Pipeline:  p,
		Engine:    engine,
		Tracker:   tracker,
		Scheduler: sched,
		Store:     store,
	}
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, out any) int {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

// The echo prometheus middleware registers global collectors, so a single server is exercised end to end.
func TestHandlersRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := testService(t)
	go svc.Engine.RunTracker(ctx)
	srv := NewServer(svc, "127.0.0.1:0", nil)

	var health GenericStatus
	assert.Equal(http.StatusOK, doJSON(t, srv, "GET", "/_health", nil, &health))
	assert.Equal("ok", health.Status)

	// empty body is rejected
	req := httptest.NewRequest("POST", "/api/images/img1/analyze", strings.NewReader(""))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest("POST", "/api/images/img1/analyze?filename=cat.jpg", bytes.NewReader([]byte{0xff, 0xd8, 0xff, 0xe0}))
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("X-Uploader-Id", "user-42")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(http.StatusOK, rec.Code)

	var out pipeline.Outcome
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(out.Success)
	assert.NotZero(out.PersistedID)
	require.NotNil(out.Consensus)
	assert.Equal("violence_graphic", out.Consensus.TopLabel)
	require.NotNil(out.Review)
	reviewID := out.Review.ReviewID

	var list ReviewList
	assert.Equal(http.StatusOK, doJSON(t, srv, "GET", "/api/reviews?limit=10", nil, &list))
	require.Len(list.Reviews, 1)
	assert.Equal(reviewID, list.Reviews[0].ReviewID)
	assert.Len(list.Reviewers, len(review.DefaultRoster()))

	assert.Equal(http.StatusBadRequest, doJSON(t, srv, "GET", "/api/reviews?priority=urgent", nil, nil))

	var escalated review.ReviewItem
	assert.Equal(http.StatusOK, doJSON(t, srv, "POST", "/api/reviews/"+reviewID+"/escalate", EscalateReviewRequest{Reason: "graphic"}, &escalated))
	assert.Equal(1, escalated.Escalations)
	assert.Equal(out.Review.Priority.Escalate(), escalated.Priority)

	assert.Equal(http.StatusBadRequest, doJSON(t, srv, "POST", "/api/reviews/"+reviewID+"/reassign", ReassignReviewRequest{ReviewerID: "nobody"}, nil))
	var reassigned review.ReviewItem
	assert.Equal(http.StatusOK, doJSON(t, srv, "POST", "/api/reviews/"+reviewID+"/reassign", ReassignReviewRequest{ReviewerID: "reviewer-4"}, &reassigned))
	assert.Equal("reviewer-4", reassigned.AssignedTo)

	assert.Equal(http.StatusBadRequest, doJSON(t, srv, "POST", "/api/reviews/"+reviewID+"/complete", CompleteReviewRequest{}, nil))
	assert.Equal(http.StatusOK, doJSON(t, srv, "POST", "/api/reviews/"+reviewID+"/complete", CompleteReviewRequest{Actor: "mod-1", Resolution: "removed"}, nil))
	assert.Equal(http.StatusNotFound, doJSON(t, srv, "POST", "/api/reviews/missing/complete", CompleteReviewRequest{Actor: "mod-1"}, nil))
	assert.Empty(svc.Scheduler.ListPending(review.Filter{}))

	assert.Equal(http.StatusNotFound, doJSON(t, srv, "POST", "/api/feedback", FeedbackRequest{ImageID: "unknown", CorrectAction: "allow"}, nil))
	// tracker consumes analysis events asynchronously
	assert.Eventually(func() bool {
		return doJSON(t, srv, "POST", "/api/feedback", FeedbackRequest{ImageID: "img1", GroundTruth: "violence_graphic"}, nil) == http.StatusOK
	}, time.Second, 10*time.Millisecond)

	var perf map[string]consensus.ModelPerformance
	assert.Equal(http.StatusOK, doJSON(t, srv, "GET", "/api/models/performance", nil, &perf))
	assert.Equal(int64(1), perf[adapters.VisionModelName].TotalAnalyses)

	var weights consensus.Weights
	assert.Equal(http.StatusOK, doJSON(t, srv, "GET", "/api/models/weights", nil, &weights))
	var sum float64
	for _, w := range weights {
		sum += w
	}
	assert.InDelta(1.0, sum, 1e-6)

	assert.Equal(http.StatusOK, doJSON(t, srv, "POST", "/api/models/reset", nil, nil))
	assert.Equal(http.StatusOK, doJSON(t, srv, "GET", "/api/models/performance", nil, &perf))
	assert.Equal(int64(0), perf[adapters.VisionModelName].TotalAnalyses)
}
