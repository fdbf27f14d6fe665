package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgquorum/quorum/util"
	"github.com/imgquorum/quorum/verdict"
)

// Serves a fixed chat completion whose message content is the given model text.
func providerStub(t *testing.T, status int, content string, hits *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req ChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 0.0, req.Temperature)

		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error": "nope"}`))
			return
		}
		env := map[string]any{
			"model": "provider-x",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(env)
	}))
}

func testClient(host string) *ChatClient {
	return NewChatClient(ChatClientConfig{
		Host:   host,
		APIKey: "test-key",
		Retry: util.RetryOptions{
			RetryMax:     1,
			RetryWaitMin: time.Millisecond,
			RetryWaitMax: 2 * time.Millisecond,
			Timeout:      5 * time.Second,
		},
	})
}

var testUpload = verdict.UploadContext{
	Filename:    "beach.png",
	ContentType: "image/png",
	Size:        4,
	UploaderID:  "user-1",
	Metadata:    map[string]string{"source": "mobile", "album": "summer"},
}

func TestVisionAdapter(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	content := `Here you go: {"labels": [{"label": "weapon", "score": 0.82, "region": {"x": 0.1, "y": 0.2, "width": 0.3, "height": 0.4}}, {"label": "violence", "score": 0.4}], "provenance": {"model": "vision-x", "version": "2024-06"}}`
	srv := providerStub(t, http.StatusOK, content, nil)
	defer srv.Close()

	a := NewSpecAdapter(VisionSpec, testClient(srv.URL), "provider-x", nil)
	assert.Equal(VisionModelName, a.Name())
	res, err := a.Analyze(context.Background(), []byte("\x89PNG"), testUpload, DefaultOptions())
	require.NoError(err)
	assert.Equal(VisionModelName, res.ModelName)
	assert.Equal("2024-06", res.ModelVersion)
	require.Len(res.Labels, 2)
	assert.Equal("weapon", res.TopLabel().Label)
	assert.NotNil(res.Labels[0].Region)
	assert.Equal(1, res.RawOutput[verdict.RawRegionCount])
	assert.False(res.IsError())
}

func TestReasoningAdapter(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	content := `{
		"scene_analysis": {"description": "a crowd at a protest", "objects": ["sign", "people"]},
		"contextual_analysis": {"intent": "documentary", "emotional_tone": "tense"},
		"risk_assessment": {"labels": [{"label": "violence", "score": 0.35}], "overall_risk": 0.3, "recommended_action": "monitor"},
		"reasoning_chain": [
			{"step": 1, "observation": "people holding signs", "conclusion": "gathering"},
			{"step": 2, "observation": "no weapons", "conclusion": "low risk"},
			{"step": 3, "observation": "news framing", "conclusion": "documentary"}
		],
		"provenance": {"model": "reasoner-x"}
	}`
	srv := providerStub(t, http.StatusOK, content, nil)
	defer srv.Close()

	a := NewSpecAdapter(ReasoningSpec, testClient(srv.URL), "provider-x", nil)
	res, err := a.Analyze(context.Background(), []byte("img"), testUpload, DefaultOptions())
	require.NoError(err)
	assert.Equal(3, res.ReasoningDepth())
	assert.Equal("documentary", res.RawOutput[verdict.RawIntent])
	assert.Equal("tense", res.RawOutput[verdict.RawEmotionalTone])
	assert.Equal("monitor", res.RawOutput[verdict.RawRecommendedAction])
	assert.Equal("1", res.ModelVersion)
	assert.Equal("violence", res.TopLabel().Label)
}

func TestTextAdapterEmptyLabels(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	srv := providerStub(t, http.StatusOK, `{"labels": [{"label": "safe", "score": 0.9}], "reasons": ["benign filename"], "provenance": {"model": "text-x"}}`, nil)
	defer srv.Close()

	a := NewSpecAdapter(TextSpec, testClient(srv.URL), "provider-x", nil)
	res, err := a.Analyze(context.Background(), nil, testUpload, DefaultOptions())
	require.NoError(err)
	assert.Equal("safe", res.TopLabel().Label)
	assert.Equal([]string{"benign filename"}, res.RawOutput[verdict.RawReasons])
}

func TestSchemaInvalidAndLenient(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	// score out of range
	srv := providerStub(t, http.StatusOK, `{"labels": [{"label": "weapon", "score": 1.5}], "provenance": {"model": "v"}}`, nil)
	defer srv.Close()

	a := NewSpecAdapter(VisionSpec, testClient(srv.URL), "provider-x", nil)
	_, err := a.Analyze(context.Background(), []byte("img"), testUpload, DefaultOptions())
	require.Error(err)
	var ae *AdapterError
	require.True(errors.As(err, &ae))
	assert.Equal(ReasonSchemaInvalid, ae.Reason)
	assert.Equal(VisionModelName, ae.Model)

	opts := DefaultOptions()
	opts.AllowLenientParse = true
	res, err := a.Analyze(context.Background(), []byte("img"), testUpload, opts)
	require.NoError(err)
	assert.True(res.Degraded)
	assert.True(res.IsError())
	assert.Equal("vision-classifier_failed", res.TopLabel().Label)
	assert.Equal(FallbackScore, res.TopLabel().Score)
}

func TestParseError(t *testing.T) {
	srv := providerStub(t, http.StatusOK, "I cannot help with that.", nil)
	defer srv.Close()

	a := NewSpecAdapter(TextSpec, testClient(srv.URL), "provider-x", nil)
	_, err := a.Analyze(context.Background(), nil, testUpload, DefaultOptions())
	assert.Equal(t, ReasonParseError, ReasonOf(err))
}

func TestTransportErrors(t *testing.T) {
	assert := assert.New(t)

	// client errors are not retried
	var hits int32
	srv := providerStub(t, http.StatusBadRequest, "", &hits)
	a := NewSpecAdapter(VisionSpec, testClient(srv.URL), "provider-x", nil)
	_, err := a.Analyze(context.Background(), []byte("img"), testUpload, DefaultOptions())
	var ae *AdapterError
	assert.True(errors.As(err, &ae))
	assert.Equal(ReasonTransportError, ae.Reason)
	assert.Equal(http.StatusBadRequest, ae.StatusCode)
	assert.Equal(int32(1), atomic.LoadInt32(&hits))
	srv.Close()

	// server errors are retried, then surfaced
	hits = 0
	srv = providerStub(t, http.StatusServiceUnavailable, "", &hits)
	a = NewSpecAdapter(VisionSpec, testClient(srv.URL), "provider-x", nil)
	_, err = a.Analyze(context.Background(), []byte("img"), testUpload, DefaultOptions())
	assert.Equal(ReasonTransportError, ReasonOf(err))
	assert.Equal(int32(2), atomic.LoadInt32(&hits))
	srv.Close()
}

func TestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	spec := *VisionSpec
	spec.Timeout = 50 * time.Millisecond
	a := NewSpecAdapter(&spec, testClient(srv.URL), "provider-x", nil)
	_, err := a.Analyze(context.Background(), []byte("img"), testUpload, DefaultOptions())
	assert.Equal(t, ReasonTimeout, ReasonOf(err))
}

func TestSlowProviderWithinAdapterTimeout(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	content := `{"labels": [{"label": "safe", "score": 0.9}], "provenance": {"model": "vision-x"}}`
	stub := providerStub(t, http.StatusOK, content, nil)
	defer stub.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		stub.Config.Handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	client := NewChatClient(ChatClientConfig{
		Host:   srv.URL,
		APIKey: "test-key",
		Retry: util.RetryOptions{
			RetryMax:     1,
			RetryWaitMin: time.Millisecond,
			RetryWaitMax: 2 * time.Millisecond,
			Timeout:      50 * time.Millisecond,
		},
	})
	assert.Zero(client.Client.Timeout)

	spec := *VisionSpec
	spec.Timeout = 5 * time.Second
	a := NewSpecAdapter(&spec, client, "provider-x", nil)
	res, err := a.Analyze(context.Background(), []byte("img"), testUpload, DefaultOptions())
	require.NoError(err)
	assert.Equal("safe", res.TopLabel().Label)
}

func TestDeterministicRequest(t *testing.T) {
	assert := assert.New(t)

	img := []byte("\x89PNG\r\n")
	first, err := json.Marshal(buildChatRequest(VisionSpec, "m", img, testUpload, DefaultOptions()))
	assert.NoError(err)
	second, err := json.Marshal(buildChatRequest(VisionSpec, "m", img, testUpload, DefaultOptions()))
	assert.NoError(err)
	assert.Equal(string(first), string(second))

	prompt := buildUserPrompt(VisionSpec, testUpload, DefaultOptions())
	assert.Less(strings.Index(prompt, "album"), strings.Index(prompt, "source"))
	assert.Contains(prompt, `"provenance"`)

	req := buildChatRequest(VisionSpec, "m", img, testUpload, DefaultOptions())
	assert.Len(req.Messages[1].Content, 2)
	assert.True(strings.HasPrefix(req.Messages[1].Content[1].ImageURL.URL, "data:image/png;base64,"))

	// text reasoner never receives pixels
	req = buildChatRequest(TextSpec, "m", img, testUpload, DefaultOptions())
	assert.Len(req.Messages[1].Content, 1)
}

func TestNewDefaultAdapters(t *testing.T) {
	as := NewDefaultAdapters(nil, "base", map[string]string{ReasoningModelName: "big"}, nil)
	assert.Len(t, as, 3)
	assert.Equal(t, "base", as[0].(*SpecAdapter).ProviderModel)
	assert.Equal(t, "big", as[1].(*SpecAdapter).ProviderModel)
}
