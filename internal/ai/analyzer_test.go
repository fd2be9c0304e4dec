package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metroai/defect-hub/internal/config"
)

func TestNewAnalyzerSelectsMode(t *testing.T) {
	_, ok := NewAnalyzer(&config.Config{AIMode: ""}).(*MockAnalyzer)
	assert.True(t, ok)

	_, ok = NewAnalyzer(&config.Config{AIMode: " OpenAI ", OpenAIModel: "m"}).(*OpenAIAnalyzer)
	assert.True(t, ok)
}

func TestMockAnalyzerResult(t *testing.T) {
	a := NewMockAnalyzer(0)
	a.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	res, err := a.Analyze(context.Background(), Photo{ReportID: 1, Category: "glass"})
	require.NoError(t, err)
	assert.Equal(t, 0.95, res["confidence"])
	assert.Equal(t, []string{"glass", "defect"}, res["labels"])
	assert.Equal(t, "2026-03-01T12:00:00Z", res["processed_at"])
}

func TestMockAnalyzerHonoursCancel(t *testing.T) {
	a := NewMockAnalyzer(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Analyze(ctx, Photo{ReportID: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAIAnalyzer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a := NewOpenAIAnalyzer(&config.Config{OpenAIAPIKey: "sk-test", OpenAIModel: "gpt-test", AIMaxOutputTokens: 100})
	a.baseURL = srv.URL
	return a
}

func TestOpenAIAnalyzerSendsImageAndParsesVerdict(t *testing.T) {
	var got map[string]any
	a := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"labels\":[\"graffiti\"],\"confidence\":0.8,\"summary\":\"tag on wall\"}"}}]}`))
	})

	res, err := a.Analyze(context.Background(), Photo{ReportID: 3, Category: "wall", Data: []byte("\xff\xd8\xff\xe0fakejpeg"), ContentType: "image/jpeg"})
	require.NoError(t, err)
	assert.Equal(t, []string{"graffiti"}, res["labels"])
	assert.Equal(t, 0.8, res["confidence"])
	assert.Equal(t, "tag on wall", res["summary"])
	assert.Equal(t, "gpt-test", res["model"])

	assert.Equal(t, "gpt-test", got["model"])
	raw, _ := json.Marshal(got["messages"])
	assert.Contains(t, string(raw), "data:image/jpeg;base64,")
}

func TestOpenAIAnalyzerErrors(t *testing.T) {
	a := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := a.Analyze(context.Background(), Photo{ReportID: 1, Data: []byte("x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	_, err = a.Analyze(context.Background(), Photo{ReportID: 1})
	require.Error(t, err)
}

func TestParseVerdict(t *testing.T) {
	now := time.Unix(0, 0)

	res, err := parseVerdict("```json\n{\"labels\":[\"a\"],\"confidence\":1.7}\n```", "m", now)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res["confidence"])
	_, hasSummary := res["summary"]
	assert.False(t, hasSummary)

	_, err = parseVerdict(`{"labels":[],"confidence":0.5}`, "m", now)
	require.Error(t, err)

	_, err = parseVerdict("not json", "m", now)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "decode analysis"))
}

func TestOpenAIClientTimeoutIsOptional(t *testing.T) {
	a := NewOpenAIAnalyzer(&config.Config{OpenAIAPIKey: "sk-test"})
	assert.Zero(t, a.httpClient.Timeout)

	a = NewOpenAIAnalyzer(&config.Config{OpenAIAPIKey: "sk-test", AITimeoutSeconds: 20})
	assert.Equal(t, 20*time.Second, a.httpClient.Timeout)
}
