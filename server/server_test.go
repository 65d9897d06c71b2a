package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/doctorbot/internal/models"
	"github.com/xhad/doctorbot/pkg/errs"
	"github.com/xhad/doctorbot/pkg/pipeline"
	"github.com/xhad/doctorbot/server"
)

type fakePipeline struct {
	hits []models.RetrievalHit
	err  error
}

func (f *fakePipeline) ChunkCount() int { return 42 }

func (f *fakePipeline) Retrieve(_ context.Context, req pipeline.RetrieveRequest) (pipeline.RetrieveResponse, error) {
	if f.err != nil {
		return pipeline.RetrieveResponse{}, f.err
	}
	if req.Query == "" {
		return pipeline.RetrieveResponse{}, errs.BadRequest("query is required")
	}
	return pipeline.RetrieveResponse{Query: req.Query, Hits: f.hits, TotalHits: len(f.hits)}, nil
}

func (f *fakePipeline) TriageStream(_ context.Context, req pipeline.TriageRequest, progress func(pipeline.Stage)) (models.TriageResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if progress == nil {
		progress = func(pipeline.Stage) {}
	}
	progress(pipeline.StageRetrieving)
	if len(req.FollowupAnswers) == 0 {
		progress(pipeline.StageFollowups)
		return models.AskFollowups{Questions: []models.Question{{ID: "q1", Text: "When did it start?"}}, Hits: f.hits}, nil
	}
	progress(pipeline.StageNote)
	progress(pipeline.StageJudging)
	note := &models.TriageNote{PatientQuery: req.Query}
	return models.ReturnTriage{
		Note:    note,
		Verdict: &models.JudgeVerdict{Decision: models.DecisionApprove, OverallScore: 0.93},
		Hits:    f.hits,
	}, nil
}

func newTestServer(t *testing.T, p *fakePipeline) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(server.New(p, server.Config{}).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func longHits() []models.RetrievalHit {
	return []models.RetrievalHit{
		{ChunkID: "chunk_000001", Score: 0.9, Text: strings.Repeat("a", 250), Metadata: models.ChunkMeta{ID: "chunk_000001", SectionTitle: "Chest pain", PageStart: 3, PageEnd: 4}},
		{ChunkID: "chunk_000002", Score: 0.5, Text: "short"},
	}
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", strings.NewReader(string(raw)))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealthAndRoot(t *testing.T) {
	ts := newTestServer(t, &fakePipeline{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, server.Version, body["version"])
	assert.Equal(t, true, body["retriever_loaded"])
	assert.Equal(t, 42.0, body["chunks"])

	root, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	root.Body.Close()
	assert.Equal(t, http.StatusOK, root.StatusCode)

	missing, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestRetrieveTruncatesHitText(t *testing.T) {
	ts := newTestServer(t, &fakePipeline{hits: longHits()})

	resp, body := postJSON(t, ts.URL+"/retrieve", map[string]any{"query": "chest pain", "top_k": 2})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "chest pain", body["query"])
	assert.Equal(t, 2.0, body["total_hits"])

	hits := body["hits"].([]any)
	first := hits[0].(map[string]any)
	assert.Equal(t, strings.Repeat("a", 200)+"...", first["text"])
	assert.Equal(t, "Chest pain", first["metadata"].(map[string]any)["section"])
	assert.Equal(t, "short", hits[1].(map[string]any)["text"])
}

func TestTriageVariants(t *testing.T) {
	ts := newTestServer(t, &fakePipeline{hits: longHits()})

	resp, body := postJSON(t, ts.URL+"/triage", map[string]any{"query": "chest pain"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ask_followups", body["next_action"])
	assert.Len(t, body["followup_questions"], 1)
	assert.NotContains(t, body, "triage_note")

	resp, body = postJSON(t, ts.URL+"/triage", map[string]any{
		"query":            "chest pain",
		"followup_answers": map[string]string{"When did it start?": "today"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "return_triage", body["next_action"])
	assert.Equal(t, "chest pain", body["triage_note"].(map[string]any)["patient_query"])
	assert.Equal(t, "approve", body["judge_verdict"].(map[string]any)["decision"])
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{errs.BadRequest("query is required"), http.StatusBadRequest, "bad_request"},
		{errs.FromContext("generate", context.DeadlineExceeded), http.StatusGatewayTimeout, "timeout"},
		{errs.Generation("unusable output"), http.StatusBadGateway, "generation"},
		{errs.Configuration("index mismatch"), http.StatusInternalServerError, "configuration"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			ts := newTestServer(t, &fakePipeline{err: tt.err})
			resp, body := postJSON(t, ts.URL+"/triage", map[string]any{"query": "chest pain"})
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.kind, body["kind"])
			assert.NotEmpty(t, body["request_id"])
			assert.NotContains(t, body, "triage_note")
		})
	}
}

func TestMalformedBody(t *testing.T) {
	ts := newTestServer(t, &fakePipeline{})
	resp, err := http.Post(ts.URL+"/retrieve", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketStreamsStatusAndResult(t *testing.T) {
	ts := newTestServer(t, &fakePipeline{hits: longHits()})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"id": "r1", "type": "triage", "content": "chest pain"}))

	var statuses []string
	for {
		var msg server.Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "status" {
			statuses = append(statuses, msg.Content)
			continue
		}
		require.Equal(t, "result", msg.Type)
		assert.Equal(t, "ask_followups", msg.Content)
		data := msg.Data.(map[string]any)
		assert.Equal(t, "r1", data["request_id"])
		payload := data["payload"].(map[string]any)
		assert.Equal(t, "ask_followups", payload["next_action"])
		break
	}
	assert.Equal(t, []string{"retrieving", "generating_followups"}, statuses)

	require.NoError(t, conn.WriteJSON(map[string]any{"id": "r2", "type": "shout", "content": "x"}))
	var msg server.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Content, "unknown message type")
}
