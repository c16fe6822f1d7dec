package handler_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/quantbeat/analysis-be/internal/api/dto"
	"github.com/quantbeat/analysis-be/internal/api/handler"
	"github.com/quantbeat/analysis-be/internal/api/router"
	"github.com/quantbeat/analysis-be/internal/catalog"
	"github.com/quantbeat/analysis-be/internal/jobs/dedupe"
	"github.com/quantbeat/analysis-be/internal/jobs/domain"
	"github.com/quantbeat/analysis-be/internal/jobs/orchestrator"
	"github.com/quantbeat/analysis-be/internal/jobs/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// scriptedAnalyzer fails configured symbols and succeeds on the rest. An
// optional gate blocks every call until released, keeping jobs active.
type scriptedAnalyzer struct {
	errs map[string]error
	gate chan struct{}
}

func (a *scriptedAnalyzer) Analyze(ctx context.Context, symbol string, _ domain.AnalysisConfig) (*domain.Outcome, error) {
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := a.errs[symbol]; err != nil {
		return nil, err
	}
	return &domain.Outcome{
		OutcomeID:  uuid.NewString(),
		Symbol:     symbol,
		Verdict:    domain.VerdictBuy,
		Score:      0.5,
		Confidence: 0.75,
		Entry:      100,
		Stop:       95,
		Target:     110,
		ProducedAt: time.Now().UTC(),
	}, nil
}

type testAPI struct {
	router *gin.Engine
	store  *storage.Store
	orch   *orchestrator.Orchestrator
}

func newTestAPI(t *testing.T, analyzer orchestrator.Analyzer) *testAPI {
	t.Helper()

	db, err := sqlx.Connect("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewStore(db, logger, storage.RetryConfig{})
	require.NoError(t, store.EnsureSchema(context.Background()))

	resolver := dedupe.NewResolver(store, dedupe.ExactSetMatcher{}, 5*time.Minute, logger)
	orch := orchestrator.New(store, resolver, analyzer, catalog.New(store), nil,
		orchestrator.Config{}, logger)

	r := router.SetupRouter(&handler.Dependencies{
		Logger:       logger,
		Orchestrator: orch,
		Store:        store,
		HealthCheck:  db.Ping,
	})
	return &testAPI{router: r, store: store, orch: orch}
}

func (a *testAPI) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

// pollUntilTerminal polls the status endpoint like a client would.
func (a *testAPI) pollUntilTerminal(t *testing.T, jobID string) dto.JobStatusResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w := a.do(http.MethodGet, "/api/v1/analysis/jobs/"+jobID, "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp dto.JobStatusResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		if domain.IsTerminalStatus(resp.Status) {
			return resp
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", jobID)
	return dto.JobStatusResponse{}
}

func TestCreateAnalysisJob(t *testing.T) {
	api := newTestAPI(t, &scriptedAnalyzer{errs: map[string]error{
		"BBB": domain.ErrAnalysisUnavailable,
	}})

	w := api.do(http.MethodPost, "/api/v1/analysis/jobs", `{"symbols":["aaa","BBB"]}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var created dto.CreateAnalysisJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.JobID)
	assert.False(t, created.Attached)
	assert.True(t, created.WorkerStarted)
	assert.Equal(t, 2, created.Total)

	final := api.pollUntilTerminal(t, created.JobID)
	assert.Equal(t, domain.JobStatusCompleted, final.Status)
	assert.Equal(t, 2, final.CompletedCount)
	assert.Equal(t, 1, final.SuccessfulCount)
	assert.InDelta(t, 100.0, final.ProgressPercent, 0.001)
	require.Len(t, final.Errors, 1)
	assert.Equal(t, "BBB", final.Errors[0].Symbol)
	assert.NotEmpty(t, final.StartedAt)
	assert.NotEmpty(t, final.CompletedAt)
}

func TestCreateAnalysisJob_InvalidBody(t *testing.T) {
	api := newTestAPI(t, &scriptedAnalyzer{})

	w := api.do(http.MethodPost, "/api/v1/analysis/jobs", `{"symbols": "not-a-list"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateAnalysisJob_EmptyBatchUsesUniverse(t *testing.T) {
	api := newTestAPI(t, &scriptedAnalyzer{})

	// The seeded symbol universe backs an empty submission.
	w := api.do(http.MethodPost, "/api/v1/analysis/jobs", `{"symbols":[]}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var created dto.CreateAnalysisJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, 10, created.Total)

	api.pollUntilTerminal(t, created.JobID)
}

func TestCreateAnalysisJob_DuplicateAttaches(t *testing.T) {
	gate := make(chan struct{})
	api := newTestAPI(t, &scriptedAnalyzer{gate: gate})

	w := api.do(http.MethodPost, "/api/v1/analysis/jobs", `{"symbols":["AAA","BBB"]}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var first dto.CreateAnalysisJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))

	// Same set while the first job is in flight: 200 attach, not 202.
	w = api.do(http.MethodPost, "/api/v1/analysis/jobs", `{"symbols":["BBB","AAA"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	var second dto.CreateAnalysisJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.True(t, second.Attached)
	assert.Equal(t, first.JobID, second.JobID)

	// force=true bypasses the duplicate check.
	w = api.do(http.MethodPost, "/api/v1/analysis/jobs", `{"symbols":["AAA","BBB"],"force":true}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var forced dto.CreateAnalysisJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &forced))
	assert.False(t, forced.Attached)
	assert.NotEqual(t, first.JobID, forced.JobID)

	close(gate)
	api.pollUntilTerminal(t, first.JobID)
	api.pollUntilTerminal(t, forced.JobID)
}

func TestGetAnalysisJob_Validation(t *testing.T) {
	api := newTestAPI(t, &scriptedAnalyzer{})

	w := api.do(http.MethodGet, "/api/v1/analysis/jobs/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(http.MethodGet, "/api/v1/analysis/jobs/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListAnalysisJobs(t *testing.T) {
	api := newTestAPI(t, &scriptedAnalyzer{})

	w := api.do(http.MethodPost, "/api/v1/analysis/jobs", `{"symbols":["AAA"]}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var created dto.CreateAnalysisJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	api.pollUntilTerminal(t, created.JobID)

	w = api.do(http.MethodGet, "/api/v1/analysis/jobs", "")
	require.Equal(t, http.StatusOK, w.Code)

	var list dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, created.JobID, list.Jobs[0].JobID)
}

func TestCancelAnalysisJob(t *testing.T) {
	api := newTestAPI(t, &scriptedAnalyzer{})

	t.Run("invalid id", func(t *testing.T) {
		w := api.do(http.MethodPost, "/api/v1/analysis/jobs/nope/cancel", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown job", func(t *testing.T) {
		w := api.do(http.MethodPost, "/api/v1/analysis/jobs/"+uuid.NewString()+"/cancel", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("terminal job keeps its status", func(t *testing.T) {
		w := api.do(http.MethodPost, "/api/v1/analysis/jobs", `{"symbols":["AAA"]}`)
		require.Equal(t, http.StatusAccepted, w.Code)
		var created dto.CreateAnalysisJobResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
		api.pollUntilTerminal(t, created.JobID)

		w = api.do(http.MethodPost, "/api/v1/analysis/jobs/"+created.JobID+"/cancel", "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, domain.JobStatusCompleted, resp["status"])
	})
}

func TestGetLatestOutcome(t *testing.T) {
	api := newTestAPI(t, &scriptedAnalyzer{})

	w := api.do(http.MethodGet, "/api/v1/analysis/outcomes/AAPL/latest", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	post := api.do(http.MethodPost, "/api/v1/analysis/jobs", `{"symbols":["AAPL"]}`)
	require.Equal(t, http.StatusAccepted, post.Code)
	var created dto.CreateAnalysisJobResponse
	require.NoError(t, json.Unmarshal(post.Body.Bytes(), &created))
	api.pollUntilTerminal(t, created.JobID)

	// Symbol lookup is case-insensitive.
	w = api.do(http.MethodGet, "/api/v1/analysis/outcomes/aapl/latest", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.OutcomeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "AAPL", resp.Symbol)
	assert.Equal(t, domain.VerdictBuy, resp.Verdict)
	assert.Equal(t, created.JobID, resp.JobID)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, &scriptedAnalyzer{})

	w := api.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}
