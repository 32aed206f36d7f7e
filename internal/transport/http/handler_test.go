package httptransport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"knock-pipeline/internal/agent"
	"knock-pipeline/internal/catalog"
	"knock-pipeline/internal/entity"
	"knock-pipeline/internal/repository/sqlite"
	"knock-pipeline/internal/service"
	httptransport "knock-pipeline/internal/transport/http"
)

type testEnv struct {
	router http.Handler
	orch   *service.Orchestrator
	store  *sqlite.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "knock.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	c, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	orch := service.NewOrchestrator(service.OrchestratorOptions{
		Store:  store,
		Stages: agent.Pipeline(agent.Deps{Catalog: c, DefaultLanguage: "en"}),
	})
	t.Cleanup(orch.Wait)

	return &testEnv{
		router: httptransport.Routes(httptransport.NewHandler(orch), nil, ""),
		orch:   orch,
		store:  store,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// seedProcessing inserts a job that no worker will pick up.
func (e *testEnv) seedProcessing(t *testing.T, userID string) uuid.UUID {
	t.Helper()
	in, _ := json.Marshal(entity.PipelineInput{
		UserID:   userID,
		UserName: "Dana",
		UserData: entity.UserData{Keywords: []string{"career", "mentor"}},
		DryRun:   true,
	})
	now := time.Now().UTC()
	job := &entity.Job{
		ID:        uuid.New(),
		UserID:    userID,
		Status:    entity.StatusProcessing,
		Attempt:   1,
		Input:     in,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return job.ID
}

func TestHTTP_CreateJob_202_ThenCompletedWithLogs(t *testing.T) {
	env := newTestEnv(t)

	body := `{"user_id":"u-1","user_name":"Dana","user_data":{"domains":["tech"],"keywords":["startup","mentor"],"interests":["reading"]}}`
	rr := env.do(t, http.MethodPost, "/pipeline/jobs", body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d, body=%s", rr.Code, rr.Body.String())
	}

	var res struct {
		JobID  string `json:"jobId"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("invalid json response: %v, body=%s", err, rr.Body.String())
	}
	if res.Status != string(entity.StatusProcessing) {
		t.Fatalf("expected processing, got %s", res.Status)
	}

	env.orch.Wait()

	rr = env.do(t, http.MethodGet, "/pipeline/jobs/"+res.JobID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var got entity.JobWithLogs
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid json: %v, body=%s", err, rr.Body.String())
	}
	if got.Status != entity.StatusCompleted {
		t.Fatalf("expected completed, got %s (error=%v)", got.Status, got.ErrorMessage)
	}
	if len(got.Logs) != len(entity.StageOrder) {
		t.Fatalf("expected %d logs, got %d", len(entity.StageOrder), len(got.Logs))
	}
	for i, l := range got.Logs {
		if l.AgentName != entity.StageOrder[i] || l.Status != entity.StageCompleted {
			t.Fatalf("log %d: got %s/%s", i, l.AgentName, l.Status)
		}
	}

	rr = env.do(t, http.MethodGet, "/pipeline/jobs/"+res.JobID+"/result", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var out entity.PipelineOutput
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid result json: %v", err)
	}
	if out.Asset.Source != entity.AssetPreset || out.PersonaID == nil {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestHTTP_CreateJob_400(t *testing.T) {
	env := newTestEnv(t)

	cases := map[string]string{
		"bad json":     `{`,
		"no user":      `{"user_data":{"keywords":["x"]}}`,
		"no answers":   `{"user_id":"u-1","user_data":{}}`,
		"bad language": `{"user_id":"u-1","user_data":{"keywords":["x"]},"language":"not a tag!"}`,
	}
	for name, body := range cases {
		rr := env.do(t, http.MethodPost, "/pipeline/jobs", body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d, body=%s", name, rr.Code, rr.Body.String())
		}
	}
}

func TestHTTP_GetJob_404_And_400(t *testing.T) {
	env := newTestEnv(t)

	if rr := env.do(t, http.MethodGet, "/pipeline/jobs/"+uuid.NewString(), ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/pipeline/jobs/not-a-uuid", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestHTTP_Result409_Cancel_Retry(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedProcessing(t, "u-2").String()

	if rr := env.do(t, http.MethodGet, "/pipeline/jobs/"+id+"/result", ""); rr.Code != http.StatusConflict {
		t.Fatalf("result: expected 409, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/pipeline/jobs/"+id+"/retry", ""); rr.Code != http.StatusConflict {
		t.Fatalf("retry of processing job: expected 409, got %d", rr.Code)
	}

	if rr := env.do(t, http.MethodPost, "/pipeline/jobs/"+id+"/cancel", ""); rr.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if rr := env.do(t, http.MethodPost, "/pipeline/jobs/"+id+"/cancel", ""); rr.Code != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", rr.Code)
	}

	rr := env.do(t, http.MethodPost, "/pipeline/jobs/"+id+"/retry", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("retry: expected 202, got %d, body=%s", rr.Code, rr.Body.String())
	}
	env.orch.Wait()

	rr = env.do(t, http.MethodGet, "/pipeline/jobs/"+id, "")
	var got entity.JobWithLogs
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if got.Status != entity.StatusCompleted || got.Attempt != 2 {
		t.Fatalf("expected completed attempt 2, got %s attempt %d", got.Status, got.Attempt)
	}
	if rr := env.do(t, http.MethodGet, "/pipeline/jobs/"+id+"/result", ""); rr.Code != http.StatusOK {
		t.Fatalf("result after retry: expected 200, got %d", rr.Code)
	}
}

func TestHTTP_ListUserJobs(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.seedProcessing(t, "u-3")
	}
	env.seedProcessing(t, "someone-else")

	rr := env.do(t, http.MethodGet, "/users/u-3/jobs?limit=2&order=asc", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var jobs []entity.Job
	if err := json.Unmarshal(rr.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	for _, j := range jobs {
		if j.UserID != "u-3" {
			t.Fatalf("unexpected user %s", j.UserID)
		}
	}

	rr = env.do(t, http.MethodGet, "/users/u-3/jobs?status=completed", "")
	if rr.Code != http.StatusOK || bytes.TrimSpace(rr.Body.Bytes())[0] != '[' {
		t.Fatalf("expected empty list, got %d %s", rr.Code, rr.Body.String())
	}

	for _, q := range []string{"limit=abc", "order=sideways", "status=unknown", "offset=-1"} {
		if rr := env.do(t, http.MethodGet, "/users/u-3/jobs?"+q, ""); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, rr.Code)
		}
	}
}

func TestHTTP_Health(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rr.Code, rr.Body.String())
	}
}
