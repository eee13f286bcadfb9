package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/pbinitiative/zenmigrate/internal/config"
	"github.com/pbinitiative/zenmigrate/internal/rest/middleware"
	"github.com/pbinitiative/zenmigrate/pkg/authorization"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn"
	"github.com/pbinitiative/zenmigrate/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenmigrate/pkg/migration"
	"github.com/pbinitiative/zenmigrate/pkg/storage/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	t      *testing.T
	engine *bpmn.Engine
	server *httptest.Server
}

func newTestServer(t *testing.T, options ...bpmn.EngineOption) *testServer {
	engine, err := bpmn.NewEngine(append([]bpmn.EngineOption{bpmn.EngineWithStorage(inmemory.NewStorage())}, options...)...)
	require.NoError(t, err)
	s := NewServer(engine, config.Config{Name: "test", Server: config.Server{Addr: ":0"}})
	server := httptest.NewServer(s.Handler())
	t.Cleanup(server.Close)
	return &testServer{t: t, engine: engine, server: server}
}

func (ts *testServer) do(method string, path string, user string, body any) *http.Response {
	ts.t.Helper()
	var payload []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		payload = b
	default:
		var err error
		payload, err = json.Marshal(b)
		require.NoError(ts.t, err)
	}
	req, err := http.NewRequestWithContext(ts.t.Context(), method, ts.server.URL+path, bytes.NewReader(payload))
	require.NoError(ts.t, err)
	if user != "" {
		req.Header.Set(middleware.UserIdHeader, user)
	}
	resp, err := ts.server.Client().Do(req)
	require.NoError(ts.t, err)
	ts.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (ts *testServer) deploy(file string) ProcessDefinitionResponse {
	data, err := os.ReadFile("../../pkg/bpmn/test-cases/" + file)
	require.NoError(ts.t, err)
	resp := ts.do(http.MethodPost, "/v1/process-definitions?resourceName="+file, "", data)
	require.Equal(ts.t, http.StatusCreated, resp.StatusCode)
	return decode[ProcessDefinitionResponse](ts.t, resp)
}

func (ts *testServer) start(definitionKey int64) runtime.ProcessInstance {
	resp := ts.do(http.MethodPost, "/v1/process-instances", "", StartProcessInstanceRequest{ProcessDefinitionKey: definitionKey})
	require.Equal(ts.t, http.StatusCreated, resp.StatusCode)
	return decode[runtime.ProcessInstance](ts.t, resp)
}

func migrationDocument(source int64, target int64) migration.PlanDocument {
	return migration.PlanDocument{
		SourceProcessDefinitionKey: source,
		TargetProcessDefinitionKey: target,
		MapEqualActivities:         true,
	}
}

func instruction(source string, target string) migration.Instruction {
	return migration.Instruction{SourceActivityId: source, TargetActivityId: target}
}

func TestHealth(t *testing.T) {
	// given
	ts := newTestServer(t, bpmn.EngineWithName("rest-test"))

	// when
	resp := ts.do(http.MethodGet, "/system/health", "", nil)

	// then
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"status": "UP", "engine": "rest-test"}, decode[map[string]string](t, resp))
}

func TestSyncMigrationOverRest(t *testing.T) {
	// given
	ts := newTestServer(t)
	source := ts.deploy("one_task.yaml")
	target := ts.deploy("one_task.yaml")
	instance := ts.start(source.Key)

	// when
	resp := ts.do(http.MethodPost, "/v1/migration/executions", "", ExecuteMigrationRequest{
		Plan:                migrationDocument(source.Key, target.Key),
		ProcessInstanceKeys: []int64{instance.Key},
	})

	// then
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	migrated := decode[runtime.ProcessInstance](t, ts.do(http.MethodGet, fmt.Sprintf("/v1/process-instances/%d", instance.Key), "", nil))
	assert.Equal(t, target.Key, migrated.ProcessDefinitionKey)
	tree := decode[runtime.ActivityInstance](t, ts.do(http.MethodGet, fmt.Sprintf("/v1/process-instances/%d/activity-instances", instance.Key), "", nil))
	require.Len(t, tree.ChildActivityInstances, 1)
	assert.Equal(t, "userTask", tree.ChildActivityInstances[0].ActivityId)
}

func TestInvalidPlanReturnsReport(t *testing.T) {
	// given
	ts := newTestServer(t)
	source := ts.deploy("one_task.yaml")
	target := ts.deploy("one_task.yaml")
	doc := migrationDocument(source.Key, target.Key)
	doc.MapEqualActivities = false
	doc.Instructions = append(doc.Instructions, instruction("userTask", "missing"))

	// when
	resp := ts.do(http.MethodPost, "/v1/migration/plans", "", doc)

	// then
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	apiErr := decode[ApiError](t, resp)
	assert.Equal(t, "MIGRATION_PLAN_INVALID", apiErr.Type)
	require.NotNil(t, apiErr.Report)
	assert.NotEmpty(t, apiErr.Report.Failures("userTask"))
}

func TestAsyncMigrationCreatesBatch(t *testing.T) {
	// given
	ts := newTestServer(t)
	source := ts.deploy("one_task.yaml")
	target := ts.deploy("one_task.yaml")
	first := ts.start(source.Key)
	second := ts.start(source.Key)

	// when
	resp := ts.do(http.MethodPost, "/v1/migration/executions", "", ExecuteMigrationRequest{
		Plan:                migrationDocument(source.Key, target.Key),
		ProcessInstanceKeys: []int64{first.Key, second.Key},
		Async:               true,
	})

	// then
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	batch := decode[runtime.Batch](t, resp)
	assert.Equal(t, 2, batch.TotalJobs)
	page := decode[Page[runtime.Batch]](t, ts.do(http.MethodGet, "/v1/batches", "", nil))
	assert.Equal(t, 1, page.PageMetadata.TotalCount)
	assert.Equal(t, batch.Key, page.Items[0].Key)

	statistics := decode[runtime.BatchStatistics](t, ts.do(http.MethodGet, fmt.Sprintf("/v1/batches/%d/statistics", batch.Key), "", nil))
	assert.Equal(t, batch.Key, statistics.Batch.Key)

	deleted := ts.do(http.MethodDelete, fmt.Sprintf("/v1/batches/%d", batch.Key), "", nil)
	assert.Equal(t, http.StatusNoContent, deleted.StatusCode)
	missing := ts.do(http.MethodGet, fmt.Sprintf("/v1/batches/%d", batch.Key), "", nil)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestMissingPermissionIsForbidden(t *testing.T) {
	// given
	ts := newTestServer(t, bpmn.EngineWithAuthorization(authorization.NewManager(true)))
	source := ts.deploy("one_task.yaml")
	target := ts.deploy("one_task.yaml")
	instance := ts.start(source.Key)

	// when
	resp := ts.do(http.MethodPost, "/v1/migration/executions", "demo", ExecuteMigrationRequest{
		Plan:                migrationDocument(source.Key, target.Key),
		ProcessInstanceKeys: []int64{instance.Key},
	})

	// then
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", decode[ApiError](t, resp).Type)
}

func TestEmptyInstanceListIsBadRequest(t *testing.T) {
	// given
	ts := newTestServer(t)
	source := ts.deploy("one_task.yaml")
	target := ts.deploy("one_task.yaml")

	// when
	resp := ts.do(http.MethodPost, "/v1/migration/executions", "", ExecuteMigrationRequest{
		Plan: migrationDocument(source.Key, target.Key),
	})

	// then
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode[ApiError](t, resp).Message, "Process instance ids cannot be empty")
}

func TestMalformedKeyIsBadRequest(t *testing.T) {
	// given
	ts := newTestServer(t)

	// when
	resp := ts.do(http.MethodGet, "/v1/batches/not-a-number", "", nil)

	// then
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobsArePaginated(t *testing.T) {
	// given
	ts := newTestServer(t)
	definition := ts.deploy("boundary_timer.yaml")
	for range 3 {
		ts.start(definition.Key)
	}

	// when
	resp := ts.do(http.MethodGet, "/v1/jobs?page=2&size=2", "", nil)

	// then
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[Page[runtime.Job]](t, resp)
	assert.Equal(t, PageMetadata{Page: 2, Size: 2, Count: 1, TotalCount: 3}, page.PageMetadata)
}
