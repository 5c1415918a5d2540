package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latchpoint/latchpoint/internal/conf"
	"github.com/latchpoint/latchpoint/internal/datastore/entities"
	"github.com/latchpoint/latchpoint/internal/dispatch"
	"github.com/latchpoint/latchpoint/internal/gateway"
	"github.com/latchpoint/latchpoint/internal/kvstore"
	"github.com/latchpoint/latchpoint/internal/logger"
	"github.com/latchpoint/latchpoint/internal/rules/action"
	"github.com/latchpoint/latchpoint/internal/rules/engine"
	"github.com/latchpoint/latchpoint/internal/testutil"
)

func newTestController(t *testing.T, adminToken string) (*Controller, *testutil.MemRepo) {
	t.Helper()

	repo := testutil.NewMemRepo()
	log := logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil)
	kv := kvstore.NewMemoryStore()
	exec := action.NewExecutor(action.Gateways{Notifications: gateway.NoopNotificationDispatcher{}}, log)
	eng := engine.NewEngine(repo, exec, kv, log)

	settings := &conf.Settings{}
	settings.Server.AdminToken = adminToken
	settings.Dispatcher = conf.DefaultDispatcherSettings()

	d := dispatch.NewDispatcher(settings.Dispatcher, repo, kv, eng, dispatch.NewStats(nil), log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})

	return NewController(settings, repo, eng, d, log), repo
}

// request performs one HTTP round trip against the controller's router.
func request(c *Controller, method, path, token, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	c.Echo.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

const doorRuleBody = `{
	"name": "door open",
	"kind": "trigger",
	"definition": "{\"when\": {\"op\": \"entity_state\", \"entity_id\": \"binary_sensor.door\", \"equals\": \"on\"}, \"then\": [{\"type\": \"send_notification\", \"provider_id\": \"pushover\", \"message\": \"door\"}]}"
}`

func TestHealthz(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(t, "")
	rec := request(c, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminGate(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(t, "secret")

	// Reads stay open.
	rec := request(c, http.MethodGet, "/api/v1/rules", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Mutations need the token.
	rec = request(c, http.MethodPost, "/api/v1/rules", "", doorRuleBody)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = request(c, http.MethodPost, "/api/v1/rules", "wrong", doorRuleBody)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = request(c, http.MethodPost, "/api/v1/rules", "secret", doorRuleBody)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestEmptyAdminTokenAllowsEverything(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(t, "")
	rec := request(c, http.MethodPost, "/api/v1/rules", "", doorRuleBody)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreateRulePersistsRefs(t *testing.T) {
	t.Parallel()

	c, repo := newTestController(t, "")
	rec := request(c, http.MethodPost, "/api/v1/rules", "", doorRuleBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "door open", body["name"])
	assert.Equal(t, true, body["enabled"])

	require.Len(t, repo.Rules, 1)
	require.Len(t, repo.Refs, 1)
	assert.Equal(t, "binary_sensor.door", repo.Refs[0].EntityID)
}

func TestCreateRuleValidation(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(t, "")

	tests := []struct {
		name string
		body string
	}{
		{"missing name", `{"kind": "trigger", "definition": "{\"when\": {\"op\": \"entity_state\", \"entity_id\": \"a.b\", \"equals\": \"on\"}, \"then\": [{\"type\": \"send_notification\", \"provider_id\": \"p\", \"message\": \"m\"}]}"}`},
		{"bad kind", `{"name": "x", "kind": "sometimes", "definition": "{}"}`},
		{"negative cooldown", `{"name": "x", "kind": "trigger", "cooldown_seconds": -1, "definition": "{}"}`},
		{"unparseable definition", `{"name": "x", "kind": "trigger", "definition": "not json"}`},
		{"empty actions", `{"name": "x", "kind": "trigger", "definition": "{\"when\": {\"op\": \"entity_state\", \"entity_id\": \"a.b\", \"equals\": \"on\"}, \"then\": []}"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := request(c, http.MethodPost, "/api/v1/rules", "", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestListRulesEnabledFilter(t *testing.T) {
	t.Parallel()

	c, repo := newTestController(t, "")
	repo.AddRule(entities.Rule{Name: "on", Kind: entities.RuleKindTrigger, Enabled: true, Definition: "{}"})
	repo.AddRule(entities.Rule{Name: "off", Kind: entities.RuleKindTrigger, Enabled: false, Definition: "{}"})

	rec := request(c, http.MethodGet, "/api/v1/rules", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeBody(t, rec)["count"])

	rec = request(c, http.MethodGet, "/api/v1/rules?enabled=true", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])
}

func TestGetRule(t *testing.T) {
	t.Parallel()

	c, repo := newTestController(t, "")
	id := repo.AddRule(entities.Rule{Name: "r", Kind: entities.RuleKindTrigger, Enabled: true, Definition: "{}"})

	rec := request(c, http.MethodGet, "/api/v1/rules/1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(id), decodeBody(t, rec)["id"])

	rec = request(c, http.MethodGet, "/api/v1/rules/99", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = request(c, http.MethodGet, "/api/v1/rules/abc", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateRule(t *testing.T) {
	t.Parallel()

	c, repo := newTestController(t, "")
	rec := request(c, http.MethodPost, "/api/v1/rules", "", doorRuleBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	updated := strings.Replace(doorRuleBody, "door open", "door open v2", 1)
	rec = request(c, http.MethodPut, "/api/v1/rules/1", "", updated)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "door open v2", repo.Rules[1].Name)

	rec = request(c, http.MethodPut, "/api/v1/rules/99", "", updated)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestToggleAndDeleteRule(t *testing.T) {
	t.Parallel()

	c, repo := newTestController(t, "")
	rec := request(c, http.MethodPost, "/api/v1/rules", "", doorRuleBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = request(c, http.MethodPatch, "/api/v1/rules/1/toggle", "", `{"enabled": false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, repo.Rules[1].Enabled)

	rec = request(c, http.MethodDelete, "/api/v1/rules/1", "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, repo.Rules)

	rec = request(c, http.MethodDelete, "/api/v1/rules/1", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetStatus(t *testing.T) {
	t.Parallel()

	c, repo := newTestController(t, "")
	repo.Alarm = "armed_away"

	rec := request(c, http.MethodGet, "/api/v1/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "armed_away", body["alarm_state"])
	dispatcher, ok := body["dispatcher"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, dispatcher["enabled"])
	assert.Contains(t, dispatcher, "settings")
	assert.Contains(t, dispatcher, "stats")
	assert.Equal(t, float64(0), dispatcher["pending_entities"])
	assert.Equal(t, float64(0), dispatcher["pending_batches"])
}

func TestSuspensionEndpoints(t *testing.T) {
	t.Parallel()

	c, repo := newTestController(t, "")
	id := repo.AddRule(entities.Rule{Name: "r", Kind: entities.RuleKindTrigger, Enabled: true, Definition: "{}"})
	repo.Runtimes[id] = &entities.RuleRuntimeState{
		RuleID: id, NodeID: "when",
		ErrorSuspended: true, Status: entities.RuntimeStatusErrorSuspended,
		ConsecutiveFailures: 10,
	}

	rec := request(c, http.MethodGet, "/api/v1/rules/suspended", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = request(c, http.MethodPost, "/api/v1/rules/1/clear-suspension", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, repo.Runtimes[id].ErrorSuspended)
	assert.Zero(t, repo.Runtimes[id].ConsecutiveFailures)

	rec = request(c, http.MethodGet, "/api/v1/rules/suspended", "", "")
	assert.Equal(t, float64(0), decodeBody(t, rec)["count"])
}

func TestRunRulesNow(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(t, "")
	rec := request(c, http.MethodPost, "/api/v1/rules/run", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Contains(t, body, "evaluated")
	assert.Contains(t, body, "fired")
}

func TestSimulateEntityChange(t *testing.T) {
	t.Parallel()

	c, repo := newTestController(t, "")
	repo.AddRule(entities.Rule{
		Name: "door", Kind: entities.RuleKindTrigger, Enabled: true,
		Definition: `{"when": {"op": "entity_state", "entity_id": "binary_sensor.door", "equals": "on"}, "then": [{"type": "send_notification", "provider_id": "p", "message": "m"}]}`,
	}, "binary_sensor.door")
	repo.SetState("binary_sensor.door", "off")

	rec := request(c, http.MethodPost, "/api/v1/simulate", "",
		`{"entity_ids": ["binary_sensor.door"], "states": {"binary_sensor.door": "on"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	require.Equal(t, float64(1), body["count"])
	ruleRows := body["rules"].([]any)
	first := ruleRows[0].(map[string]any)
	assert.Equal(t, "door", first["name"])
	assert.Equal(t, true, first["matched"], "overlay wins over the stored state")
	assert.NotNil(t, first["trace"])

	// Nothing was persisted by the dry run.
	assert.Equal(t, "off", repo.States["binary_sensor.door"])

	rec = request(c, http.MethodPost, "/api/v1/simulate", "", `{"states": {}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListActionLogs(t *testing.T) {
	t.Parallel()

	c, repo := newTestController(t, "")
	for i := 0; i < 3; i++ {
		repo.ActionLogs = append(repo.ActionLogs, entities.RuleActionLog{
			RuleID: uint(i%2 + 1), FiredAt: time.Now(),
			Kind: entities.RuleKindTrigger, Actions: "[]", Result: "{}",
			TraceSource: entities.TraceSourceImmediate,
		})
	}

	rec := request(c, http.MethodGet, "/api/v1/logs", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(3), body["total"])
	assert.Equal(t, float64(defaultLogLimit), body["limit"])

	rec = request(c, http.MethodGet, "/api/v1/logs?rule_id=1&limit=500", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, float64(2), body["total"])
	assert.Equal(t, float64(maxLogLimit), body["limit"])

	rec = request(c, http.MethodGet, "/api/v1/logs?rule_id=bogus", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPushEntityStates(t *testing.T) {
	t.Parallel()

	c, repo := newTestController(t, "")

	rec := request(c, http.MethodPost, "/api/v1/entities/state", "",
		`{"source": "home_assistant", "states": {"light.porch": "on", "binary_sensor.door": "off"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, float64(2), decodeBody(t, rec)["accepted"])
	assert.Equal(t, "on", repo.States["light.porch"])
	assert.Equal(t, "off", repo.States["binary_sensor.door"])

	rec = request(c, http.MethodPost, "/api/v1/entities/state", "",
		`{"source": "carrier_pigeon", "states": {"a.b": "on"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = request(c, http.MethodPost, "/api/v1/entities/state", "",
		`{"source": "home_assistant", "states": {}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
