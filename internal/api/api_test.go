package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltageems/voltageemsd/internal/apprt"
	"github.com/voltageems/voltageemsd/internal/comengine"
	"github.com/voltageems/voltageemsd/internal/instancemgr"
	"github.com/voltageems/voltageemsd/internal/model"
	"github.com/voltageems/voltageemsd/internal/routecache"
	"github.com/voltageems/voltageemsd/internal/rtdb"
	"github.com/voltageems/voltageemsd/internal/ruleengine"
	"github.com/voltageems/voltageemsd/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *rtdb.Memory) {
	t.Helper()
	rt := apprt.New(nil, apprt.NoopLogger(), prometheus.NewRegistry())
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.UpsertProduct(context.Background(), model.Product{
		Name:    "battery",
		Actions: []model.PointSpec{{PointID: 3, Name: "enable", DataType: "bool"}},
	}))

	db := rtdb.NewMemory()
	routes := routecache.NewStore()
	engine := comengine.NewEngine(rt, db, nil, comengine.DefaultFactory, comengine.Options{})
	instances := instancemgr.New(rt, st, db, routes)
	rules := ruleengine.NewEngine(rt, db, ruleengine.ActionSinkFunc(
		func(ctx context.Context, id model.InstanceID, p model.PointID, v float64) error {
			_, err := instances.SetActionPoint(ctx, id, p, v)
			return err
		},
	), ruleengine.Options{})
	return New(rt, db, st, engine, instances, rules, routes, "voltageemsd", "1.0.0"), st, db
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doJSON(t, srv.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status     string `json:"status"`
		Components []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Len(t, body.Components, 3)
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doJSON(t, srv.Handler(), http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "voltageemsd", body["service"])
	assert.Equal(t, "1.0.0", body["version"])
}

func TestInstanceCRUD(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	w := doJSON(t, handler, http.MethodPost, "/instances",
		`{"instance_id":5001,"name":"battery_01","product_name":"battery","enabled":true}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, handler, http.MethodGet, "/instances", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []model.Instance
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "battery_01", list[0].Name)

	w = doJSON(t, handler, http.MethodGet, "/instances/battery_01", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, handler, http.MethodGet, "/instances/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, handler, http.MethodPost, "/instances",
		`{"instance_id":5002,"name":"battery_01","product_name":"battery"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "duplicate name rejected")

	w = doJSON(t, handler, http.MethodDelete, "/instances/battery_01", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, handler, http.MethodGet, "/instances/battery_01", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetActionEndpoint(t *testing.T) {
	srv, _, db := newTestServer(t)
	handler := srv.Handler()

	w := doJSON(t, handler, http.MethodPost, "/instances",
		`{"instance_id":5001,"name":"battery_01","product_name":"battery","enabled":true}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, handler, http.MethodPost, "/instances/battery_01/actions/3", `{"value":1}`)
	require.Equal(t, http.StatusOK, w.Code)
	var outcome instancemgr.RouteOutcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &outcome))
	assert.False(t, outcome.Routed, "no routing configured")

	raw, found, err := db.HashGet(context.Background(), "inst:5001:A", "3")
	require.NoError(t, err)
	require.True(t, found)
	value, _, ok := model.DecodeValue(raw)
	require.True(t, ok)
	assert.Equal(t, 1.0, value)
}

func TestRuleEndpoints(t *testing.T) {
	srv, _, db := newTestServer(t)
	handler := srv.Handler()
	require.NoError(t, db.HashSet(context.Background(), "inst:1:M", "1", model.EncodeValue(1, time.Now())))

	flow := `{"nodes":[
		{"id":"n1","type":"start","data":{"type":"start","config":{"wires":{"default":["n2"]}}}},
		{"id":"n2","type":"end","data":{"type":"end","config":{}}}
	]}`
	body, _ := json.Marshal(map[string]any{
		"name": "guard", "enabled": true, "priority": 5,
		"flow_json": json.RawMessage(flow),
	})

	w := doJSON(t, handler, http.MethodPost, "/rules", string(body))
	require.Equal(t, http.StatusCreated, w.Code)
	var created map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created["id"]
	require.NotZero(t, id)

	w = doJSON(t, handler, http.MethodGet, "/rules", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "guard")

	w = doJSON(t, handler, http.MethodPost, "/rules/"+itoa(id)+"/execute", "")
	require.Equal(t, http.StatusOK, w.Code)
	var result ruleengine.ExecutionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, id, result.RuleID)

	w = doJSON(t, handler, http.MethodPost, "/rules/"+itoa(id)+"/disable", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, handler, http.MethodGet, "/rules/history", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRoutingDump(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.routes.Swap(routecache.Build(model.RoutingMaps{
		C2M: []model.MeasurementRouting{{
			ChannelID: 1001, ChannelType: model.PointTypeTelemetry, ChannelPointID: 40001,
			InstanceID: 5001, MeasurementID: 10, Enabled: true,
		}},
		M2C: []model.ActionRouting{{
			InstanceID: 5001, ActionID: 3,
			ChannelID: 1001, ChannelType: model.PointTypeControl, ChannelPointID: 201, Enabled: true,
		}},
	}, 1))
	handler := srv.Handler()

	w := doJSON(t, handler, http.MethodGet, "/routing?direction=c2m", "")
	require.Equal(t, http.StatusOK, w.Code)
	var c2m map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &c2m))
	assert.Equal(t, "inst:5001:M:10", c2m["ch:1001:T:40001"])

	w = doJSON(t, handler, http.MethodGet, "/routing?direction=m2c", "")
	require.Equal(t, http.StatusOK, w.Code)
	var m2c map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m2c))
	assert.Equal(t, "ch:1001:C:201", m2c["inst:5001:A:3"])

	w = doJSON(t, handler, http.MethodGet, "/routing?direction=bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
