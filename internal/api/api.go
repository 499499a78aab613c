// Package api hosts the command/health surfaces: a thin net/http shell
// over the protocol engine, instance manager, rule engine, and routing
// cache. Handlers hold no logic of their own; everything delegates to the
// owning component.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voltageems/voltageemsd/internal/apprt"
	"github.com/voltageems/voltageemsd/internal/comengine"
	"github.com/voltageems/voltageemsd/internal/instancemgr"
	"github.com/voltageems/voltageemsd/internal/model"
	"github.com/voltageems/voltageemsd/internal/routecache"
	"github.com/voltageems/voltageemsd/internal/rtdb"
	"github.com/voltageems/voltageemsd/internal/ruleengine"
	"github.com/voltageems/voltageemsd/internal/store"
)

// HealthState is a component's probe outcome.
type HealthState string

const (
	Healthy   HealthState = "healthy"
	Unhealthy HealthState = "unhealthy"
)

// Server wires the admin/probe handlers to the core components.
type Server struct {
	rt        *apprt.Context
	db        rtdb.RTDB
	store     *store.Store
	engine    *comengine.Engine
	instances *instancemgr.Manager
	rules     *ruleengine.Engine
	routes    *routecache.Store

	name    string
	version string
	started time.Time
}

// New builds a Server; Handler() returns the mux to mount.
func New(rt *apprt.Context, db rtdb.RTDB, st *store.Store, engine *comengine.Engine, instances *instancemgr.Manager, rules *ruleengine.Engine, routes *routecache.Store, name, version string) *Server {
	return &Server{
		rt:        rt.WithComponent("api"),
		db:        db,
		store:     st,
		engine:    engine,
		instances: instances,
		rules:     rules,
		routes:    routes,
		name:      name,
		version:   version,
		started:   time.Now(),
	}
}

// Handler returns the HTTP mux for all admin/probe surfaces.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /instances", s.handleListInstances)
	mux.HandleFunc("POST /instances", s.handleCreateInstance)
	mux.HandleFunc("GET /instances/{name}", s.handleGetInstance)
	mux.HandleFunc("DELETE /instances/{name}", s.handleDeleteInstance)
	mux.HandleFunc("POST /instances/{name}/actions/{point}", s.handleSetAction)
	mux.HandleFunc("GET /rules", s.handleListRules)
	mux.HandleFunc("POST /rules", s.handleUpsertRule)
	mux.HandleFunc("POST /rules/{id}/enable", s.handleEnableRule(true))
	mux.HandleFunc("POST /rules/{id}/disable", s.handleEnableRule(false))
	mux.HandleFunc("POST /rules/{id}/execute", s.handleExecuteRule)
	mux.HandleFunc("GET /rules/history", s.handleRuleHistory)
	mux.HandleFunc("GET /routing", s.handleRouting)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps a component error to an HTTP status by its taxonomy kind.
func statusFor(err error) int {
	if kind, ok := apprt.KindOf(err); ok {
		switch kind {
		case apprt.KindConfig:
			return http.StatusBadRequest
		case apprt.KindStore, apprt.KindRTDB:
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}

type componentHealth struct {
	Name   string      `json:"name"`
	Status HealthState `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	components := make([]componentHealth, 0, 3)
	overall := Healthy

	rtdbHealth := componentHealth{Name: "rtdb", Status: Healthy}
	if err := s.db.Set(ctx, "voltageems:health_probe", "1"); err != nil {
		rtdbHealth.Status, rtdbHealth.Detail, overall = Unhealthy, err.Error(), Unhealthy
	} else if _, _, err := s.db.Get(ctx, "voltageems:health_probe"); err != nil {
		rtdbHealth.Status, rtdbHealth.Detail, overall = Unhealthy, err.Error(), Unhealthy
	}
	components = append(components, rtdbHealth)

	storeHealth := componentHealth{Name: "store", Status: Healthy}
	if _, err := s.store.SchemaVersion(ctx); err != nil {
		storeHealth.Status, storeHealth.Detail, overall = Unhealthy, err.Error(), Unhealthy
	}
	components = append(components, storeHealth)

	running, total := s.engine.Counts()
	components = append(components, componentHealth{Name: "comengine", Status: Healthy,
		Detail: strconv.Itoa(running) + "/" + strconv.Itoa(total) + " channels running"})

	status := http.StatusOK
	if overall == Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":           overall,
		"components":       components,
		"channels_running": running,
		"channels_total":   total,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	running, total := s.engine.Counts()
	c2m, m2c, c2c := s.routes.Load().Size()
	writeJSON(w, http.StatusOK, map[string]any{
		"service":          s.name,
		"version":          s.version,
		"uptime_seconds":   int64(time.Since(s.started).Seconds()),
		"channels_running": running,
		"channels_total":   total,
		"channels":         s.engine.Statuses(),
		"routes":           map[string]int{"c2m": c2m, "m2c": m2c, "c2c": c2c},
	})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.instances.ListInstances(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, found, err := s.instances.GetInstanceByName(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such instance"})
		return
	}

	measurements, _ := s.db.HashGetAll(r.Context(), rtdb.InstanceKey(uint32(inst.ID), rtdb.InstanceMeasurement))
	actions, _ := s.db.HashGetAll(r.Context(), rtdb.InstanceKey(uint32(inst.ID), rtdb.InstanceAction))
	writeJSON(w, http.StatusOK, map[string]any{
		"instance":     inst,
		"measurements": measurements,
		"actions":      actions,
	})
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req instancemgr.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	inst, err := s.instances.CreateInstance(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	inst, found, err := s.instances.GetInstanceByName(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such instance"})
		return
	}
	if err := s.instances.DeleteInstance(r.Context(), inst.ID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": inst.Name})
}

func (s *Server) handleSetAction(w http.ResponseWriter, r *http.Request) {
	inst, found, err := s.instances.GetInstanceByName(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such instance"})
		return
	}
	pointID, err := strconv.ParseUint(r.PathValue("point"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		Value float64 `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	outcome, err := s.instances.SetActionPoint(r.Context(), inst.ID, model.PointID(pointID), body.Value)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := s.rules.Rules()
	out := make([]map[string]any, 0, len(rules))
	for _, rule := range rules {
		out = append(out, map[string]any{
			"id":          rule.ID,
			"name":        rule.Name,
			"description": rule.Description,
			"enabled":     rule.Enabled,
			"priority":    rule.Priority,
			"cooldown_ms": rule.CooldownMS,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpsertRule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID          int64           `json:"id"`
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Enabled     bool            `json:"enabled"`
		Priority    uint8           `json:"priority"`
		CooldownMS  int64           `json:"cooldown_ms"`
		Flow        json.RawMessage `json:"flow_json"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rule := model.Rule{
		ID: body.ID, Name: body.Name, Description: body.Description,
		Enabled: body.Enabled, Priority: body.Priority, CooldownMS: body.CooldownMS,
		FlowJSON: body.Flow, Format: "vueflow",
	}
	id, err := s.store.UpsertRule(r.Context(), rule, time.Now().UnixMilli())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	rule.ID = id
	if err := s.rules.UpsertRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleEnableRule(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if !s.rules.SetEnabled(id, enabled) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such rule"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": enabled})
	}
}

func (s *Server) handleExecuteRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.rules.ExecuteRule(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRuleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.rules.History(limit))
}

func (s *Server) handleRouting(w http.ResponseWriter, r *http.Request) {
	direction := strings.ToLower(r.URL.Query().Get("direction"))
	cache := s.routes.Load()
	switch direction {
	case "m2c":
		writeJSON(w, http.StatusOK, cache.DumpM2C())
	case "c2m", "":
		writeJSON(w, http.StatusOK, cache.DumpC2M())
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "direction must be c2m or m2c"})
	}
}
