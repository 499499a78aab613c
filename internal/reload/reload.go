// Package reload applies mapping-store changes to running services
// without restart: poll the schema version, stage and validate a full
// snapshot, apply a per-entity add/update/remove differential, then swap
// the routing cache with a single atomic pointer store.
package reload

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/voltageems/voltageemsd/internal/apprt"
	"github.com/voltageems/voltageemsd/internal/model"
	"github.com/voltageems/voltageemsd/internal/routecache"
	"github.com/voltageems/voltageemsd/internal/store"
	"github.com/voltageems/voltageemsd/internal/validate"
)

// ChannelRunner is the slice of the protocol engine reload drives.
type ChannelRunner interface {
	StartChannel(ctx context.Context, cfg model.Channel) error
	StopChannel(id model.ChannelID) bool
	UpdateChannel(ctx context.Context, cfg model.Channel) error
	ChannelConfigs() map[model.ChannelID]model.Channel
}

// RuleApplier is the slice of the rule engine reload drives.
type RuleApplier interface {
	UpsertRule(rule model.Rule) error
	RemoveRule(id int64) bool
	Rules() []model.Rule
}

// Result summarizes one reload pass.
type Result struct {
	Total      int      `json:"total"`
	Added      []string `json:"added"`
	Updated    []string `json:"updated"`
	Removed    []string `json:"removed"`
	Errors     []string `json:"errors,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

// Service watches the store's schema_version and applies differential
// reloads.
type Service struct {
	rt       *apprt.Context
	store    *store.Store
	routes   *routecache.Store
	channels ChannelRunner
	rules    RuleApplier

	interval       time.Duration
	skipValidation bool
	lastVersion    int64
}

// New builds a reload Service. interval zero takes the 2 s default.
func New(rt *apprt.Context, st *store.Store, routes *routecache.Store, channels ChannelRunner, rules RuleApplier, interval time.Duration, skipValidation bool) *Service {
	if interval == 0 {
		interval = 2 * time.Second
	}
	return &Service{
		rt:             rt.WithComponent("reload"),
		store:          st,
		routes:         routes,
		channels:       channels,
		rules:          rules,
		interval:       interval,
		skipValidation: skipValidation,
	}
}

// Start launches the version watcher; the returned stop function blocks
// until the loop drains.
func (s *Service) Start(ctx context.Context) func() {
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	ticker := time.NewTicker(s.interval)

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				version, err := s.store.SchemaVersion(loopCtx)
				if err != nil {
					s.rt.Logger.Warn("schema version poll failed", "error", err)
					continue
				}
				if version == s.lastVersion {
					continue
				}
				if _, err := s.ReloadOnce(loopCtx); err != nil {
					s.rt.Logger.Error("reload failed, keeping previous state", "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// ReloadOnce loads a staging snapshot, validates it, and applies the
// differential. On validation failure the running state is untouched.
func (s *Service) ReloadOnce(ctx context.Context) (*Result, error) {
	start := time.Now()

	version, err := s.store.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := validate.LoadSnapshot(ctx, s.store)
	if err != nil {
		return nil, err
	}

	if !s.skipValidation {
		if vr := validate.Validate(snap); !vr.IsValid {
			return nil, apprt.Wrap(apprt.KindConfig, "reload",
				fmt.Sprintf("validation rejected at %s level: %v", vr.Level, vr.Errors), nil)
		}
	}

	result := &Result{}
	s.applyRules(snap.Rules, result)
	s.applyChannels(ctx, snap.Channels, result)
	result.Total = len(result.Added) + len(result.Updated) + len(result.Removed)

	// the atomic swap: readers see either the old cache or the new one,
	// never a mixture
	previous := s.routes.Swap(routecache.Build(snap.Routing, version))
	s.lastVersion = version

	result.DurationMS = time.Since(start).Milliseconds()
	c2m, m2c, c2c := s.routes.Load().Size()
	s.rt.Logger.Info("reload applied",
		"version", version, "added", len(result.Added), "updated", len(result.Updated),
		"removed", len(result.Removed), "errors", len(result.Errors),
		"c2m", c2m, "m2c", m2c, "c2c", c2c, "previous_epoch", previous.Epoch(),
		"duration_ms", result.DurationMS)
	return result, nil
}

// applyRules computes the rule differential and applies deletions,
// additions, then updates. Every rule mutation is a hot-swap
// (ConfigUpdate); a failed update attempts rollback to the previous
// version of that rule.
func (s *Service) applyRules(next []model.Rule, result *Result) {
	previous := make(map[int64]model.Rule)
	for _, r := range s.rules.Rules() {
		previous[r.ID] = r
	}
	desired := make(map[int64]model.Rule, len(next))
	for _, r := range next {
		desired[r.ID] = r
	}

	for id, prev := range previous {
		if _, keep := desired[id]; !keep {
			s.rules.RemoveRule(id)
			result.Removed = append(result.Removed, prev.Name)
		}
	}
	for _, r := range sortedRules(next) {
		if _, existed := previous[r.ID]; existed {
			continue
		}
		if err := s.rules.UpsertRule(r); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("add rule %s: %v", r.Name, err))
			continue
		}
		result.Added = append(result.Added, r.Name)
	}
	for _, r := range sortedRules(next) {
		prev, existed := previous[r.ID]
		if !existed || ruleEqual(prev, r) {
			continue
		}
		if err := s.rules.UpsertRule(r); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("update rule %s: %v", r.Name, err))
			if rbErr := s.rules.UpsertRule(prev); rbErr != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("rollback rule %s: %v", prev.Name, rbErr))
			}
			continue
		}
		result.Updated = append(result.Updated, r.Name)
	}
}

// applyChannels computes the channel differential. Any non-id change to a
// channel's protocol, parameters, or point table is a StructuralChange:
// the channel task is stopped and restarted with the new configuration.
func (s *Service) applyChannels(ctx context.Context, next []model.Channel, result *Result) {
	previous := s.channels.ChannelConfigs()
	desired := make(map[model.ChannelID]model.Channel, len(next))
	for _, c := range next {
		desired[c.ID] = c
	}

	for id, prev := range previous {
		if _, keep := desired[id]; !keep {
			s.channels.StopChannel(id)
			result.Removed = append(result.Removed, prev.Name)
		}
	}
	for _, c := range sortedChannels(next) {
		prev, existed := previous[c.ID]
		if !existed {
			if err := s.channels.StartChannel(ctx, c); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("start channel %s: %v", c.Name, err))
				continue
			}
			result.Added = append(result.Added, c.Name)
			continue
		}
		if channelEqual(prev, c) {
			continue
		}
		if err := s.channels.UpdateChannel(ctx, c); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("restart channel %s: %v", c.Name, err))
			if rbErr := s.channels.StartChannel(ctx, prev); rbErr != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("rollback channel %s: %v", prev.Name, rbErr))
			}
			continue
		}
		result.Updated = append(result.Updated, c.Name)
	}
}

func ruleEqual(a, b model.Rule) bool {
	return a.Name == b.Name &&
		a.Enabled == b.Enabled &&
		a.Priority == b.Priority &&
		a.CooldownMS == b.CooldownMS &&
		bytes.Equal(a.FlowJSON, b.FlowJSON)
}

func channelEqual(a, b model.Channel) bool {
	if a.Name != b.Name || a.Protocol != b.Protocol || a.Enabled != b.Enabled || len(a.Points) != len(b.Points) {
		return false
	}
	if fmt.Sprintf("%v", a.Parameters) != fmt.Sprintf("%v", b.Parameters) {
		return false
	}
	for i := range a.Points {
		if fmt.Sprintf("%+v", a.Points[i]) != fmt.Sprintf("%+v", b.Points[i]) {
			return false
		}
	}
	return true
}

func sortedRules(rules []model.Rule) []model.Rule {
	out := append([]model.Rule(nil), rules...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedChannels(channels []model.Channel) []model.Channel {
	out := append([]model.Channel(nil), channels...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
