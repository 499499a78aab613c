// Package validate rejects bad configuration before it reaches a running
// service, in four layered levels: Schema, Semantic, Business, Runtime.
// Rule-graph shape checks are delegated to the rule engine's parser so a
// flow is judged by exactly the code that will execute it.
package validate

import (
	"context"
	"fmt"

	"github.com/voltageems/voltageemsd/internal/model"
	"github.com/voltageems/voltageemsd/internal/ruleengine"
	"github.com/voltageems/voltageemsd/internal/rtdb"
	"github.com/voltageems/voltageemsd/internal/store"
)

// Level orders the four validation levels; later levels imply earlier
// ones.
type Level string

const (
	LevelSchema   Level = "schema"
	LevelSemantic Level = "semantic"
	LevelBusiness Level = "business"
	LevelRuntime  Level = "runtime"
)

// Result reports a validation pass.
type Result struct {
	IsValid  bool     `json:"is_valid"`
	Level    Level    `json:"level"` // deepest level reached
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *Result) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.IsValid = false
}

func (r *Result) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Snapshot is a staging copy of the full configuration, loaded by the
// reload framework before it touches any running service.
type Snapshot struct {
	Channels  []model.Channel
	Products  []model.Product
	Instances []model.Instance
	Routing   model.RoutingMaps
	Rules     []model.Rule
}

// LoadSnapshot reads the complete enabled configuration from the store.
func LoadSnapshot(ctx context.Context, st *store.Store) (*Snapshot, error) {
	channels, err := st.LoadChannels(ctx)
	if err != nil {
		return nil, err
	}
	products, err := st.LoadProducts(ctx)
	if err != nil {
		return nil, err
	}
	instances, err := st.LoadInstances(ctx)
	if err != nil {
		return nil, err
	}
	routing, err := st.LoadRoutingMaps(ctx)
	if err != nil {
		return nil, err
	}
	rules, err := st.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Channels: channels, Products: products, Instances: instances, Routing: routing, Rules: rules}, nil
}

// Validate runs the Schema, Semantic, and Business levels over a snapshot.
// Runtime checks (ports, RTDB reachability) only run at startup via
// CheckRuntime and are skipped during reload.
func Validate(snap *Snapshot) Result {
	result := Result{IsValid: true, Level: LevelSchema}

	validateSchema(snap, &result)
	if !result.IsValid {
		return result
	}

	result.Level = LevelSemantic
	validateSemantic(snap, &result)
	if !result.IsValid {
		return result
	}

	result.Level = LevelBusiness
	validateBusiness(snap, &result)
	return result
}

// validateSchema: structural well-formedness — parsable rule graphs with
// legal shape (exactly one start, an end, no cycles), non-empty names.
func validateSchema(snap *Snapshot, result *Result) {
	for _, r := range snap.Rules {
		if _, err := ruleengine.ParseFlow(r.FlowJSON); err != nil {
			result.errorf("rule %d (%s): %v", r.ID, r.Name, err)
		}
	}
	for _, c := range snap.Channels {
		if c.Name == "" {
			result.errorf("channel %d has no name", c.ID)
		}
	}
	for _, i := range snap.Instances {
		if i.Name == "" {
			result.errorf("instance %d has no name", i.ID)
		}
	}
}

// validateSemantic: names match the identifier regex, enums in range,
// references resolve, no duplicate keys.
func validateSemantic(snap *Snapshot, result *Result) {
	channelNames := make(map[string]model.ChannelID)
	channelIDs := make(map[model.ChannelID]bool)
	for _, c := range snap.Channels {
		if !model.ValidName(c.Name) {
			result.errorf("channel %d name %q is not a valid identifier", c.ID, c.Name)
		}
		if prev, dup := channelNames[c.Name]; dup {
			result.errorf("channel name %q used by both %d and %d", c.Name, prev, c.ID)
		}
		channelNames[c.Name] = c.ID
		if channelIDs[c.ID] {
			result.errorf("duplicate channel id %d", c.ID)
		}
		channelIDs[c.ID] = true

		switch c.Protocol {
		case model.ProtocolModbusTCP, model.ProtocolModbusRTU, model.ProtocolIEC101,
			model.ProtocolIEC104, model.ProtocolCAN, model.ProtocolDIO, model.ProtocolVirtual:
		default:
			result.errorf("channel %d: unknown protocol %q", c.ID, c.Protocol)
		}

		seen := make(map[model.ChannelPointKey]bool, len(c.Points))
		for _, p := range c.Points {
			if seen[p.Key()] {
				result.errorf("channel %d: duplicate point (%s,%d)", c.ID, p.PointType, p.PointID)
			}
			seen[p.Key()] = true
		}
	}

	productNames := make(map[string]bool)
	for _, p := range snap.Products {
		if productNames[p.Name] {
			result.errorf("duplicate product %q", p.Name)
		}
		productNames[p.Name] = true
	}

	instanceNames := make(map[string]model.InstanceID)
	instanceIDs := make(map[model.InstanceID]bool)
	for _, i := range snap.Instances {
		if !model.ValidName(i.Name) {
			result.errorf("instance %d name %q is not a valid identifier", i.ID, i.Name)
		}
		if prev, dup := instanceNames[i.Name]; dup {
			result.errorf("instance name %q used by both %d and %d", i.Name, prev, i.ID)
		}
		instanceNames[i.Name] = i.ID
		if instanceIDs[i.ID] {
			result.errorf("duplicate instance id %d", i.ID)
		}
		instanceIDs[i.ID] = true
		if !productNames[i.ProductName] {
			result.errorf("instance %d references unknown product %q", i.ID, i.ProductName)
		}
	}

	ruleIDs := make(map[int64]bool)
	for _, r := range snap.Rules {
		if ruleIDs[r.ID] {
			result.errorf("duplicate rule id %d", r.ID)
		}
		ruleIDs[r.ID] = true
	}
}

// validateBusiness: routing closure and the fleet-level invariants.
func validateBusiness(snap *Snapshot, result *Result) {
	channelPoints := make(map[model.ChannelPointKey]model.ChannelPoint)
	channelIDs := make(map[model.ChannelID]bool)
	enabledChannels := 0
	for _, c := range snap.Channels {
		channelIDs[c.ID] = true
		if c.Enabled {
			enabledChannels++
		}
		for _, p := range c.Points {
			channelPoints[p.Key()] = p
		}
	}
	if len(snap.Channels) > 0 && enabledChannels == 0 {
		result.errorf("no enabled channel in configuration")
	}

	instanceIDs := make(map[model.InstanceID]bool)
	for _, i := range snap.Instances {
		instanceIDs[i.ID] = true
	}

	// measurement routing: FK closure plus no two records colliding on
	// one channel key with different destinations
	c2mSeen := make(map[model.ChannelPointKey][2]uint64)
	for _, r := range snap.Routing.C2M {
		if !r.Enabled {
			continue
		}
		key := model.ChannelPointKey{ChannelID: r.ChannelID, PointType: r.ChannelType, PointID: r.ChannelPointID}
		if !channelIDs[r.ChannelID] {
			result.errorf("measurement routing %d references unknown channel %d", r.ID, r.ChannelID)
		} else if _, ok := channelPoints[key]; !ok {
			result.errorf("measurement routing %d references unknown channel point %s", r.ID, key)
		}
		if !instanceIDs[r.InstanceID] {
			result.errorf("measurement routing %d references unknown instance %d", r.ID, r.InstanceID)
		}
		dest := [2]uint64{uint64(r.InstanceID), uint64(r.MeasurementID)}
		if prev, dup := c2mSeen[key]; dup && prev != dest {
			result.errorf("measurement routing collision on %s: (%d,%d) vs (%d,%d)",
				key, prev[0], prev[1], dest[0], dest[1])
		}
		c2mSeen[key] = dest
	}

	for _, r := range snap.Routing.M2C {
		if !r.Enabled {
			continue
		}
		if r.ChannelType != model.PointTypeControl && r.ChannelType != model.PointTypeAdjustment {
			result.errorf("action routing %d targets point type %q; must be C or A", r.ID, r.ChannelType)
		}
		if !channelIDs[r.ChannelID] {
			result.errorf("action routing %d references unknown channel %d", r.ID, r.ChannelID)
		} else {
			key := model.ChannelPointKey{ChannelID: r.ChannelID, PointType: r.ChannelType, PointID: r.ChannelPointID}
			if _, ok := channelPoints[key]; !ok {
				result.errorf("action routing %d references unknown channel point %s", r.ID, key)
			}
		}
		if !instanceIDs[r.InstanceID] {
			result.errorf("action routing %d references unknown instance %d", r.ID, r.InstanceID)
		}
	}

	for _, r := range snap.Routing.C2C {
		if !r.Enabled {
			continue
		}
		if !channelIDs[r.SourceChannel] || !channelIDs[r.TargetChannel] {
			result.errorf("channel routing %d references unknown channel", r.ID)
		}
	}

	hasEnabledRuleWithEnd := len(snap.Rules) == 0
	for _, r := range snap.Rules {
		if r.Enabled {
			// parse already succeeded at Schema level, and a parsed flow
			// always has an end node
			hasEnabledRuleWithEnd = true
		}
	}
	if !hasEnabledRuleWithEnd {
		result.warnf("rules present but none enabled")
	}
}

// CheckRuntime verifies the live dependencies: an RTDB round-trip and a
// store schema_version read. Startup-only; skipped during reload.
func CheckRuntime(ctx context.Context, db rtdb.RTDB, st *store.Store) Result {
	result := Result{IsValid: true, Level: LevelRuntime}

	if err := db.Set(ctx, "voltageems:runtime_probe", "1"); err != nil {
		result.errorf("rtdb write probe: %v", err)
	} else if _, _, err := db.Get(ctx, "voltageems:runtime_probe"); err != nil {
		result.errorf("rtdb read probe: %v", err)
	}
	db.Del(ctx, "voltageems:runtime_probe")

	if _, err := st.SchemaVersion(ctx); err != nil {
		result.errorf("store probe: %v", err)
	}
	return result
}
