// Package store is the mapping store: the single source of truth for
// channels, channel points, products, instances, routing tables, and
// rules. database/sql over modernc.org/sqlite (pure Go, no CGO), WAL
// mode, a phased migration runner, and a dedicated schema_meta row whose
// monotonic version drives the reload watcher.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/voltageems/voltageemsd/internal/model"
)

// Store wraps a SQLite connection implementing the mapping-store contract.
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at path, running migrations
// and enabling WAL mode + foreign keys.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, newErr(ErrBackend, "open", "create data dir", err)
		}
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newErr(ErrBackend, "open", "open sqlite", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, newErr(ErrBackend, "open", "ping sqlite", err)
	}
	// SQLite is single-writer; keep the pool small and bounded.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, newErr(ErrBackend, "open", "migrate", err)
	}
	return s, nil
}

// OpenMemory opens an in-process, non-persistent database — used by tests
// and by single-process deployments with SKIP_VALIDATION-style ephemeral
// runs.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?cache=shared&_foreign_keys=on")
	if err != nil {
		return nil, newErr(ErrBackend, "open_memory", "open sqlite", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, newErr(ErrBackend, "open_memory", "migrate", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// migrate runs idempotent phased schema migrations, one statement slice
// per epoch, applied in order.
func (s *Store) migrate() error {
	phases := [][]string{
		phase1Schema,
		phase2RoutingTables,
		phase3RulesTable,
	}
	for _, phase := range phases {
		for _, stmt := range phase {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("migration failed: %w\nSQL: %s", err, stmt)
			}
		}
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_meta`).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.db.Exec(`INSERT INTO schema_meta (id, version) VALUES (1, 0)`); err != nil {
			return err
		}
	}
	return nil
}

var phase1Schema = []string{
	`CREATE TABLE IF NOT EXISTS schema_meta (
		id      INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS channels (
		channel_id     INTEGER PRIMARY KEY,
		name           TEXT NOT NULL UNIQUE,
		protocol       TEXT NOT NULL,
		parameters_json TEXT NOT NULL DEFAULT '{}',
		log_policy     TEXT NOT NULL DEFAULT '',
		enabled        BOOLEAN NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS channel_points (
		channel_id  INTEGER NOT NULL REFERENCES channels(channel_id),
		point_type  TEXT NOT NULL,
		point_id    INTEGER NOT NULL,
		codec_json  TEXT NOT NULL DEFAULT '{}',
		scaling_json TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (channel_id, point_type, point_id)
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		name        TEXT PRIMARY KEY,
		schema_json TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS instances (
		instance_id   INTEGER PRIMARY KEY,
		name          TEXT NOT NULL UNIQUE,
		product_name  TEXT NOT NULL REFERENCES products(name),
		properties_json TEXT NOT NULL DEFAULT '{}',
		enabled       BOOLEAN NOT NULL DEFAULT 1
	)`,
}

var phase2RoutingTables = []string{
	`CREATE TABLE IF NOT EXISTS measurement_routing (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id      INTEGER NOT NULL REFERENCES instances(instance_id),
		channel_id       INTEGER NOT NULL REFERENCES channels(channel_id),
		channel_type     TEXT NOT NULL,
		channel_point_id INTEGER NOT NULL,
		measurement_id   INTEGER NOT NULL,
		enabled          BOOLEAN NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS action_routing (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id      INTEGER NOT NULL REFERENCES instances(instance_id),
		action_id        INTEGER NOT NULL,
		channel_id       INTEGER NOT NULL REFERENCES channels(channel_id),
		channel_type     TEXT NOT NULL,
		channel_point_id INTEGER NOT NULL,
		enabled          BOOLEAN NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS channel_routing (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		source_channel_id INTEGER NOT NULL,
		source_type       TEXT NOT NULL,
		source_point_id   INTEGER NOT NULL,
		target_channel_id INTEGER NOT NULL,
		target_type       TEXT NOT NULL,
		target_point_id   INTEGER NOT NULL,
		scale             REAL NOT NULL DEFAULT 1,
		offset            REAL NOT NULL DEFAULT 0,
		enabled           BOOLEAN NOT NULL DEFAULT 1
	)`,
}

var phase3RulesTable = []string{
	`CREATE TABLE IF NOT EXISTS rules (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		enabled     BOOLEAN NOT NULL DEFAULT 1,
		priority    INTEGER NOT NULL DEFAULT 0,
		cooldown_ms INTEGER NOT NULL DEFAULT 0,
		flow_json   TEXT NOT NULL,
		format      TEXT NOT NULL DEFAULT 'vueflow',
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	)`,
}

// SchemaVersion returns the monotonic version counter the reload watcher polls.
func (s *Store) SchemaVersion(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_meta WHERE id = 1`).Scan(&v)
	if err != nil {
		return 0, newErr(ErrBackend, "schema_version", "query", err)
	}
	return v, nil
}

// bumpVersion increments schema_meta.version transactionally alongside a
// mutation; callers pass the *sql.Tx the mutation itself ran on so the
// bump commits atomically with it.
func bumpVersion(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `UPDATE schema_meta SET version = version + 1 WHERE id = 1`)
	return err
}

func marshalJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalJSON(s string, out any) {
	if s == "" {
		return
	}
	_ = json.Unmarshal([]byte(s), out)
}

// LoadChannels returns every enabled channel with its points attached;
// consumers only ever see enabled rows.
func (s *Store) LoadChannels(ctx context.Context) ([]model.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, name, protocol, parameters_json, log_policy, enabled
		FROM channels WHERE enabled = 1 ORDER BY channel_id`)
	if err != nil {
		return nil, newErr(ErrBackend, "load_channels", "query", err)
	}
	defer rows.Close()

	byID := make(map[model.ChannelID]*model.Channel)
	var order []model.ChannelID
	for rows.Next() {
		var c model.Channel
		var paramsJSON string
		if err := rows.Scan(&c.ID, &c.Name, &c.Protocol, &paramsJSON, &c.LogPolicy, &c.Enabled); err != nil {
			return nil, newErr(ErrBackend, "load_channels", "scan", err)
		}
		c.Parameters = map[string]any{}
		unmarshalJSON(paramsJSON, &c.Parameters)
		byID[c.ID] = &c
		order = append(order, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, newErr(ErrBackend, "load_channels", "rows", err)
	}

	pointRows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, point_type, point_id, codec_json, scaling_json FROM channel_points`)
	if err != nil {
		return nil, newErr(ErrBackend, "load_channels", "query_points", err)
	}
	defer pointRows.Close()
	for pointRows.Next() {
		var p model.ChannelPoint
		var codecJSON, scalingJSON string
		if err := pointRows.Scan(&p.ChannelID, &p.PointType, &p.PointID, &codecJSON, &scalingJSON); err != nil {
			return nil, newErr(ErrBackend, "load_channels", "scan_point", err)
		}
		c, ok := byID[p.ChannelID]
		if !ok {
			continue // point belongs to a disabled channel
		}
		unmarshalJSON(scalingJSON, &p.Scaling)
		decodeCodec(&p, codecJSON, c.Protocol)
		c.Points = append(c.Points, p)
	}

	out := make([]model.Channel, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func decodeCodec(p *model.ChannelPoint, codecJSON string, proto model.Protocol) {
	switch proto {
	case model.ProtocolModbusTCP, model.ProtocolModbusRTU:
		p.Modbus = &model.ModbusCodec{}
		unmarshalJSON(codecJSON, p.Modbus)
	case model.ProtocolCAN:
		p.CAN = &model.CANCodec{}
		unmarshalJSON(codecJSON, p.CAN)
	case model.ProtocolIEC104, model.ProtocolIEC101:
		p.IEC104 = &model.IEC104Codec{}
		unmarshalJSON(codecJSON, p.IEC104)
	}
}

// LoadProducts returns every declared device-model template.
func (s *Store) LoadProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, schema_json FROM products ORDER BY name`)
	if err != nil {
		return nil, newErr(ErrBackend, "load_products", "query", err)
	}
	defer rows.Close()
	var out []model.Product
	for rows.Next() {
		var name, schemaJSON string
		if err := rows.Scan(&name, &schemaJSON); err != nil {
			return nil, newErr(ErrBackend, "load_products", "scan", err)
		}
		p := model.Product{Name: name}
		var body struct {
			Measurements []model.PointSpec `json:"measurements"`
			Actions      []model.PointSpec `json:"actions"`
		}
		unmarshalJSON(schemaJSON, &body)
		p.Measurements = body.Measurements
		p.Actions = body.Actions
		out = append(out, p)
	}
	return out, rows.Err()
}

// LoadInstances returns every enabled instance.
func (s *Store) LoadInstances(ctx context.Context) ([]model.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, name, product_name, properties_json, enabled
		FROM instances WHERE enabled = 1 ORDER BY instance_id`)
	if err != nil {
		return nil, newErr(ErrBackend, "load_instances", "query", err)
	}
	defer rows.Close()
	var out []model.Instance
	for rows.Next() {
		var inst model.Instance
		var propsJSON string
		if err := rows.Scan(&inst.ID, &inst.Name, &inst.ProductName, &propsJSON, &inst.Enabled); err != nil {
			return nil, newErr(ErrBackend, "load_instances", "scan", err)
		}
		inst.Properties = map[string]any{}
		unmarshalJSON(propsJSON, &inst.Properties)
		out = append(out, inst)
	}
	return out, rows.Err()
}

// LoadRoutingMaps returns the three routing tables, enabled rows only.
func (s *Store) LoadRoutingMaps(ctx context.Context) (model.RoutingMaps, error) {
	var maps model.RoutingMaps

	c2mRows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, channel_id, channel_type, channel_point_id, measurement_id, enabled
		FROM measurement_routing WHERE enabled = 1`)
	if err != nil {
		return maps, newErr(ErrBackend, "load_routing_maps", "c2m", err)
	}
	for c2mRows.Next() {
		var r model.MeasurementRouting
		if err := c2mRows.Scan(&r.ID, &r.InstanceID, &r.ChannelID, &r.ChannelType, &r.ChannelPointID, &r.MeasurementID, &r.Enabled); err != nil {
			c2mRows.Close()
			return maps, newErr(ErrBackend, "load_routing_maps", "c2m_scan", err)
		}
		maps.C2M = append(maps.C2M, r)
	}
	c2mRows.Close()

	m2cRows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, action_id, channel_id, channel_type, channel_point_id, enabled
		FROM action_routing WHERE enabled = 1`)
	if err != nil {
		return maps, newErr(ErrBackend, "load_routing_maps", "m2c", err)
	}
	for m2cRows.Next() {
		var r model.ActionRouting
		if err := m2cRows.Scan(&r.ID, &r.InstanceID, &r.ActionID, &r.ChannelID, &r.ChannelType, &r.ChannelPointID, &r.Enabled); err != nil {
			m2cRows.Close()
			return maps, newErr(ErrBackend, "load_routing_maps", "m2c_scan", err)
		}
		maps.M2C = append(maps.M2C, r)
	}
	m2cRows.Close()

	c2cRows, err := s.db.QueryContext(ctx, `
		SELECT id, source_channel_id, source_type, source_point_id,
		       target_channel_id, target_type, target_point_id, scale, offset, enabled
		FROM channel_routing WHERE enabled = 1`)
	if err != nil {
		return maps, newErr(ErrBackend, "load_routing_maps", "c2c", err)
	}
	for c2cRows.Next() {
		var r model.ChannelRouting
		if err := c2cRows.Scan(&r.ID, &r.SourceChannel, &r.SourceType, &r.SourcePointID,
			&r.TargetChannel, &r.TargetType, &r.TargetPointID, &r.Scale, &r.Offset, &r.Enabled); err != nil {
			c2cRows.Close()
			return maps, newErr(ErrBackend, "load_routing_maps", "c2c_scan", err)
		}
		maps.C2C = append(maps.C2C, r)
	}
	c2cRows.Close()

	return maps, nil
}

// ListRules returns every enabled rule ordered by descending priority, the
// order the rule scheduler ticks them in.
func (s *Store) ListRules(ctx context.Context) ([]model.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, enabled, priority, cooldown_ms, flow_json, format
		FROM rules WHERE enabled = 1 ORDER BY priority DESC, id`)
	if err != nil {
		return nil, newErr(ErrBackend, "list_rules", "query", err)
	}
	defer rows.Close()
	var out []model.Rule
	for rows.Next() {
		var r model.Rule
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Enabled, &r.Priority, &r.CooldownMS, &r.FlowJSON, &r.Format); err != nil {
			return nil, newErr(ErrBackend, "list_rules", "scan", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertRule inserts or updates a rule row, bumping schema_version in
// the same transaction so watchers see the mutation.
func (s *Store) UpsertRule(ctx context.Context, r model.Rule, nowUnixMilli int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, newErr(ErrBackend, "upsert_rule", "begin", err)
	}
	defer tx.Rollback()

	if r.ID == 0 {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO rules (name, description, enabled, priority, cooldown_ms, flow_json, format, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Name, r.Description, r.Enabled, r.Priority, r.CooldownMS, string(r.FlowJSON), r.Format, nowUnixMilli, nowUnixMilli)
		if err != nil {
			return 0, newErr(ErrIntegrityViolation, "upsert_rule", "insert", err)
		}
		id, _ := res.LastInsertId()
		r.ID = id
	} else {
		_, err := tx.ExecContext(ctx, `
			UPDATE rules SET name=?, description=?, enabled=?, priority=?, cooldown_ms=?, flow_json=?, format=?, updated_at=?
			WHERE id=?`,
			r.Name, r.Description, r.Enabled, r.Priority, r.CooldownMS, string(r.FlowJSON), r.Format, nowUnixMilli, r.ID)
		if err != nil {
			return 0, newErr(ErrIntegrityViolation, "upsert_rule", "update", err)
		}
	}
	if err := bumpVersion(ctx, tx); err != nil {
		return 0, newErr(ErrBackend, "upsert_rule", "bump_version", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, newErr(ErrBackend, "upsert_rule", "commit", err)
	}
	return r.ID, nil
}

// UpsertInstance inserts or updates an instance row, bumping
// schema_version alongside it.
func (s *Store) UpsertInstance(ctx context.Context, inst model.Instance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(ErrBackend, "upsert_instance", "begin", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO instances (instance_id, name, product_name, properties_json, enabled)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			name=excluded.name, product_name=excluded.product_name,
			properties_json=excluded.properties_json, enabled=excluded.enabled`,
		inst.ID, inst.Name, inst.ProductName, marshalJSON(inst.Properties), inst.Enabled)
	if err != nil {
		return newErr(ErrIntegrityViolation, "upsert_instance", "exec", err)
	}
	if err := bumpVersion(ctx, tx); err != nil {
		return newErr(ErrBackend, "upsert_instance", "bump_version", err)
	}
	return tx.Commit()
}

// DeleteInstance removes an instance row and every routing record that
// references it.
func (s *Store) DeleteInstance(ctx context.Context, id model.InstanceID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(ErrBackend, "delete_instance", "begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM measurement_routing WHERE instance_id = ?`, id); err != nil {
		return newErr(ErrBackend, "delete_instance", "delete_c2m", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM action_routing WHERE instance_id = ?`, id); err != nil {
		return newErr(ErrBackend, "delete_instance", "delete_m2c", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE instance_id = ?`, id)
	if err != nil {
		return newErr(ErrBackend, "delete_instance", "delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return newErr(ErrNotFound, "delete_instance", fmt.Sprintf("instance %d", id), nil)
	}
	if err := bumpVersion(ctx, tx); err != nil {
		return newErr(ErrBackend, "delete_instance", "bump_version", err)
	}
	return tx.Commit()
}

// GetInstanceByName looks up a single instance by its unique name.
func (s *Store) GetInstanceByName(ctx context.Context, name string) (model.Instance, bool, error) {
	var inst model.Instance
	var propsJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT instance_id, name, product_name, properties_json, enabled
		FROM instances WHERE name = ?`, name).
		Scan(&inst.ID, &inst.Name, &inst.ProductName, &propsJSON, &inst.Enabled)
	if err == sql.ErrNoRows {
		return model.Instance{}, false, nil
	}
	if err != nil {
		return model.Instance{}, false, newErr(ErrBackend, "get_instance", "query", err)
	}
	inst.Properties = map[string]any{}
	unmarshalJSON(propsJSON, &inst.Properties)
	return inst, true, nil
}

// InstanceIDExists reports whether the given instance_id is already taken,
// used by create_instance's uniqueness check.
func (s *Store) InstanceIDExists(ctx context.Context, id model.InstanceID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances WHERE instance_id = ?`, id).Scan(&n)
	if err != nil {
		return false, newErr(ErrBackend, "instance_exists", "query", err)
	}
	return n > 0, nil
}

// ProductExists reports whether a product template is declared.
func (s *Store) ProductExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, newErr(ErrBackend, "product_exists", "query", err)
	}
	return n > 0, nil
}

// UpsertProduct inserts or replaces a product template.
func (s *Store) UpsertProduct(ctx context.Context, p model.Product) error {
	body := struct {
		Measurements []model.PointSpec `json:"measurements"`
		Actions      []model.PointSpec `json:"actions"`
	}{p.Measurements, p.Actions}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(ErrBackend, "upsert_product", "begin", err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (name, schema_json) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET schema_json=excluded.schema_json`,
		p.Name, marshalJSON(body))
	if err != nil {
		return newErr(ErrIntegrityViolation, "upsert_product", "exec", err)
	}
	if err := bumpVersion(ctx, tx); err != nil {
		return newErr(ErrBackend, "upsert_product", "bump_version", err)
	}
	return tx.Commit()
}

// UpsertChannel inserts or updates a channel row and its points.
func (s *Store) UpsertChannel(ctx context.Context, c model.Channel) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(ErrBackend, "upsert_channel", "begin", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO channels (channel_id, name, protocol, parameters_json, log_policy, enabled)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			name=excluded.name, protocol=excluded.protocol, parameters_json=excluded.parameters_json,
			log_policy=excluded.log_policy, enabled=excluded.enabled`,
		c.ID, c.Name, c.Protocol, marshalJSON(c.Parameters), c.LogPolicy, c.Enabled)
	if err != nil {
		return newErr(ErrIntegrityViolation, "upsert_channel", "exec", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM channel_points WHERE channel_id = ?`, c.ID); err != nil {
		return newErr(ErrBackend, "upsert_channel", "clear_points", err)
	}
	for _, p := range c.Points {
		codecJSON := marshalJSON(codecPayload(p))
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channel_points (channel_id, point_type, point_id, codec_json, scaling_json)
			VALUES (?, ?, ?, ?, ?)`,
			c.ID, p.PointType, p.PointID, codecJSON, marshalJSON(p.Scaling)); err != nil {
			return newErr(ErrIntegrityViolation, "upsert_channel", "insert_point", err)
		}
	}
	if err := bumpVersion(ctx, tx); err != nil {
		return newErr(ErrBackend, "upsert_channel", "bump_version", err)
	}
	return tx.Commit()
}

func codecPayload(p model.ChannelPoint) any {
	switch {
	case p.Modbus != nil:
		return p.Modbus
	case p.CAN != nil:
		return p.CAN
	case p.IEC104 != nil:
		return p.IEC104
	default:
		return struct{}{}
	}
}

// UpsertMeasurementRouting inserts or updates a C2M routing record.
func (s *Store) UpsertMeasurementRouting(ctx context.Context, r model.MeasurementRouting) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, newErr(ErrBackend, "upsert_measurement_routing", "begin", err)
	}
	defer tx.Rollback()
	if r.ID == 0 {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO measurement_routing (instance_id, channel_id, channel_type, channel_point_id, measurement_id, enabled)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.InstanceID, r.ChannelID, r.ChannelType, r.ChannelPointID, r.MeasurementID, r.Enabled)
		if err != nil {
			return 0, newErr(ErrIntegrityViolation, "upsert_measurement_routing", "insert", err)
		}
		r.ID, _ = res.LastInsertId()
	} else {
		_, err := tx.ExecContext(ctx, `
			UPDATE measurement_routing SET instance_id=?, channel_id=?, channel_type=?, channel_point_id=?, measurement_id=?, enabled=?
			WHERE id=?`,
			r.InstanceID, r.ChannelID, r.ChannelType, r.ChannelPointID, r.MeasurementID, r.Enabled, r.ID)
		if err != nil {
			return 0, newErr(ErrIntegrityViolation, "upsert_measurement_routing", "update", err)
		}
	}
	if err := bumpVersion(ctx, tx); err != nil {
		return 0, newErr(ErrBackend, "upsert_measurement_routing", "bump_version", err)
	}
	return r.ID, tx.Commit()
}

// UpsertActionRouting inserts or updates an M2C routing record.
func (s *Store) UpsertActionRouting(ctx context.Context, r model.ActionRouting) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, newErr(ErrBackend, "upsert_action_routing", "begin", err)
	}
	defer tx.Rollback()
	if r.ID == 0 {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO action_routing (instance_id, action_id, channel_id, channel_type, channel_point_id, enabled)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.InstanceID, r.ActionID, r.ChannelID, r.ChannelType, r.ChannelPointID, r.Enabled)
		if err != nil {
			return 0, newErr(ErrIntegrityViolation, "upsert_action_routing", "insert", err)
		}
		r.ID, _ = res.LastInsertId()
	} else {
		_, err := tx.ExecContext(ctx, `
			UPDATE action_routing SET instance_id=?, action_id=?, channel_id=?, channel_type=?, channel_point_id=?, enabled=?
			WHERE id=?`,
			r.InstanceID, r.ActionID, r.ChannelID, r.ChannelType, r.ChannelPointID, r.Enabled, r.ID)
		if err != nil {
			return 0, newErr(ErrIntegrityViolation, "upsert_action_routing", "update", err)
		}
	}
	if err := bumpVersion(ctx, tx); err != nil {
		return 0, newErr(ErrBackend, "upsert_action_routing", "bump_version", err)
	}
	return r.ID, tx.Commit()
}

// DB exposes the underlying *sql.DB for runtime-level health probes
// without leaking query construction.
func (s *Store) DB() *sql.DB { return s.db }
