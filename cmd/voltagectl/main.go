// voltagectl is the operator CLI: inspect and exercise rules directly
// against the mapping store without going through a running daemon.
//
// Usage:
//
//	voltagectl [--config path] [--log-level level] list
//	voltagectl [--config path] test <rule-name-or-id>
//	voltagectl [--config path] execute <rule-name-or-id>
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/voltageems/voltageemsd/internal/apprt"
	"github.com/voltageems/voltageemsd/internal/instancemgr"
	"github.com/voltageems/voltageemsd/internal/model"
	"github.com/voltageems/voltageemsd/internal/routecache"
	"github.com/voltageems/voltageemsd/internal/rtdb"
	"github.com/voltageems/voltageemsd/internal/ruleengine"
	"github.com/voltageems/voltageemsd/internal/store"
)

const (
	exitOK          = 0
	exitRuntime     = 1
	exitConfigFatal = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to YAML config file")
	logLevel := flag.String("log-level", "warn", "trace|debug|info|warn|error")
	flag.Parse()

	cfg, err := apprt.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigFatal
	}
	cfg.LogLevel = apprt.ParseLevel(*logLevel)
	logger := apprt.NewLogger(cfg.LogLevel)
	rt := apprt.New(cfg, logger, nil)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store error: %v\n", err)
		return exitConfigFatal
	}
	defer st.Close()

	var db rtdb.RTDB
	if cfg.RedisURL != "" {
		db = rtdb.NewNet(cfg.RedisURL)
	} else {
		db = rtdb.NewMemory()
	}
	defer db.Close()

	ctx := context.Background()
	command := flag.Arg(0)
	if command == "" {
		command = "list"
	}

	switch command {
	case "list":
		return listRules(ctx, st)
	case "test":
		return runRule(ctx, rt, st, db, flag.Arg(1), false)
	case "execute":
		return runRule(ctx, rt, st, db, flag.Arg(1), true)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected list, test, execute)\n", command)
		return exitConfigFatal
	}
}

func listRules(ctx context.Context, st *store.Store) int {
	rules, err := st.ListRules(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list rules: %v\n", err)
		return exitRuntime
	}
	fmt.Printf("%-6s %-32s %-8s %-9s %s\n", "ID", "NAME", "PRIO", "COOLDOWN", "ENABLED")
	for _, r := range rules {
		fmt.Printf("%-6d %-32s %-8d %-9d %v\n", r.ID, r.Name, r.Priority, r.CooldownMS, r.Enabled)
	}
	return exitOK
}

// runRule evaluates one rule. test parses and walks the graph without
// writing actions; execute goes through the full instance-manager sink.
func runRule(ctx context.Context, rt *apprt.Context, st *store.Store, db rtdb.RTDB, nameOrID string, write bool) int {
	if nameOrID == "" {
		fmt.Fprintln(os.Stderr, "rule name or id required")
		return exitConfigFatal
	}
	rule, ok, err := findRule(ctx, st, nameOrID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load rule: %v\n", err)
		return exitRuntime
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "no rule named %q\n", nameOrID)
		return exitConfigFatal
	}

	var sink ruleengine.ActionSink
	if write {
		routes := routecache.NewStore()
		maps, err := st.LoadRoutingMaps(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load routing: %v\n", err)
			return exitRuntime
		}
		version, _ := st.SchemaVersion(ctx)
		routes.Swap(routecache.Build(maps, version))
		instances := instancemgr.New(rt, st, db, routes)
		sink = ruleengine.ActionSinkFunc(func(ctx context.Context, id model.InstanceID, p model.PointID, v float64) error {
			_, err := instances.SetActionPoint(ctx, id, p, v)
			return err
		})
	} else {
		sink = ruleengine.ActionSinkFunc(func(ctx context.Context, id model.InstanceID, p model.PointID, v float64) error {
			fmt.Printf("dry-run: would write instance %d point %d = %g\n", id, p, v)
			return nil
		})
	}

	engine := ruleengine.NewEngine(rt, db, sink, ruleengine.Options{})
	result, err := engine.TestRule(ctx, rule)
	if err != nil {
		fmt.Fprintf(os.Stderr, "evaluate: %v\n", err)
		return exitRuntime
	}
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	return exitOK
}

func findRule(ctx context.Context, st *store.Store, nameOrID string) (model.Rule, bool, error) {
	rules, err := st.ListRules(ctx)
	if err != nil {
		return model.Rule{}, false, err
	}
	id, idErr := strconv.ParseInt(nameOrID, 10, 64)
	for _, r := range rules {
		if r.Name == nameOrID || (idErr == nil && r.ID == id) {
			return r, true, nil
		}
	}
	return model.Rule{}, false, nil
}
