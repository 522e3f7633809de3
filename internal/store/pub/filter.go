package pub

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/strom-io/strom/internal/event"
)

// filter wraps a compiled CEL program evaluated per delivered event. When the
// expression is empty the filter is disabled and every event matches.
type filter struct {
	prog    cel.Program
	enabled bool
}

func newFilter(expr string) (filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return filter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("tenant", cel.StringType),
		cel.Variable("entity", cel.StringType),
		cel.Variable("type", cel.StringType),
		cel.Variable("version", cel.IntType),
		cel.Variable("partition", cel.IntType),
		cel.Variable("ts_ms", cel.IntType),
		cel.Variable("size", cel.IntType),
		cel.Variable("text", cel.StringType),
		// Parsed JSON payload (map/list/values) for field filtering.
		cel.Variable("json", cel.DynType),
		// Current time in ms for windowed filters.
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return filter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return filter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return filter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return filter{}, err
	}
	return filter{prog: prog, enabled: true}, nil
}

// Eval evaluates the compiled expression against ev. Evaluation errors count
// as non-matches rather than failing the subscription.
func (f filter) Eval(ev event.Event) bool {
	if !f.enabled {
		return true
	}
	var jsonObj any
	_ = json.Unmarshal(ev.Payload, &jsonObj)
	out, _, err := f.prog.Eval(map[string]any{
		"tenant":    ev.TenantID,
		"entity":    ev.EntityID,
		"type":      ev.Type,
		"version":   int64(ev.Version),
		"partition": int64(ev.Partition),
		"ts_ms":     ev.CommittedAt,
		"size":      int64(len(ev.Payload)),
		"text":      string(ev.Payload),
		"json":      jsonObj,
		"now_ms":    time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
