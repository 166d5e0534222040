package scheduleengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/dop251/goja"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/domain"
)

// conditionGate evaluates spec.md §4.7's runtime condition kinds
// (sql_query, http_check, file_exists, custom) attached to a schedule.
// sql_query runs against the orchestrator's own database/sql handle —
// the same connection condition checks query is the orchestrator's
// control-plane database, not an arbitrary external one, so no separate
// driver registration is needed here.
type conditionGate struct {
	db         *sql.DB
	httpClient *http.Client
}

func newConditionGate(db *sql.DB) *conditionGate {
	return &conditionGate{db: db, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (g *conditionGate) Evaluate(ctx context.Context, c domain.ScheduleCondition) (bool, error) {
	switch c.Kind {
	case domain.ConditionSQLQuery:
		return g.evalSQLQuery(ctx, c.Expression)
	case domain.ConditionHTTPCheck:
		return g.evalHTTPCheck(ctx, c.Expression)
	case domain.ConditionFileExists:
		return g.evalFileExists(c.Expression)
	case domain.ConditionCustom:
		return g.evalCustom(c.Expression)
	default:
		return false, apperr.Validationf("scheduleengine.conditionGate", "unknown condition kind %q", c.Kind)
	}
}

// evalSQLQuery runs expression as a query and treats a single boolean
// column, or any non-empty result set, as true.
func (g *conditionGate) evalSQLQuery(ctx context.Context, expression string) (bool, error) {
	if g.db == nil {
		return false, apperr.New(apperr.Internal, "scheduleengine.evalSQLQuery", "no database handle configured for sql_query conditions")
	}
	rows, err := g.db.QueryContext(ctx, expression)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "scheduleengine.evalSQLQuery", "condition query failed", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return false, nil
	}
	cols, err := rows.Columns()
	if err != nil || len(cols) != 1 {
		return true, nil
	}
	var b bool
	if err := rows.Scan(&b); err == nil {
		return b, nil
	}
	return true, nil
}

// evalHTTPCheck fetches expression as a "METHOD url [jsonpath]" spec
// (space-separated; jsonpath optional) and evaluates the JSONPath
// expression against the JSON response body via PaesslerAG/jsonpath
// (backed by gval), treating a non-empty, non-false match as true. With
// no JSONPath given, only the HTTP status code (2xx) is checked.
func (g *conditionGate) evalHTTPCheck(ctx context.Context, expression string) (bool, error) {
	method, url, path := parseHTTPCheck(expression)
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return false, apperr.Wrap(apperr.Validation, "scheduleengine.evalHTTPCheck", "invalid http_check expression", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return false, apperr.Wrap(apperr.TransientIO, "scheduleengine.evalHTTPCheck", "http_check request failed", err)
	}
	defer resp.Body.Close()

	if path == "" {
		return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
	}

	var body any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, apperr.Wrap(apperr.Internal, "scheduleengine.evalHTTPCheck", "decode http_check response", err)
	}
	result, err := jsonpath.Get(path, body)
	if err != nil {
		return false, apperr.Wrap(apperr.Validation, "scheduleengine.evalHTTPCheck", "jsonpath evaluation failed", err)
	}
	return truthy(result), nil
}

func (g *conditionGate) evalFileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, apperr.Wrap(apperr.Internal, "scheduleengine.evalFileExists", "stat condition path", err)
}

// evalCustom sandboxes expression as a JavaScript boolean expression via
// goja, the same embedded-script-evaluation role the custom event-trigger
// predicate uses it for.
func (g *conditionGate) evalCustom(expression string) (bool, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())
	val, err := vm.RunString(expression)
	if err != nil {
		return false, apperr.Wrap(apperr.Validation, "scheduleengine.evalCustom", "custom condition script failed", err)
	}
	return val.ToBoolean(), nil
}

func parseHTTPCheck(expression string) (method, url, jsonPath string) {
	method, url, jsonPath = "GET", expression, ""
	var parts []string
	start := 0
	for i, r := range expression {
		if r == ' ' {
			parts = append(parts, expression[start:i])
			start = i + 1
		}
	}
	parts = append(parts, expression[start:])
	switch len(parts) {
	case 1:
		url = parts[0]
	case 2:
		method, url = parts[0], parts[1]
	default:
		method, url, jsonPath = parts[0], parts[1], parts[2]
	}
	return method, url, jsonPath
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	default:
		return true
	}
}
