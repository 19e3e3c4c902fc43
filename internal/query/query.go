// Package query implements the Query Engine: a pure function over the
// Session Index Store and Activity Log Store, evaluating JQL-style
// {from, select, where, order, limit, offset, startAfter, startAt} requests
// with array-existential path semantics, grounded on the domain stack's
// gjson binding for dot-path field resolution.
package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/maruel/jules/internal/activitylog"
	"github.com/maruel/jules/internal/juleserr"
	"github.com/maruel/jules/internal/sessionindex"
)

// From selects which store a Query reads from.
type From string

const (
	FromSessions   From = "sessions"
	FromActivities From = "activities"
)

// Query is one request to the engine. For FromActivities, SessionID selects
// which session's Activity Log Store to read (the query operates on one
// session's log at a time, matching the Activity Client's own scope).
type Query struct {
	From       From
	SessionID  string
	Select     []string
	Where      map[string]any
	Order      string // "asc" (default) or "desc", by createTime
	Limit      int
	Offset     int
	StartAfter string
	StartAt    string
}

// computedFields lists fields synthesized by the engine rather than present
// on the underlying record; filtering one is a validation error (they are
// not indexed and the spec reserves them for projection only).
var computedFields = map[From]map[string]bool{
	FromSessions:   {"durationMs": true},
	FromActivities: {"artifactCount": true, "summary": true},
}

// Result is the engine's output: the matched/projected records plus any
// non-fatal warnings accumulated during validation (unknown where-field,
// limit clamped).
type Result struct {
	Records  []map[string]any
	Warnings []string
}

// Engine reads from one cache root's Session Index Store and per-session
// Activity Log Stores.
type Engine struct {
	Index *sessionindex.Store
}

// New builds an Engine over index.
func New(index *sessionindex.Store) *Engine {
	return &Engine{Index: index}
}

const maxLimit = 1000

// Run validates then executes q.
func (e *Engine) Run(q Query) (Result, error) {
	var warnings []string

	if q.From != FromSessions && q.From != FromActivities {
		return Result{}, juleserr.New(juleserr.InvalidState, "query: from must be 'sessions' or 'activities'")
	}
	for _, p := range q.Select {
		p = strings.TrimPrefix(p, "-")
		if p == "" {
			return Result{}, juleserr.New(juleserr.InvalidState, "query: select entries must be non-empty")
		}
	}
	for key := range q.Where {
		if key == "search" {
			continue
		}
		if computedFields[q.From][key] {
			return Result{}, juleserr.Newf(juleserr.InvalidState, "query: cannot filter on computed field %q", key)
		}
	}
	if q.Order != "" && q.Order != "asc" && q.Order != "desc" {
		return Result{}, juleserr.Newf(juleserr.InvalidState, "query: order must be 'asc' or 'desc', got %q", q.Order)
	}
	if q.Limit < 0 {
		return Result{}, juleserr.New(juleserr.InvalidState, "query: limit must be non-negative")
	}
	limit := q.Limit
	if limit > maxLimit {
		warnings = append(warnings, fmt.Sprintf("limit %d exceeds maximum; capped to %d", limit, maxLimit))
		limit = maxLimit
	}

	records, err := e.load(q.From, q.SessionID)
	if err != nil {
		return Result{}, err
	}

	var filtered []map[string]any
	for _, rec := range records {
		ok, warn, err := matches(rec, q.Where, q.From)
		if err != nil {
			return Result{}, err
		}
		warnings = append(warnings, warn...)
		if ok {
			filtered = append(filtered, rec)
		}
	}

	order := q.Order
	if order == "" {
		order = "asc"
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		ti := createTimeOf(filtered[i])
		tj := createTimeOf(filtered[j])
		if order == "desc" {
			return ti.After(tj)
		}
		return ti.Before(tj)
	})

	filtered = applyCursors(filtered, q.StartAfter, q.StartAt)

	if q.Offset > 0 {
		if q.Offset >= len(filtered) {
			filtered = nil
		} else {
			filtered = filtered[q.Offset:]
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}

	out := make([]map[string]any, 0, len(filtered))
	for _, rec := range filtered {
		out = append(out, project(rec, q.Select))
	}
	return Result{Records: out, Warnings: warnings}, nil
}

func createTimeOf(rec map[string]any) time.Time {
	s, _ := rec["createTime"].(string)
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func applyCursors(recs []map[string]any, after, at string) []map[string]any {
	if after == "" && at == "" {
		return recs
	}
	for i, rec := range recs {
		id, _ := rec["id"].(string)
		if after != "" && id == after {
			return recs[i+1:]
		}
		if at != "" && id == at {
			return recs[i:]
		}
	}
	return nil
}

// load reads every record for from as a generic map, stamping computed
// fields onto each one up front so filtering and projection see them.
func (e *Engine) load(from From, sessionID string) ([]map[string]any, error) {
	switch from {
	case FromSessions:
		entries, err := e.Index.ScanIndex()
		if err != nil {
			return nil, err
		}
		var out []map[string]any
		for _, entry := range entries {
			cached, err := e.Index.Get(entry.ID)
			if err != nil || cached == nil {
				continue
			}
			rec, err := toMap(cached.Resource)
			if err != nil {
				return nil, err
			}
			rec["durationMs"] = float64(durationMs(cached.Resource.UpdateTime, cached.Resource.CreateTime))
			out = append(out, rec)
		}
		return out, nil
	case FromActivities:
		log := activitylog.Open(e.Index.SessionDir(sessionID))
		acts, err := log.Scan()
		if err != nil {
			return nil, err
		}
		var out []map[string]any
		for _, a := range acts {
			rec, err := toMap(a)
			if err != nil {
				return nil, err
			}
			flat := make([]any, len(a.Artifacts))
			for i, art := range a.Artifacts {
				f, err := art.Flatten()
				if err != nil {
					return nil, err
				}
				flat[i] = f
			}
			rec["artifacts"] = flat
			rec["artifactCount"] = len(flat)
			rec["summary"] = Summarize(a)
			out = append(out, rec)
		}
		return out, nil
	default:
		return nil, juleserr.Newf(juleserr.InvalidState, "query: unknown from %q", from)
	}
}

func durationMs(update, create time.Time) int64 {
	if update.IsZero() || create.IsZero() || update.Before(create) {
		return 0
	}
	return update.Sub(create).Milliseconds()
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// matches evaluates q.Where against rec, returning any non-fatal warnings
// (filtering an unknown field) alongside the match result.
func matches(rec map[string]any, where map[string]any, from From) (bool, []string, error) {
	var warnings []string
	data, _ := json.Marshal(rec)
	for key, spec := range where {
		if key == "search" {
			needle, _ := spec.(string)
			if !strings.Contains(strings.ToLower(string(data)), strings.ToLower(needle)) {
				return false, warnings, nil
			}
			continue
		}
		if !gjson.GetBytes(data, key).Exists() {
			warnings = append(warnings, fmt.Sprintf("where references unknown field %q", key))
		}
		ok, err := matchField(data, key, spec)
		if err != nil {
			return false, warnings, err
		}
		if !ok {
			return false, warnings, nil
		}
	}
	return true, warnings, nil
}

// matchField resolves key with array-existential semantics: if the path
// passes through an array, the condition matches if any element satisfies
// it. spec is either a bare value (eq shorthand) or an
// {op: value} operator object.
func matchField(data []byte, path string, spec any) (bool, error) {
	result := gjson.GetBytes(data, path)
	op, val := "eq", spec
	if m, ok := spec.(map[string]any); ok {
		for k, v := range m {
			op, val = k, v
			break
		}
	}
	if result.IsArray() {
		for _, el := range result.Array() {
			ok, err := evalOp(el, op, val)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	return evalOp(result, op, val)
}

// evalOp evaluates a single operator against r. Type-mismatched operator
// values (§4.8: "gt" against a string, "in" against a non-array, "exists"
// against a non-bool, "contains" against a non-string) are a validation
// error, not a non-match.
func evalOp(r gjson.Result, op string, val any) (bool, error) {
	switch op {
	case "exists":
		want, ok := val.(bool)
		if !ok {
			return false, juleserr.Newf(juleserr.InvalidState, "query: exists value must be a bool, got %T", val)
		}
		return r.Exists() == want, nil
	case "eq":
		return compareEq(r, val), nil
	case "neq":
		return !compareEq(r, val), nil
	case "contains":
		s, ok := val.(string)
		if !ok {
			return false, juleserr.Newf(juleserr.InvalidState, "query: contains value must be a string, got %T", val)
		}
		return strings.Contains(r.String(), s), nil
	case "in":
		arr, ok := val.([]any)
		if !ok {
			return false, juleserr.Newf(juleserr.InvalidState, "query: in value must be an array, got %T", val)
		}
		for _, v := range arr {
			if compareEq(r, v) {
				return true, nil
			}
		}
		return false, nil
	case "gt", "gte", "lt", "lte":
		return compareOrdered(r, op, val)
	default:
		return false, juleserr.Newf(juleserr.InvalidState, "query: unknown operator %q", op)
	}
}

func compareEq(r gjson.Result, val any) bool {
	switch v := val.(type) {
	case string:
		return r.String() == v
	case bool:
		return r.Bool() == v
	case float64:
		return r.Num == v
	default:
		return false
	}
}

func compareOrdered(r gjson.Result, op string, val any) (bool, error) {
	f, ok := val.(float64)
	if !ok {
		return false, juleserr.Newf(juleserr.InvalidState, "query: %s value must be numeric, got %T", op, val)
	}
	n := r.Num
	switch op {
	case "gt":
		return n > f, nil
	case "gte":
		return n >= f, nil
	case "lt":
		return n < f, nil
	case "lte":
		return n <= f, nil
	default:
		return false, nil
	}
}
