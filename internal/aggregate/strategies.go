package aggregate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aristath/swarm/internal/scheduler"
)

// Concatenate appends results in completion order. When every result is
// a string they are joined with blank lines; otherwise the result is a
// list.
func Concatenate(items []Completion) any {
	allStrings := true
	for _, c := range items {
		if _, ok := c.Result.(string); !ok {
			allStrings = false
			break
		}
	}
	if allStrings {
		parts := make([]string, len(items))
		for i, c := range items {
			parts[i] = c.Result.(string)
		}
		return strings.Join(parts, "\n\n")
	}

	list := make([]any, len(items))
	for i, c := range items {
		list[i] = scheduler.CloneValue(c.Result)
	}
	return list
}

// Merge deep-merges object results in completion order; a later
// completion wins on conflicting scalar keys. Replacing an object with a
// non-object (or the reverse) is reported as an aggregation conflict and
// resolved in favour of the later value.
func Merge(items []Completion) (any, []string) {
	var (
		acc      any
		warnings []string
	)
	for i, c := range items {
		val := scheduler.CloneValue(c.Result)
		if i == 0 {
			acc = val
			continue
		}
		acc = mergeValue(acc, val, c.TaskID, "", &warnings)
	}
	return acc, warnings
}

func mergeValue(dst, src any, taskID, path string, warnings *[]string) any {
	dm, dok := dst.(map[string]any)
	sm, sok := src.(map[string]any)
	switch {
	case dok && sok:
		for k, v := range sm {
			if existing, ok := dm[k]; ok {
				dm[k] = mergeValue(existing, v, taskID, joinPath(path, k), warnings)
			} else {
				dm[k] = v
			}
		}
		return dm
	case dok != sok && dst != nil && src != nil:
		where := path
		if where == "" {
			where = "<root>"
		}
		*warnings = append(*warnings, fmt.Sprintf("%s: %s overwrote %s at %s with %s",
			ErrAggregationConflict, taskID, shape(dst), where, shape(src)))
		return src
	default:
		return src
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func shape(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "list"
	case string:
		return "string"
	case float64, int, int64:
		return "number"
	case bool:
		return "bool"
	case nil:
		return "null"
	}
	return fmt.Sprintf("%T", v)
}

// Vote picks the result reported most often. Results are compared by
// their canonical JSON encoding; ties go to the value whose first
// occurrence completed earliest.
func Vote(items []Completion) any {
	type tally struct {
		value any
		count int
		first int // index of first occurrence in completion order
	}
	tallies := make(map[string]*tally)
	var keys []string
	for i, c := range items {
		key := canonicalKey(c.Result)
		t, ok := tallies[key]
		if !ok {
			t = &tally{value: c.Result, first: i}
			tallies[key] = t
			keys = append(keys, key)
		}
		t.count++
	}

	var best *tally
	for _, key := range keys {
		t := tallies[key]
		if best == nil || t.count > best.count || (t.count == best.count && t.first < best.first) {
			best = t
		}
	}
	if best == nil {
		return nil
	}
	return scheduler.CloneValue(best.value)
}

func canonicalKey(v any) string {
	// encoding/json sorts map keys, so equal values encode equally.
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}

// Rank picks the result with the highest numeric score. A result scores
// either as a bare number or through a numeric "score" field. Unscored
// results are skipped with a warning; ties go to the earliest completion.
func Rank(items []Completion) (any, []string) {
	var (
		best      any
		bestScore float64
		found     bool
		warnings  []string
	)
	for _, c := range items {
		score, ok := scoreOf(c.Result)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("%s: %s has no numeric score", ErrAggregationConflict, c.TaskID))
			continue
		}
		if !found || score > bestScore {
			best, bestScore, found = c.Result, score, true
		}
	}
	return scheduler.CloneValue(best), warnings
}

func scoreOf(v any) (float64, bool) {
	if m, ok := v.(map[string]any); ok {
		v = m["score"]
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Synthesize packages completions, in completion order, as input for the
// target node instead of combining them into a value.
func Synthesize(target string, items []Completion) *Bundle {
	b := &Bundle{Target: target, Items: make([]Completion, len(items))}
	for i, c := range items {
		c.Result = scheduler.CloneValue(c.Result)
		b.Items[i] = c
	}
	return b
}
