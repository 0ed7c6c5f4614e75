package kv

import (
	"encoding/json"
	"sort"
	"time"
)

// recencyFields are the JSON fields consulted, in order, when ranking keys
// for eviction.
var recencyFields = []string{"updatedAt", "updated_at", "timestamp", "lastModified"}

// maxRecencyDepth bounds how far into a value the heuristic descends. An
// envelope {state: {tasks: [{updatedAt}]}} needs four levels.
const maxRecencyDepth = 4

// rankedKey is an eviction candidate.
type rankedKey struct {
	key    string
	at     time.Time
	hasAge bool
}

// extractRecency parses value as JSON and returns the newest timestamp found
// in a recency field. Values that are not JSON or carry no such field
// report false.
func extractRecency(value string) (time.Time, bool) {
	var doc any
	if err := json.Unmarshal([]byte(value), &doc); err != nil {
		return time.Time{}, false
	}
	return newestTimestamp(doc, 0)
}

func newestTimestamp(node any, depth int) (time.Time, bool) {
	if depth > maxRecencyDepth {
		return time.Time{}, false
	}

	var (
		newest time.Time
		found  bool
	)
	consider := func(t time.Time, ok bool) {
		if ok && (!found || t.After(newest)) {
			newest, found = t, true
		}
	}

	switch v := node.(type) {
	case map[string]any:
		for _, field := range recencyFields {
			if raw, ok := v[field]; ok {
				consider(parseRecency(raw))
			}
		}
		for _, child := range v {
			switch child.(type) {
			case map[string]any, []any:
				consider(newestTimestamp(child, depth+1))
			}
		}
	case []any:
		for _, child := range v {
			consider(newestTimestamp(child, depth+1))
		}
	}

	return newest, found
}

// parseRecency accepts RFC 3339 strings and Unix epoch milliseconds.
func parseRecency(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case float64:
		return time.UnixMilli(int64(v)), true
	}
	return time.Time{}, false
}

// sortOldestFirst orders candidates for eviction: keys without a timestamp
// come first, then ascending by timestamp. Ties and undated keys fall back
// to lexicographic key order.
func sortOldestFirst(keys []rankedKey) {
	sort.SliceStable(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.hasAge != b.hasAge {
			return !a.hasAge
		}
		if a.hasAge && !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		return a.key < b.key
	})
}
