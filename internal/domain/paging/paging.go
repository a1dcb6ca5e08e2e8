package paging

// Package paging contains pure types and shape detection for the two
// pagination envelope conventions exposed by the platform APIs. The fetching
// and merging loop lives in internal/pagination.

import (
	"encoding/json"
	"fmt"
)

// Shape identifies which envelope convention a response follows.
type Shape int

const (
	// ShapeNone means the response carries no recognizable pagination
	// envelope and must be treated as a single complete page.
	ShapeNone Shape = iota
	// ShapeItems is the `items` + `total` convention.
	ShapeItems
	// ShapeBlock is the arbitrary-collection-property plus
	// `pagination{total_count, count_per_page}` convention.
	ShapeBlock
)

func (s Shape) String() string {
	switch s {
	case ShapeItems:
		return "items"
	case ShapeBlock:
		return "pagination-block"
	default:
		return "none"
	}
}

// Info describes the pagination envelope found on a first-page response.
type Info struct {
	Shape Shape
	// Total is the declared total item count across all pages.
	Total int
	// PerPage is the declared page size, zero when not declared.
	PerPage int
	// CollectionKeys lists every top-level property holding a collection,
	// in encounter order. All of them are merged position-wise.
	CollectionKeys []string
}

// Result is the normalized, fully merged view handed to callers. When
// FailedPages is non-empty the result is degraded: it carries fewer items
// than Total and must never be presented as complete.
type Result struct {
	Body        map[string]any
	Info        Info
	FailedPages []int
}

// Complete reports whether every page was fetched successfully.
func (r Result) Complete() bool { return len(r.FailedPages) == 0 }

// ItemCount returns the merged length of the primary collection.
func (r Result) ItemCount() int {
	if len(r.Info.CollectionKeys) == 0 {
		return 0
	}
	coll, ok := r.Body[r.Info.CollectionKeys[0]].([]any)
	if !ok {
		return 0
	}
	return len(coll)
}

// Inspect classifies a decoded first-page body. The body is expected to be a
// case-sensitively decoded JSON object; scalar and array bodies yield
// ShapeNone.
func Inspect(body any) (Info, error) {
	obj, ok := body.(map[string]any)
	if !ok {
		return Info{Shape: ShapeNone}, nil
	}

	keys := collectionKeys(obj)

	if block, ok := obj["pagination"].(map[string]any); ok {
		total, err := intField(block, "total_count")
		if err != nil {
			return Info{}, fmt.Errorf("pagination block: %w", err)
		}
		perPage, err := intField(block, "count_per_page")
		if err != nil {
			return Info{}, fmt.Errorf("pagination block: %w", err)
		}
		if len(keys) == 0 {
			return Info{}, fmt.Errorf("pagination block present but no collection property found")
		}
		return Info{Shape: ShapeBlock, Total: total, PerPage: perPage, CollectionKeys: keys}, nil
	}

	if _, hasItems := obj["items"].([]any); hasItems {
		if _, present := obj["total"]; present {
			total, err := intField(obj, "total")
			if err != nil {
				return Info{}, err
			}
			return Info{Shape: ShapeItems, Total: total, CollectionKeys: keys}, nil
		}
	}

	return Info{Shape: ShapeNone, CollectionKeys: keys}, nil
}

// collectionKeys returns every top-level key whose value is a JSON array,
// with "items" first when present so it acts as the primary collection.
func collectionKeys(obj map[string]any) []string {
	var keys []string
	if _, ok := obj["items"].([]any); ok {
		keys = append(keys, "items")
	}
	for k, v := range obj {
		if k == "items" || k == "pagination" {
			continue
		}
		if _, ok := v.([]any); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

func intField(obj map[string]any, key string) (int, error) {
	raw, ok := obj[key]
	if !ok {
		return 0, fmt.Errorf("missing %q field", key)
	}
	switch v := raw.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("field %q is not an integer: %w", key, err)
		}
		return int(n), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("field %q has unexpected type %T", key, raw)
	}
}
