// Package logtable provides the structured table a producer fills once per
// cycle. Keys are slash-separated paths; subtables share storage with the
// table they were created from.
package logtable

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"time"
)

var ErrUnsupportedType = errors.New("logtable: unsupported value type")

type store struct {
	timestamp time.Duration
	values    map[string]any
}

// Table is a view of a keyed value store rooted at a prefix.
// It is not safe for concurrent mutation; producers hand receivers a Clone.
type Table struct {
	root   *store
	prefix string
}

// New creates an empty root table.
func New() *Table {
	return &Table{
		root:   &store{values: make(map[string]any)},
		prefix: "/",
	}
}

// Subtable returns a view whose keys are nested under name.
func (t *Table) Subtable(name string) *Table {
	return &Table{root: t.root, prefix: t.prefix + strings.Trim(name, "/") + "/"}
}

// Timestamp returns the cycle timestamp shared by the whole table.
func (t *Table) Timestamp() time.Duration {
	return t.root.timestamp
}

// SetTimestamp sets the cycle timestamp.
func (t *Table) SetTimestamp(ts time.Duration) {
	t.root.timestamp = ts
}

// Put stores value under key relative to this table's prefix.
// Integers are widened to int64 and float32 to float64; slices are copied.
func (t *Table) Put(key string, value any) error {
	v, err := normalize(value)
	if err != nil {
		return fmt.Errorf("put %s: %w", t.prefix+key, err)
	}
	t.root.values[t.prefix+key] = v
	return nil
}

// Get returns the value stored under key relative to this table's prefix.
func (t *Table) Get(key string) (any, bool) {
	v, ok := t.root.values[t.prefix+key]
	return v, ok
}

// Remove deletes key relative to this table's prefix.
func (t *Table) Remove(key string) {
	delete(t.root.values, t.prefix+key)
}

// Len returns the number of entries in the whole table.
func (t *Table) Len() int {
	return len(t.root.values)
}

// Keys returns every full key in the table, sorted.
func (t *Table) Keys() []string {
	keys := make([]string, 0, len(t.root.values))
	for k := range t.root.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entries returns a copy of every full key and its value.
func (t *Table) Entries() map[string]any {
	out := make(map[string]any, len(t.root.values))
	for k, v := range t.root.values {
		out[k] = v
	}
	return out
}

// Clone deep-copies the underlying store. The clone keeps this table's prefix.
func (t *Table) Clone() *Table {
	values := make(map[string]any, len(t.root.values))
	for k, v := range t.root.values {
		values[k] = cloneValue(v)
	}
	return &Table{
		root:   &store{timestamp: t.root.timestamp, values: values},
		prefix: t.prefix,
	}
}

// Merge copies every entry of src into the store behind t, overwriting
// keys both share. Timestamps are left alone.
func (t *Table) Merge(src *Table) {
	for k, v := range src.root.values {
		t.root.values[k] = cloneValue(v)
	}
}

// Equal reports whether two normalized values are identical.
func Equal(a, b any) bool {
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case int64:
		bv, ok := b.(int64)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && (av == bv || (math.IsNaN(av) && math.IsNaN(bv)))
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case []bool:
		bv, ok := b.([]bool)
		return ok && slices.Equal(av, bv)
	case []int64:
		bv, ok := b.([]int64)
		return ok && slices.Equal(av, bv)
	case []float64:
		bv, ok := b.([]float64)
		return ok && slices.Equal(av, bv)
	case []string:
		bv, ok := b.([]string)
		return ok && slices.Equal(av, bv)
	default:
		return false
	}
}

func normalize(value any) (any, error) {
	switch v := value.(type) {
	case bool, int64, float64, string:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case float32:
		return float64(v), nil
	case []byte:
		return slices.Clone(v), nil
	case []bool:
		return slices.Clone(v), nil
	case []int64:
		return slices.Clone(v), nil
	case []int:
		out := make([]int64, len(v))
		for i, n := range v {
			out[i] = int64(n)
		}
		return out, nil
	case []float64:
		return slices.Clone(v), nil
	case []float32:
		out := make([]float64, len(v))
		for i, f := range v {
			out[i] = float64(f)
		}
		return out, nil
	case []string:
		return slices.Clone(v), nil
	case time.Duration:
		return v.Nanoseconds(), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, value)
	}
}

func cloneValue(v any) any {
	switch sv := v.(type) {
	case []byte:
		return slices.Clone(sv)
	case []bool:
		return slices.Clone(sv)
	case []int64:
		return slices.Clone(sv)
	case []float64:
		return slices.Clone(sv)
	case []string:
		return slices.Clone(sv)
	default:
		return v
	}
}
