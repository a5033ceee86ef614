// Package rlog encodes log tables into RLOG payloads: a zstd-compressed
// protobuf Struct carrying either the full table or the changes since the
// encoder's last consumed table.
package rlog

import (
	"encoding/base64"
	"fmt"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dgnsrekt/rlog-relay/internal/logtable"
)

// Kind distinguishes full snapshots from incremental diffs.
type Kind string

const (
	KindFull Kind = "full"
	KindDiff Kind = "diff"
)

// Payload field names.
const (
	fieldKind      = "kind"
	fieldTimestamp = "timestamp_us"
	fieldValues    = "values"
	fieldRemoved   = "removed"
)

// Encoder is a stateful diff producer. It keeps a single cursor: the last
// table consumed by EncodeDiff. It is not safe for concurrent use.
type Encoder struct {
	zstdEncoder *zstd.Encoder
	last        map[string]any
	timestamp   time.Duration
}

// NewEncoder creates an Encoder with an empty cursor.
func NewEncoder() (*Encoder, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &Encoder{
		zstdEncoder: enc,
		last:        make(map[string]any),
	}, nil
}

// EncodeDiff returns the changes between the cursor and table, then advances
// the cursor to table. On error the cursor is left untouched.
func (e *Encoder) EncodeDiff(table *logtable.Table) ([]byte, error) {
	current := table.Entries()

	changed := make(map[string]any)
	for k, v := range current {
		if prev, ok := e.last[k]; !ok || !logtable.Equal(prev, v) {
			changed[k] = v
		}
	}

	var removed []string
	for k := range e.last {
		if _, ok := current[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)

	out, err := e.encode(KindDiff, table.Timestamp(), changed, removed)
	if err != nil {
		return nil, err
	}

	for k, v := range current {
		current[k] = cloneValue(v)
	}
	e.last = current
	e.timestamp = table.Timestamp()
	return out, nil
}

// EncodeFull returns the complete state at the cursor. It does not move the
// cursor.
func (e *Encoder) EncodeFull() ([]byte, error) {
	return e.encode(KindFull, e.timestamp, e.last, nil)
}

// Close releases encoder resources.
func (e *Encoder) Close() {
	if e.zstdEncoder != nil {
		_ = e.zstdEncoder.Close()
	}
}

func (e *Encoder) encode(kind Kind, ts time.Duration, values map[string]any, removed []string) ([]byte, error) {
	fields := make(map[string]*structpb.Value, len(values))
	for k, v := range values {
		sv, err := toStructValue(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		fields[k] = sv
	}

	removedList := make([]*structpb.Value, len(removed))
	for i, k := range removed {
		removedList[i] = structpb.NewStringValue(k)
	}

	msg := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldKind:      structpb.NewStringValue(string(kind)),
		fieldTimestamp: structpb.NewNumberValue(float64(ts.Microseconds())),
		fieldValues:    structpb.NewStructValue(&structpb.Struct{Fields: fields}),
		fieldRemoved:   structpb.NewListValue(&structpb.ListValue{Values: removedList}),
	}}

	pbData, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal protobuf: %w", err)
	}

	return e.zstdEncoder.EncodeAll(pbData, nil), nil
}

// toStructValue converts a normalized table value. Byte arrays travel as
// base64 strings.
func toStructValue(v any) (*structpb.Value, error) {
	switch tv := v.(type) {
	case bool:
		return structpb.NewBoolValue(tv), nil
	case int64:
		return structpb.NewNumberValue(float64(tv)), nil
	case float64:
		return structpb.NewNumberValue(tv), nil
	case string:
		return structpb.NewStringValue(tv), nil
	case []byte:
		return structpb.NewStringValue(base64.StdEncoding.EncodeToString(tv)), nil
	case []bool:
		return listOf(tv, structpb.NewBoolValue), nil
	case []int64:
		return listOf(tv, func(n int64) *structpb.Value { return structpb.NewNumberValue(float64(n)) }), nil
	case []float64:
		return listOf(tv, structpb.NewNumberValue), nil
	case []string:
		return listOf(tv, structpb.NewStringValue), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func listOf[T any](items []T, conv func(T) *structpb.Value) *structpb.Value {
	values := make([]*structpb.Value, len(items))
	for i, item := range items {
		values[i] = conv(item)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func cloneValue(v any) any {
	// Entries already copies the map; only slices need their own backing arrays.
	switch sv := v.(type) {
	case []byte:
		return append([]byte(nil), sv...)
	case []bool:
		return append([]bool(nil), sv...)
	case []int64:
		return append([]int64(nil), sv...)
	case []float64:
		return append([]float64(nil), sv...)
	case []string:
		return append([]string(nil), sv...)
	default:
		return v
	}
}
