package logtable

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Type tags written next to every value so a recorded table reads back with
// the same Go types.
const (
	typeBoolean      = "boolean"
	typeInt64        = "int64"
	typeDouble       = "double"
	typeString       = "string"
	typeRaw          = "raw"
	typeBooleanArray = "boolean[]"
	typeInt64Array   = "int64[]"
	typeDoubleArray  = "double[]"
	typeStringArray  = "string[]"
)

type tableJSON struct {
	TimestampUS int64                      `json:"timestamp_us"`
	Values      map[string]json.RawMessage `json:"values"`
}

type typedValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the whole table as
// {"timestamp_us":..,"values":{"/key":{"type":..,"value":..}}}.
// Non-finite doubles are written as the strings "NaN", "+Inf" and "-Inf".
func (t *Table) MarshalJSON() ([]byte, error) {
	values := make(map[string]json.RawMessage, len(t.root.values))
	for k, v := range t.root.values {
		enc, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k, err)
		}
		values[k] = enc
	}
	return json.Marshal(tableJSON{
		TimestampUS: t.root.timestamp.Microseconds(),
		Values:      values,
	})
}

// UnmarshalJSON replaces the table contents. Values are either tagged
// objects as written by MarshalJSON or bare JSON values; bare numbers load
// as float64 and bare arrays as typed slices when their elements agree.
func (t *Table) UnmarshalJSON(data []byte) error {
	var raw tableJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	values := make(map[string]any, len(raw.Values))
	for k, rv := range raw.Values {
		v, err := decodeValue(rv)
		if err != nil {
			return fmt.Errorf("key %s: %w", k, err)
		}
		values[k] = v
	}

	if t.root == nil {
		t.root = &store{}
		t.prefix = "/"
	}
	t.root.timestamp = time.Duration(raw.TimestampUS) * time.Microsecond
	t.root.values = values
	return nil
}

func encodeValue(v any) (json.RawMessage, error) {
	var (
		typ string
		val any
	)
	switch sv := v.(type) {
	case bool:
		typ, val = typeBoolean, sv
	case int64:
		typ, val = typeInt64, sv
	case float64:
		typ, val = typeDouble, jsonFloat(sv)
	case string:
		typ, val = typeString, sv
	case []byte:
		typ, val = typeRaw, sv
	case []bool:
		typ, val = typeBooleanArray, sv
	case []int64:
		typ, val = typeInt64Array, sv
	case []float64:
		out := make([]any, len(sv))
		for i, f := range sv {
			out[i] = jsonFloat(f)
		}
		typ, val = typeDoubleArray, out
	case []string:
		typ, val = typeStringArray, sv
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}

	raw, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	return json.Marshal(typedValue{Type: typ, Value: raw})
}

func jsonFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return f
}

func decodeValue(raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		var v any
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return nil, err
		}
		return fromJSON(v)
	}

	var tv typedValue
	if err := json.Unmarshal(trimmed, &tv); err != nil {
		return nil, err
	}

	switch tv.Type {
	case typeBoolean:
		return decodeAs[bool](tv)
	case typeInt64:
		return decodeAs[int64](tv)
	case typeDouble:
		return decodeFloat(tv.Value)
	case typeString:
		return decodeAs[string](tv)
	case typeRaw:
		return decodeSlice[byte](tv)
	case typeBooleanArray:
		return decodeSlice[bool](tv)
	case typeInt64Array:
		return decodeSlice[int64](tv)
	case typeDoubleArray:
		var elems []json.RawMessage
		if err := unmarshalInto(tv, &elems); err != nil {
			return nil, err
		}
		out := make([]float64, len(elems))
		for i, e := range elems {
			f, err := decodeFloat(e)
			if err != nil {
				return nil, err
			}
			out[i] = f
		}
		return out, nil
	case typeStringArray:
		return decodeSlice[string](tv)
	default:
		return nil, fmt.Errorf("%w: type %q", ErrUnsupportedType, tv.Type)
	}
}

func decodeAs[T any](tv typedValue) (any, error) {
	var v T
	if err := unmarshalInto(tv, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// decodeSlice never returns a nil slice, so a null value reads back empty.
func decodeSlice[T any](tv typedValue) (any, error) {
	var v []T
	if err := unmarshalInto(tv, &v); err != nil {
		return nil, err
	}
	if v == nil {
		v = []T{}
	}
	return v, nil
}

func unmarshalInto(tv typedValue, dst any) error {
	if err := json.Unmarshal(tv.Value, dst); err != nil {
		return fmt.Errorf("decoding %s: %w", tv.Type, err)
	}
	return nil
}

func decodeFloat(raw json.RawMessage) (float64, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return 0, err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("decoding double: %w", err)
		}
		return f, nil
	}
	var f float64
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return 0, fmt.Errorf("decoding double: %w", err)
	}
	return f, nil
}

func fromJSON(v any) (any, error) {
	switch jv := v.(type) {
	case bool, float64, string:
		return jv, nil
	case []any:
		return fromJSONArray(jv)
	case nil:
		return nil, fmt.Errorf("%w: null", ErrUnsupportedType)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

func fromJSONArray(arr []any) (any, error) {
	if len(arr) == 0 {
		return []float64{}, nil
	}
	switch arr[0].(type) {
	case bool:
		out := make([]bool, len(arr))
		for i, e := range arr {
			b, ok := e.(bool)
			if !ok {
				return nil, fmt.Errorf("%w: mixed array", ErrUnsupportedType)
			}
			out[i] = b
		}
		return out, nil
	case float64:
		out := make([]float64, len(arr))
		for i, e := range arr {
			f, ok := e.(float64)
			if !ok {
				return nil, fmt.Errorf("%w: mixed array", ErrUnsupportedType)
			}
			out[i] = f
		}
		return out, nil
	case string:
		out := make([]string, len(arr))
		for i, e := range arr {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%w: mixed array", ErrUnsupportedType)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: array of %T", ErrUnsupportedType, arr[0])
	}
}
