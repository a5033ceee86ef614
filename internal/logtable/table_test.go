package logtable

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestSubtableSharesStorage(t *testing.T) {
	table := New()
	outputs := table.Subtable("RealOutputs")
	timings := outputs.Subtable("LoggerTimings")

	if err := timings.Put("FullCycleNS", 1200); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	v, ok := table.Get("RealOutputs/LoggerTimings/FullCycleNS")
	if !ok {
		t.Fatal("value written through subtable not visible from root")
	}
	if v != int64(1200) {
		t.Errorf("expected int64(1200), got %#v", v)
	}

	keys := table.Keys()
	if len(keys) != 1 || keys[0] != "/RealOutputs/LoggerTimings/FullCycleNS" {
		t.Errorf("unexpected keys: %v", keys)
	}
}

func TestPutUnsupportedType(t *testing.T) {
	table := New()
	err := table.Put("bad", struct{}{})
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
	if table.Len() != 0 {
		t.Error("unsupported value should not be stored")
	}
}

func TestPutCopiesSlices(t *testing.T) {
	table := New()
	src := []float64{1, 2, 3}
	if err := table.Put("pose", src); err != nil {
		t.Fatal(err)
	}
	src[0] = 99

	v, _ := table.Get("pose")
	if v.([]float64)[0] != 1 {
		t.Error("table aliased the caller's slice")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	table := New()
	table.SetTimestamp(20 * time.Millisecond)
	_ = table.Put("names", []string{"a", "b"})
	_ = table.Put("count", 1)

	clone := table.Clone()
	_ = table.Put("count", 2)
	table.SetTimestamp(40 * time.Millisecond)

	if v, _ := clone.Get("count"); v != int64(1) {
		t.Errorf("clone changed with source: %v", v)
	}
	if clone.Timestamp() != 20*time.Millisecond {
		t.Errorf("clone timestamp changed: %v", clone.Timestamp())
	}
}

func TestEqual(t *testing.T) {
	cases := []struct {
		name string
		a, b any
		want bool
	}{
		{"same int", int64(3), int64(3), true},
		{"int vs float", int64(3), float64(3), false},
		{"strings", "x", "y", false},
		{"float slices", []float64{1, 2}, []float64{1, 2}, true},
		{"bytes", []byte{1}, []byte{2}, false},
		{"nil", nil, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Equal(tc.a, tc.b); got != tc.want {
				t.Errorf("Equal(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestUnmarshalJSON(t *testing.T) {
	line := []byte(`{"timestamp_us":20000,"values":{"/Drive/Pose":[1.5,2,0],"/Drive/Enabled":true,"/Mode":"auto","/Tags":["a","b"]}}`)

	var table Table
	if err := json.Unmarshal(line, &table); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if table.Timestamp() != 20*time.Millisecond {
		t.Errorf("expected 20ms timestamp, got %v", table.Timestamp())
	}
	if v, _ := table.Get("Drive/Pose"); !Equal(v, []float64{1.5, 2, 0}) {
		t.Errorf("unexpected pose: %#v", v)
	}
	if v, _ := table.Get("Tags"); !Equal(v, []string{"a", "b"}) {
		t.Errorf("unexpected tags: %#v", v)
	}
	if v, _ := table.Get("Drive/Enabled"); v != true {
		t.Errorf("unexpected enabled: %#v", v)
	}
}

func TestUnmarshalJSONRejectsMixedArray(t *testing.T) {
	var table Table
	err := json.Unmarshal([]byte(`{"timestamp_us":0,"values":{"/x":[1,"a"]}}`), &table)
	if !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestMergeCopiesEntries(t *testing.T) {
	src := New()
	_ = src.Subtable("Drive").Put("Pose", []float64{1, 2})
	src.SetTimestamp(time.Second)

	dst := New()
	_ = dst.Put("Keep", "yes")
	dst.Merge(src)

	if v, _ := dst.Get("Drive/Pose"); !Equal(v, []float64{1, 2}) {
		t.Errorf("unexpected pose: %#v", v)
	}
	if v, _ := dst.Get("Keep"); v != "yes" {
		t.Errorf("existing key lost: %#v", v)
	}
	if dst.Timestamp() != 0 {
		t.Errorf("timestamp copied: %v", dst.Timestamp())
	}

	_ = src.Subtable("Drive").Put("Pose", []float64{9, 9})
	if v, _ := dst.Get("Drive/Pose"); !Equal(v, []float64{1, 2}) {
		t.Errorf("merge shares storage with source: %#v", v)
	}
}
