package rlog

import (
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var ErrMalformedPayload = errors.New("rlog: malformed payload")

// Payload is a decoded RLOG payload. Numbers decode as float64 and lists as
// []any, following structpb.
type Payload struct {
	Kind      Kind
	Timestamp time.Duration
	Values    map[string]any
	Removed   []string
}

// Decoder turns payload bytes back into a Payload.
type Decoder struct {
	zstdDecoder *zstd.Decoder
}

func NewDecoder() (*Decoder, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Decoder{zstdDecoder: dec}, nil
}

// Decode decompresses and unmarshals one payload.
func (d *Decoder) Decode(data []byte) (*Payload, error) {
	raw, err := d.zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}

	var msg structpb.Struct
	if err := proto.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	fields := msg.GetFields()
	kind := Kind(fields[fieldKind].GetStringValue())
	if kind != KindFull && kind != KindDiff {
		return nil, fmt.Errorf("%w: kind %q", ErrMalformedPayload, kind)
	}

	p := &Payload{
		Kind:      kind,
		Timestamp: time.Duration(fields[fieldTimestamp].GetNumberValue()) * time.Microsecond,
		Values:    fields[fieldValues].GetStructValue().AsMap(),
	}
	for _, v := range fields[fieldRemoved].GetListValue().GetValues() {
		p.Removed = append(p.Removed, v.GetStringValue())
	}
	return p, nil
}

// Close releases decoder resources.
func (d *Decoder) Close() {
	if d.zstdDecoder != nil {
		d.zstdDecoder.Close()
	}
}

// State is an observer-side mirror of the producer's table, rebuilt from a
// full payload and kept current by applying diffs.
type State struct {
	Timestamp time.Duration
	Values    map[string]any
	synced    bool
}

func NewState() *State {
	return &State{Values: make(map[string]any)}
}

// Synced reports whether a full payload has been applied.
func (s *State) Synced() bool {
	return s.synced
}

// Apply folds p into the state. Diffs received before the first full
// payload are rejected.
func (s *State) Apply(p *Payload) error {
	switch p.Kind {
	case KindFull:
		s.Values = make(map[string]any, len(p.Values))
		s.synced = true
	case KindDiff:
		if !s.synced {
			return fmt.Errorf("%w: diff before full snapshot", ErrMalformedPayload)
		}
	}

	for k, v := range p.Values {
		s.Values[k] = v
	}
	for _, k := range p.Removed {
		delete(s.Values, k)
	}
	s.Timestamp = p.Timestamp
	return nil
}
