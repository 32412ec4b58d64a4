package models

import (
	"bytes"
	"encoding/json"
	"math"
)

// Floats is a float slice whose JSON form writes NaN and infinities as null.
// A null element decodes as NaN. A diverged run can then still save its
// state.
type Floats[T float32 | float64] []T

func (s Floats[T]) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			buf.WriteString("null")
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (s *Floats[T]) UnmarshalJSON(data []byte) error {
	var raw []*T
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*s = nil
		return nil
	}
	out := make(Floats[T], len(raw))
	for i, v := range raw {
		if v == nil {
			out[i] = T(math.NaN())
			continue
		}
		out[i] = *v
	}
	*s = out
	return nil
}
