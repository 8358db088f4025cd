package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/rotisserie/eris"
)

// Parse decodes JSON into a Value, preserving object key order and numeric
// fidelity (numbers are kept as json.Number, never coerced to float64).
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := decodeValue(dec)
	if err != nil {
		return Null(), eris.Wrap(err, "record: parse")
	}

	// Trailing content after the first value is malformed input.
	if dec.More() {
		return Null(), eris.New("record: trailing data after JSON value")
	}
	return v, nil
}

// ParseObject decodes JSON that must be a top-level object.
func ParseObject(data []byte) (Value, error) {
	v, err := Parse(data)
	if err != nil {
		return Null(), err
	}
	if v.Kind() != KindObject {
		return Null(), eris.New("record: top-level JSON value is not an object")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Null(), err
	}
	return decodeFromToken(dec, tok)
}

func decodeFromToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := NewObject()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Null(), err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Null(), fmt.Errorf("unexpected object key token %v", keyTok)
				}
				val, err := decodeValue(dec)
				if err != nil {
					return Null(), err
				}
				obj.Set(key, val)
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return Null(), err
			}
			return FromObject(obj), nil
		case '[':
			var rows []Value
			for dec.More() {
				val, err := decodeValue(dec)
				if err != nil {
					return Null(), err
				}
				rows = append(rows, val)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return Null(), err
			}
			return Value{kind: KindTable, table: rows}, nil
		}
		return Null(), fmt.Errorf("unexpected delimiter %v", t)
	case string:
		return String(t), nil
	case json.Number:
		return Number(t), nil
	case bool:
		return Bool(t), nil
	case nil:
		return Null(), nil
	default:
		return Null(), fmt.Errorf("unexpected token %v", tok)
	}
}

// MarshalJSON serializes the Value with object keys in insertion order.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v Value) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindScalar:
		b, err := json.Marshal(v.scalar)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindObject:
		buf.WriteByte('{')
		for i, key := range v.obj.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(key)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			val := v.obj.vals[key]
			if err := encodeValue(buf, val); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case KindTable:
		buf.WriteByte('[')
		for i, row := range v.table {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, row); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	}
	return nil
}

// UnmarshalJSON decodes into the Value, preserving key order.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Compact returns a single-line JSON rendering truncated to at most limit
// bytes, used for human-readable before/after snapshots in correction
// records. Truncation never splits a UTF-8 sequence.
func (v Value) Compact(limit int) string {
	b, err := v.MarshalJSON()
	if err != nil {
		return ""
	}
	s := string(b)
	if limit > 0 && len(s) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}
