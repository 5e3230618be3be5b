// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

// Package canonical produces the deterministic byte form of JSON-like messages
// that is hashed and signed.
//
// A canonical value tree only contains map[string]any, []any, string, bool, nil
// and json.Number. Numbers are normalized so that an integral float and the
// equivalent integer have the same representation; map keys are sorted when
// serialized. Two logically equal messages therefore serialize to identical bytes
// regardless of key insertion order or numeric representation.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Canonicalize returns the normalized value tree for v. Structs and other
// types are first converted through encoding/json.
func Canonicalize(v any) (any, error) {
	switch value := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return value, nil
	case json.Number:
		return normalizeNumberString(value.String())
	case float64:
		return normalizeFloat(value)
	case float32:
		return normalizeFloat(float64(value))
	case int:
		return json.Number(strconv.FormatInt(int64(value), 10)), nil
	case int8:
		return json.Number(strconv.FormatInt(int64(value), 10)), nil
	case int16:
		return json.Number(strconv.FormatInt(int64(value), 10)), nil
	case int32:
		return json.Number(strconv.FormatInt(int64(value), 10)), nil
	case int64:
		return json.Number(strconv.FormatInt(value, 10)), nil
	case uint:
		return json.Number(strconv.FormatUint(uint64(value), 10)), nil
	case uint8:
		return json.Number(strconv.FormatUint(uint64(value), 10)), nil
	case uint16:
		return json.Number(strconv.FormatUint(uint64(value), 10)), nil
	case uint32:
		return json.Number(strconv.FormatUint(uint64(value), 10)), nil
	case uint64:
		return json.Number(strconv.FormatUint(value, 10)), nil
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			c, err := Canonicalize(item)
			if err != nil {
				return nil, fmt.Errorf("canonical: key %q: %w", k, err)
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			c, err := Canonicalize(item)
			if err != nil {
				return nil, fmt.Errorf("canonical: index %d: %w", i, err)
			}
			out[i] = c
		}
		return out, nil
	case []string:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = item
		}
		return out, nil
	case json.RawMessage:
		return decode(value)
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("canonical: marshal %T: %w", value, err)
		}
		return decode(b)
	}
}

// Marshal canonicalizes v and returns its compact UTF-8 serialization with sorted keys.
func Marshal(v any) ([]byte, error) {
	c, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	if err := write(buf, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalJSON canonicalizes a raw JSON document.
func MarshalJSON(input []byte) ([]byte, error) {
	v, err := decode(input)
	if err != nil {
		return nil, err
	}
	return Marshal(v)
}

// Decode parses a JSON document into a canonical value tree.
func Decode(input []byte) (any, error) {
	return decode(input)
}

// DecodeObject parses a JSON document that must be an object.
func DecodeObject(input []byte) (map[string]any, error) {
	v, err := decode(input)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("canonical: expected JSON object, got %T", v)
	}
	return obj, nil
}

func decode(input []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("canonical: invalid JSON: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, errors.New("canonical: invalid JSON: trailing data")
	}
	return Canonicalize(value)
}

func write(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeString(buf, v)
	case json.Number:
		buf.WriteString(v.String())
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := write(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := write(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("canonical: unsupported type %T", value)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			buf.WriteByte('\\')
			buf.WriteRune(r)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexLower[r>>4])
				buf.WriteByte(hexLower[r&0x0f])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

var hexLower = []byte("0123456789abcdef")

func normalizeNumberString(number string) (json.Number, error) {
	if i, err := strconv.ParseInt(number, 10, 64); err == nil {
		return json.Number(strconv.FormatInt(i, 10)), nil
	}
	if u, err := strconv.ParseUint(number, 10, 64); err == nil {
		return json.Number(strconv.FormatUint(u, 10)), nil
	}
	f, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return "", fmt.Errorf("canonical: invalid number %q: %w", number, err)
	}
	return normalizeFloat(f)
}

// normalizeFloat collapses integral floats to their integer form and writes
// the rest in the shortest round-trip notation.
func normalizeFloat(f float64) (json.Number, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", errors.New("canonical: NaN and Inf are not representable")
	}
	if f == 0 {
		return "0", nil
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
		return json.Number(strconv.FormatInt(int64(f), 10)), nil
	}

	sign := ""
	if f < 0 {
		sign = "-"
		f = math.Abs(f)
	}

	s := strconv.FormatFloat(f, 'e', -1, 64)
	parts := strings.SplitN(s, "e", 2)
	exp, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", fmt.Errorf("canonical: float exponent: %w", err)
	}
	digits := strings.ReplaceAll(parts[0], ".", "")

	if exp <= -7 || exp >= 21 {
		if len(digits) == 1 {
			return json.Number(sign + digits + "e" + strconv.Itoa(exp)), nil
		}
		return json.Number(sign + digits[:1] + "." + digits[1:] + "e" + strconv.Itoa(exp)), nil
	}

	point := exp + 1
	if point >= len(digits) {
		return json.Number(sign + digits + strings.Repeat("0", point-len(digits))), nil
	}
	if point <= 0 {
		return json.Number(sign + "0." + strings.Repeat("0", -point) + digits), nil
	}
	return json.Number(sign + digits[:point] + "." + digits[point:]), nil
}
