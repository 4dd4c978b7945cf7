/*
Copyright 2024 Siteconf Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package settings

import (
	"encoding/csv"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// Type tags a setting's declared type and selects its codec.
type Type string

const (
	// TypeString is a free-form string.
	TypeString Type = "string"
	// TypeBool is a boolean, accepting case-insensitive "true"/"false".
	TypeBool Type = "boolean"
	// TypeInt is a signed integer.
	TypeInt Type = "integer"
	// TypePositiveInt is an integer greater than zero.
	TypePositiveInt Type = "positive-integer"
	// TypeDouble is a floating point number.
	TypeDouble Type = "double"
	// TypeKeyword is a lowercase identifier, e.g. an enum variant.
	TypeKeyword Type = "keyword"
	// TypeTimestamp is an RFC 3339 timestamp.
	TypeTimestamp Type = "timestamp"
	// TypeJSON is an arbitrary JSON document.
	TypeJSON Type = "json"
	// TypeCSV is a list of strings stored as a single CSV record.
	TypeCSV Type = "csv"
)

// Codec parses and serializes one setting type. Implementations are
// registered on a Registry; resolution never dispatches on concrete types,
// so new setting types need no engine changes.
type Codec interface {
	// Parse converts a raw stored string into the typed value. A parse
	// failure is a BadParameter error.
	Parse(raw string) (interface{}, error)

	// Serialize converts a typed value into its raw stored string.
	Serialize(value interface{}) (string, error)

	// EchoesInput reports whether this codec's parse failures may quote
	// the raw offending input. Error reporting for sensitive settings
	// redacts messages from codecs that echo.
	EchoesInput() bool
}

func builtinCodecs() map[Type]Codec {
	return map[Type]Codec{
		TypeString:      stringCodec{},
		TypeBool:        boolCodec{},
		TypeInt:         intCodec{},
		TypePositiveInt: positiveIntCodec{},
		TypeDouble:      doubleCodec{},
		TypeKeyword:     keywordCodec{},
		TypeTimestamp:   timestampCodec{},
		TypeJSON:        jsonCodec{},
		TypeCSV:         csvCodec{},
	}
}

// inherentlyNonSecret reports whether values of the type cannot plausibly
// hold secret material, letting encryption policy resolution default them
// to plaintext.
func inherentlyNonSecret(t Type) bool {
	switch t {
	case TypeBool, TypeInt, TypePositiveInt, TypeDouble, TypeKeyword, TypeTimestamp:
		return true
	}
	return false
}

type stringCodec struct{}

func (stringCodec) Parse(raw string) (interface{}, error)       { return raw, nil }
func (stringCodec) Serialize(value interface{}) (string, error) { return asString(value) }
func (stringCodec) EchoesInput() bool                           { return false }

type boolCodec struct{}

func (boolCodec) Parse(raw string) (interface{}, error) {
	switch strings.ToLower(raw) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	// deliberately does not echo the raw input
	return nil, trace.BadParameter("invalid boolean value, expected true or false")
}

func (boolCodec) Serialize(value interface{}) (string, error) {
	b, ok := value.(bool)
	if !ok {
		return "", trace.BadParameter("expected bool, got %T", value)
	}
	return strconv.FormatBool(b), nil
}

func (boolCodec) EchoesInput() bool { return false }

type intCodec struct{}

func (intCodec) Parse(raw string) (interface{}, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, trace.BadParameter("invalid integer value %q", raw)
	}
	return n, nil
}

func (intCodec) Serialize(value interface{}) (string, error) {
	n, err := asInt64(value)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return strconv.FormatInt(n, 10), nil
}

func (intCodec) EchoesInput() bool { return true }

type positiveIntCodec struct{}

func (positiveIntCodec) Parse(raw string) (interface{}, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, trace.BadParameter("invalid integer value %q", raw)
	}
	if n <= 0 {
		return nil, trace.BadParameter("expected a positive integer, got %q", raw)
	}
	return n, nil
}

func (positiveIntCodec) Serialize(value interface{}) (string, error) {
	n, err := asInt64(value)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if n <= 0 {
		return "", trace.BadParameter("expected a positive integer, got %d", n)
	}
	return strconv.FormatInt(n, 10), nil
}

func (positiveIntCodec) EchoesInput() bool { return true }

type doubleCodec struct{}

func (doubleCodec) Parse(raw string) (interface{}, error) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, trace.BadParameter("invalid double value %q", raw)
	}
	return f, nil
}

func (doubleCodec) Serialize(value interface{}) (string, error) {
	switch v := value.(type) {
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 64), nil
	default:
		n, err := asInt64(value)
		if err != nil {
			return "", trace.BadParameter("expected float, got %T", value)
		}
		return strconv.FormatInt(n, 10), nil
	}
}

func (doubleCodec) EchoesInput() bool { return true }

var keywordPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

type keywordCodec struct{}

func (keywordCodec) Parse(raw string) (interface{}, error) {
	if !keywordPattern.MatchString(raw) {
		return nil, trace.BadParameter("invalid keyword value %q", raw)
	}
	return raw, nil
}

func (keywordCodec) Serialize(value interface{}) (string, error) {
	s, err := asString(value)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if !keywordPattern.MatchString(s) {
		return "", trace.BadParameter("invalid keyword value %q", s)
	}
	return s, nil
}

func (keywordCodec) EchoesInput() bool { return true }

type timestampCodec struct{}

func (timestampCodec) Parse(raw string) (interface{}, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, trace.BadParameter("invalid timestamp value %q, expected RFC 3339", raw)
	}
	return t, nil
}

func (timestampCodec) Serialize(value interface{}) (string, error) {
	t, ok := value.(time.Time)
	if !ok {
		return "", trace.BadParameter("expected time.Time, got %T", value)
	}
	return t.UTC().Format(time.RFC3339), nil
}

func (timestampCodec) EchoesInput() bool { return true }

type jsonCodec struct{}

func (jsonCodec) Parse(raw string) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, trace.BadParameter("invalid json value %q: %v", raw, err)
	}
	return v, nil
}

func (jsonCodec) Serialize(value interface{}) (string, error) {
	out, err := json.Marshal(value)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(out), nil
}

func (jsonCodec) EchoesInput() bool { return true }

type csvCodec struct{}

func (csvCodec) Parse(raw string) (interface{}, error) {
	r := csv.NewReader(strings.NewReader(raw))
	record, err := r.Read()
	if err != nil {
		// malformed rows are reported without echoing their content
		return nil, trace.BadParameter("invalid csv value")
	}
	return record, nil
}

func (csvCodec) Serialize(value interface{}) (string, error) {
	record, ok := value.([]string)
	if !ok {
		return "", trace.BadParameter("expected []string, got %T", value)
	}
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write(record); err != nil {
		return "", trace.Wrap(err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", trace.Wrap(err)
	}
	return strings.TrimSuffix(sb.String(), "\n"), nil
}

func (csvCodec) EchoesInput() bool { return false }

func asString(value interface{}) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", trace.BadParameter("expected string, got %T", value)
	}
	return s, nil
}

func asInt64(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	default:
		return 0, trace.BadParameter("expected integer, got %T", value)
	}
}
