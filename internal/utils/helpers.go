package utils

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ToStruct converts any JSON-marshalable value into a protobuf Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("to struct: %w", err)
	}
	return out, nil
}

// FromStruct decodes a protobuf Struct into v through its JSON form.
func FromStruct(s *structpb.Struct, v any) error {
	b, err := StructJSON(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// StructJSON renders s as a JSON document; a nil Struct is an empty object.
func StructJSON(s *structpb.Struct) ([]byte, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("from struct: %w", err)
	}
	return b, nil
}

// StringField returns the trimmed string stored under key, or "".
func StringField(s *structpb.Struct, key string) string {
	v, ok := s.GetFields()[key]
	if !ok {
		return ""
	}
	return strings.TrimSpace(v.GetStringValue())
}

// IntField returns the integral number stored under key. Missing keys yield def;
// non-numbers and fractions are errors.
func IntField(s *structpb.Struct, key string, def int) (int, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return def, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return def, nil
	}
	num, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum {
		return 0, fmt.Errorf("%s must be a number", key)
	}
	f := num.NumberValue
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return int(f), nil
}

// OptionalIntField is IntField that reports a missing or null key as nil, so an
// explicit zero stays distinguishable from an absent value.
func OptionalIntField(s *structpb.Struct, key string) (*int, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, nil
	}
	n, err := IntField(s, key, 0)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// StructField returns the nested object stored under key, or nil.
func StructField(s *structpb.Struct, key string) *structpb.Struct {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil
	}
	return v.GetStructValue()
}
