package router

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Validator is the opaque "Standard-Schema-style" contract spec.md §9
// describes: a function that returns a coerced value or a list of issues,
// deliberately not bound to any particular schema library so a caller can
// adapt whatever validation package they already use.
type Validator interface {
	Validate(input any) (value any, issues []string)
}

// StructTagValidator is a minimal built-in Validator: it JSON round-trips
// input into a fresh value of the target struct's type, then flags every
// field tagged `validate:"required"` that still holds its zero value. No
// schema-validation library appears anywhere in the example pack, so this
// exists purely as the default for callers who don't want to wire their own.
type StructTagValidator struct {
	// New returns a pointer to a zero value of the target struct type, e.g.
	// func() any { return &CreatePostInput{} }.
	New func() any
}

func (v StructTagValidator) Validate(input any) (any, []string) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, []string{"input: " + err.Error()}
	}
	target := v.New()
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, []string{"input: " + err.Error()}
	}

	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return nil, []string{"input: validator target must be a struct pointer"}
	}
	rv = rv.Elem()
	rt := rv.Type()

	var issues []string
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		tag := field.Tag.Get("validate")
		if !strings.Contains(tag, "required") {
			continue
		}
		if rv.Field(i).IsZero() {
			issues = append(issues, fmt.Sprintf("%s: required", jsonFieldName(field)))
		}
	}
	if len(issues) > 0 {
		return nil, issues
	}
	return target, nil
}

func jsonFieldName(field reflect.StructField) string {
	tag := field.Tag.Get("json")
	name := strings.Split(tag, ",")[0]
	if name == "" || name == "-" {
		return field.Name
	}
	return name
}
