package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Validator checks connection or command parameters before any I/O happens.
type Validator interface {
	// Validate checks data, a parameter map or a struct
	Validate(data interface{}) error
}

// Set runs every validator and joins the failures.
type Set []Validator

// Validate implements Validator
func (s Set) Validate(data interface{}) error {
	var errs []error
	for _, v := range s {
		if err := v.Validate(data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RequiredValidator fails when Field is missing or empty.
type RequiredValidator struct {
	Field string
}

// Validate implements Validator
func (rv *RequiredValidator) Validate(data interface{}) error {
	v, ok, err := field(data, rv.Field)
	if err != nil {
		return err
	}
	if !ok || isEmpty(v) {
		return fmt.Errorf("field %s is required", rv.Field)
	}
	return nil
}

// AnyOfValidator fails unless at least one of Fields is present.
type AnyOfValidator struct {
	Fields []string
}

// Validate implements Validator
func (av *AnyOfValidator) Validate(data interface{}) error {
	for _, name := range av.Fields {
		v, ok, err := field(data, name)
		if err != nil {
			return err
		}
		if ok && !isEmpty(v) {
			return nil
		}
	}
	return fmt.Errorf("one of %s is required", strings.Join(av.Fields, ", "))
}

// RangeValidator checks that a numeric field lies in [Min, Max]. Absent
// fields pass; combine with RequiredValidator when the field is mandatory.
type RangeValidator struct {
	Field string
	Min   float64
	Max   float64
}

// Validate implements Validator
func (rv *RangeValidator) Validate(data interface{}) error {
	v, ok, err := field(data, rv.Field)
	if err != nil {
		return err
	}
	if !ok || isEmpty(v) {
		return nil
	}

	value, ok := number(v)
	if !ok {
		return fmt.Errorf("field %s is not numeric", rv.Field)
	}
	if value < rv.Min || value > rv.Max {
		return fmt.Errorf("field %s value %g is not in range [%g, %g]", rv.Field, value, rv.Min, rv.Max)
	}
	return nil
}

// OneOfValidator checks that a string field is one of Values, ignoring case.
// Absent fields pass.
type OneOfValidator struct {
	Field  string
	Values []string
}

// Validate implements Validator
func (ov *OneOfValidator) Validate(data interface{}) error {
	v, ok, err := field(data, ov.Field)
	if err != nil {
		return err
	}
	if !ok || isEmpty(v) {
		return nil
	}

	s := fmt.Sprint(v)
	for _, allowed := range ov.Values {
		if strings.EqualFold(s, allowed) {
			return nil
		}
	}
	return fmt.Errorf("field %s must be one of %s, got %q", ov.Field, strings.Join(ov.Values, ", "), s)
}

// field looks name up in a map, case-insensitively, or in a struct.
func field(data interface{}, name string) (interface{}, bool, error) {
	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, false, fmt.Errorf("map keys must be strings")
		}
		iter := v.MapRange()
		var found interface{}
		ok := false
		for iter.Next() {
			k := iter.Key().String()
			if k == name {
				return iter.Value().Interface(), true, nil
			}
			if !ok && strings.EqualFold(k, name) {
				found, ok = iter.Value().Interface(), true
			}
		}
		return found, ok, nil
	case reflect.Struct:
		f := v.FieldByName(name)
		if !f.IsValid() {
			return nil, false, nil
		}
		return f.Interface(), true, nil
	case reflect.Invalid:
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("data must be a map or a struct")
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func number(v interface{}) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(rv.String()), 64)
		return f, err == nil
	}
	return 0, false
}
