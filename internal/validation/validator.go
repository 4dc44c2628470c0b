package validation

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Validator checks `validate` struct tags. Supported rules are required,
// min=N, max=N and len=N (string length, slice length or number) and hex.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// FieldError names the field and rule that failed.
type FieldError struct {
	Field string
	Rule  string
	Err   string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Err)
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct")
	}

	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		fieldType := typ.Field(i)
		tag := fieldType.Tag.Get("validate")
		if tag == "" {
			continue
		}
		name := fieldType.Name
		if j := strings.Split(fieldType.Tag.Get("json"), ",")[0]; j != "" && j != "-" {
			name = j
		}
		if err := v.validateField(val.Field(i), name, tag); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validateField(field reflect.Value, name, tag string) error {
	fail := func(rule, format string, args ...interface{}) error {
		return &FieldError{Field: name, Rule: rule, Err: fmt.Sprintf(format, args...)}
	}

	for _, rule := range strings.Split(tag, ",") {
		ruleName, arg, _ := strings.Cut(rule, "=")

		switch ruleName {
		case "required":
			if field.IsZero() {
				return fail(ruleName, "field is required")
			}

		case "hex":
			if field.Kind() == reflect.String && field.Len() > 0 {
				if _, err := hex.DecodeString(field.String()); err != nil {
					return fail(ruleName, "invalid hex string")
				}
			}

		case "min", "max", "len":
			n, err := strconv.Atoi(arg)
			if err != nil {
				return fmt.Errorf("%s: bad rule %q", name, rule)
			}
			size, ok := measure(field)
			if !ok {
				continue
			}
			switch {
			case ruleName == "min" && size < n:
				return fail(ruleName, "minimum is %d", n)
			case ruleName == "max" && size > n:
				return fail(ruleName, "maximum is %d", n)
			case ruleName == "len" && size != n:
				return fail(ruleName, "length must be %d", n)
			}
		}
	}
	return nil
}

// measure returns the length of strings and slices and the value of
// integers.
func measure(field reflect.Value) (int, bool) {
	switch field.Kind() {
	case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
		return field.Len(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return int(field.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int(field.Uint()), true
	}
	return 0, false
}
