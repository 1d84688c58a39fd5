package validator

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	registerCustomValidations()
}

func registerCustomValidations() {
	// Idempotency keys are opaque but must be printable ASCII without spaces,
	// since they are embedded in scoped keys and log lines.
	validate.RegisterValidation("idemkey", func(fl validator.FieldLevel) bool {
		key := fl.Field().String()
		for i := 0; i < len(key); i++ {
			if key[i] <= ' ' || key[i] > '~' {
				return false
			}
		}
		return true
	})
}

// Validate validates a struct and returns a map of field errors
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	errs := make(map[string]string)
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		errs["_"] = err.Error()
		return errs
	}

	for _, err := range validationErrs {
		field := err.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		switch err.Tag() {
		case "required":
			errs[field] = "This field is required"
		case "min":
			errs[field] = "Value is too short (min: " + err.Param() + ")"
		case "max":
			errs[field] = "Value is too long (max: " + err.Param() + ")"
		case "gt":
			errs[field] = "Value must be greater than " + err.Param()
		case "gte":
			errs[field] = "Value must be at least " + err.Param()
		case "lte":
			errs[field] = "Value must be at most " + err.Param()
		case "oneof":
			errs[field] = "Must be one of: " + err.Param()
		case "idemkey":
			errs[field] = "Must be printable ASCII without spaces"
		default:
			errs[field] = "Invalid value"
		}
	}

	return errs
}

// ValidateStruct is Validate folded into a single error, for startup checks.
func ValidateStruct(s interface{}) error {
	errs := Validate(s)
	if len(errs) == 0 {
		return nil
	}

	fields := make([]string, 0, len(errs))
	for field := range errs {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, field+": "+errs[field])
	}
	return fmt.Errorf("validation failed: %s", strings.Join(parts, "; "))
}
