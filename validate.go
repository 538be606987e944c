package ap2

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	currencyPattern = regexp.MustCompile(`^[A-Za-z]{3}$`)
	validate        = newValidator()
)

// Validate runs the struct's validate tags. A missing required field yields
// a MissingFieldError naming the JSON field; any other rule yields an
// invalid_request error.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return normalizeValidationError(err)
	}
	return nil
}

// Validate ensures the message is addressable and carries at least one part.
func (m Message) Validate() error {
	return Validate(m)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.Split(field.Tag.Get("json"), ",")[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})

	if err := v.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
		value, ok := fl.Field().Interface().(string)
		if !ok {
			return false
		}
		return currencyPattern.MatchString(value)
	}); err != nil {
		panic(err)
	}

	if err := v.RegisterValidation("positive_amount", func(fl validator.FieldLevel) bool {
		switch a := fl.Field().Interface().(type) {
		case Amount:
			return a.IsPositive()
		case *Amount:
			return a != nil && a.IsPositive()
		default:
			return false
		}
	}); err != nil {
		panic(err)
	}

	return v
}

func normalizeValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return NewInvalidRequestError(err.Error())
	}
	first := validationErrs[0]
	fieldPath := jsonPath(first)
	if first.Tag() == "required" {
		return NewMissingFieldError(fieldPath)
	}
	return NewInvalidRequestError(fmt.Sprintf("%s %s", fieldPath, validationMessage(first)), WithOffendingParam(fieldPath))
}

func jsonPath(fe validator.FieldError) string {
	path := fe.Namespace()
	if idx := strings.Index(path, "."); idx >= 0 {
		path = path[idx+1:]
	}
	if path == "" {
		return fe.Field()
	}
	return path
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("cannot exceed %s characters", fe.Param())
	case "email":
		return "must be a valid email address"
	case "eq":
		return fmt.Sprintf("must equal %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", strings.ReplaceAll(fe.Param(), " ", ", "))
	case "currency":
		return "must be a 3-letter ISO-4217 code"
	case "positive_amount":
		return "must be greater than 0"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}
