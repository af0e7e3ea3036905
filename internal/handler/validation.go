package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON field names, not Go ones.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeAndValidate reads a JSON body into dst and runs its validate tags.
// The returned error is safe to show to the client.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid request body")
	}
	if err := validate.Struct(dst); err != nil {
		msgs := FormatValidationError(err)
		if len(msgs) == 0 {
			return errors.New("invalid request body")
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return nil
}

// FormatValidationError turns validator errors into readable messages.
func FormatValidationError(err error) []string {
	var errs []string

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, e := range validationErrors {
			field := e.Field()
			switch e.Tag() {
			case "required", "required_without":
				errs = append(errs, fmt.Sprintf("%s is required", field))
			case "max":
				errs = append(errs, fmt.Sprintf("%s must have maximum length %s", field, e.Param()))
			case "gt":
				errs = append(errs, fmt.Sprintf("%s must be greater than %s", field, e.Param()))
			default:
				errs = append(errs, fmt.Sprintf("%s is invalid (%s)", field, e.Tag()))
			}
		}
	}
	return errs
}
