package middleware

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

var fieldMessages = map[string]string{
	"required":   "field is required",
	"hhmm":       "must be a time of day in HH:MM format",
	"civildate":  "must be a date in YYYY-MM-DD format",
	"civilmonth": "must be a month in YYYY-MM format",
	"oneof":      "must be one of: %s",
	"url":        "must be a valid URL",
	"min":        "must be at least %s",
	"max":        "must be at most %s",
}

// RegisterValidators installs the custom tags on gin's validator and reports
// fields by their JSON names.
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf("unexpected validator engine %T", binding.Validator.Engine())
	}

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"json", "form"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name == "-" {
				return fld.Name
			}
			if name != "" {
				return name
			}
		}
		return fld.Name
	})

	custom := map[string]validator.Func{
		"hhmm":       layoutValidator("15:04"),
		"civildate":  layoutValidator("2006-01-02"),
		"civilmonth": layoutValidator("2006-01"),
	}
	for tag, fn := range custom {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validator: %w", tag, err)
		}
	}
	return nil
}

// layoutValidator accepts strings that parse with layout and print back
// unchanged, so "9:00" and "2024-2-5" are rejected.
func layoutValidator(layout string) validator.Func {
	return func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		t, err := time.Parse(layout, s)
		return err == nil && t.Format(layout) == s
	}
}

func FieldErrors(errs validator.ValidationErrors) []FieldError {
	out := make([]FieldError, 0, len(errs))
	for _, e := range errs {
		msg, ok := fieldMessages[e.Tag()]
		switch {
		case !ok:
			msg = fmt.Sprintf("failed %s validation", e.Tag())
		case strings.Contains(msg, "%s"):
			msg = fmt.Sprintf(msg, e.Param())
		}
		out = append(out, FieldError{Field: e.Field(), Message: msg})
	}
	return out
}
