package model

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"shuttle-tracker/internal/schedule"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator with the "clock" tag registered.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
			return schedule.ValidClock(fl.Field().String())
		})
	})
	return validate
}

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid fields: %s", strings.Join(e.Fields, ", "))
}

func check(v any) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	ve := &ValidationError{}
	for _, fe := range verrs {
		ve.Fields = append(ve.Fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
	}
	return ve
}

func (r Route) Validate() error { return check(r) }

func (s Shuttle) Validate() error {
	if strings.TrimSpace(s.Number) == "" {
		return &ValidationError{Fields: []string{"Shuttle.Number (required)"}}
	}
	return check(s)
}

func (p PickupLocation) Validate() error { return check(p) }

func (s Session) Validate() error { return check(s) }
