package models

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	idempotencyKeyPattern = regexp.MustCompile(`^msg_[a-z0-9]+_[a-f0-9]{16}$`)
	correlationKeyPattern = regexp.MustCompile(`^corr_[a-z0-9]+_[a-f0-9]{12}$`)
)

// RegisterCustomValidations wires the event envelope's idempotencyKey and
// correlationKey tags (§6 boundary format) into v. Callers that build a
// *validator.Validate to check Event values must call this once.
func RegisterCustomValidations(v *validator.Validate) error {
	if err := v.RegisterValidation("idempotencyKey", func(fl validator.FieldLevel) bool {
		return idempotencyKeyPattern.MatchString(fl.Field().String())
	}); err != nil {
		return err
	}
	return v.RegisterValidation("correlationKey", func(fl validator.FieldLevel) bool {
		return correlationKeyPattern.MatchString(fl.Field().String())
	})
}
