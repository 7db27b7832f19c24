package core

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"maplebill/internal/normalize"
	"maplebill/internal/types"
)

// Validator wraps go-playground/validator and registers the billing-specific
// tags the request structs use:
//
//	tier      - value is a recognized plan tier (FREE, STANDARD, PREMIUM, FAMILY)
//	province  - value is a supported Canadian province or territory code
//
// Both tags accept the canonical uppercase form only; handlers normalize
// user input before validation so drift is logged rather than rejected
// with a confusing message.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator with all custom tags registered.
// Tag registration only fails on programmer error (empty tag name), so a
// failure here panics rather than returning an error.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}

	v := validator.New()

	mustRegister(v, "tier", func(fl validator.FieldLevel) bool {
		return normalize.Tiers.Contains(types.Tier(fl.Field().String()))
	})
	mustRegister(v, "province", func(fl validator.FieldLevel) bool {
		for _, p := range types.AllProvinces {
			if string(p) == fl.Field().String() {
				return true
			}
		}
		return false
	})

	return &Validator{validate: v, logger: logger}
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("registering %q validation: %v", tag, err))
	}
}

// ValidateStruct validates s against its struct tags and returns a
// *types.AppError describing every failed field, or nil when s is valid.
//
// The error code is chosen from the first failed rule: "required" failures map
// to validation_missing_required_field, tier and province failures to their
// dedicated codes, and everything else to a generic validation failure. All
// failed fields are reported in the error details regardless of which code
// was chosen.
func (v *Validator) ValidateStruct(s any) *types.AppError {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		// InvalidValidationError: s was not a struct. Programmer error, but
		// surface it as an internal error rather than panicking mid-request.
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation target is not a struct", err)
	}

	details := make(map[string]any, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[strings.ToLower(fe.Field())] = describeRule(fe)
	}

	return types.NewAppErrorWithDetails(
		codeForRule(fieldErrs[0]),
		"request validation failed",
		nil,
		details,
	)
}

// codeForRule maps a failed validation rule to the closest domain error code.
func codeForRule(fe validator.FieldError) types.ErrorCode {
	switch fe.Tag() {
	case "required":
		return types.ErrCodeValidationMissingField
	case "tier":
		return types.ErrCodeValidationInvalidTier
	case "province":
		return types.ErrCodeValidationInvalidProvince
	case "min", "max", "gte", "lte":
		return types.ErrCodeValidationInvalidAmount
	default:
		return errCodeValidationFailed
	}
}

// describeRule renders a failed rule as a short human-readable fragment for
// the error details map.
func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "tier":
		return "must be a recognized plan tier"
	case "province":
		return "must be a supported province or territory code"
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("failed %s", fe.Tag())
	}
}

// errCodeValidationFailed is the catch-all code for rules with no dedicated
// domain error code. Local to the chassis, like errCodeValidationInvalidJSON.
const errCodeValidationFailed types.ErrorCode = "validation_failed"
