package core

import (
	"testing"

	"maplebill/internal/types"
)

type subscribeRequest struct {
	Tier     string `validate:"required,tier"`
	Province string `validate:"omitempty,province"`
	Email    string `validate:"omitempty,email"`
}

func TestValidateStruct_Valid(t *testing.T) {
	v := NewValidator(nil)

	req := subscribeRequest{Tier: "STANDARD", Province: "ON", Email: "a@b.ca"}
	if err := v.ValidateStruct(req); err != nil {
		t.Fatalf("expected valid struct, got %v", err)
	}
}

func TestValidateStruct_MissingRequired(t *testing.T) {
	v := NewValidator(nil)

	err := v.ValidateStruct(subscribeRequest{})
	if err == nil {
		t.Fatal("expected error for missing tier")
	}
	if err.Code != types.ErrCodeValidationMissingField {
		t.Errorf("expected validation_missing_required_field, got %q", err.Code)
	}
	if _, ok := err.Details["tier"]; !ok {
		t.Errorf("expected tier named in details, got %v", err.Details)
	}
}

func TestValidateStruct_UnknownTier(t *testing.T) {
	v := NewValidator(nil)

	err := v.ValidateStruct(subscribeRequest{Tier: "PLATINUM"})
	if err == nil {
		t.Fatal("expected error for unrecognized tier")
	}
	if err.Code != types.ErrCodeValidationInvalidTier {
		t.Errorf("expected validation_invalid_tier, got %q", err.Code)
	}
}

func TestValidateStruct_UnknownProvince(t *testing.T) {
	v := NewValidator(nil)

	err := v.ValidateStruct(subscribeRequest{Tier: "STANDARD", Province: "ZZ"})
	if err == nil {
		t.Fatal("expected error for unrecognized province")
	}
	if err.Code != types.ErrCodeValidationInvalidProvince {
		t.Errorf("expected validation_invalid_province, got %q", err.Code)
	}
}

func TestValidateStruct_TierIsCaseSensitive(t *testing.T) {
	v := NewValidator(nil)

	// Handlers normalize before validation; the validator itself accepts
	// only the canonical uppercase form.
	if err := v.ValidateStruct(subscribeRequest{Tier: "standard"}); err == nil {
		t.Fatal("expected lowercase tier to be rejected")
	}
}

func TestValidateStruct_MultipleFailuresAllReported(t *testing.T) {
	v := NewValidator(nil)

	err := v.ValidateStruct(subscribeRequest{Tier: "PLATINUM", Province: "ZZ", Email: "not-an-email"})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, field := range []string{"tier", "province", "email"} {
		if _, ok := err.Details[field]; !ok {
			t.Errorf("expected %s in details, got %v", field, err.Details)
		}
	}
}

func TestValidateStruct_NonStruct(t *testing.T) {
	v := NewValidator(nil)

	err := v.ValidateStruct("not a struct")
	if err == nil {
		t.Fatal("expected error for non-struct target")
	}
	if err.Code != types.ErrCodeInternalUnexpected {
		t.Errorf("expected internal_unexpected_error, got %q", err.Code)
	}
}
