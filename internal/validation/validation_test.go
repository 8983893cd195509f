package validation

import (
	"testing"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"0x0000000000000000000000000000000000000000", true},

		// Invalid cases
		{"1234567890123456789012345678901234567890", false},     // No 0x
		{"0x12345678901234567890123456789012345678", false},     // Too short
		{"0x123456789012345678901234567890123456789012", false}, // Too long
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},   // Invalid chars
		{"", false},
		{"0x", false},
	}

	for _, tc := range tests {
		result := IsValidEthAddress(tc.addr)
		if result != tc.valid {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tc.addr, result, tc.valid)
		}
	}
}

func TestIsValidHex(t *testing.T) {
	tests := []struct {
		s     string
		valid bool
	}{
		{"", true}, // Empty calldata is a plain value transfer
		{"0x", true},
		{"0xa9059cbb", true},
		{"a9059cbb", true},
		{"0xa9059cb", false}, // Odd length
		{"0xzz", false},      // Non-hex chars
	}

	for _, tc := range tests {
		if got := IsValidHex(tc.s); got != tc.valid {
			t.Errorf("IsValidHex(%q) = %v, want %v", tc.s, got, tc.valid)
		}
	}
}

func TestSanitizeAddress(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"0x1234567890123456789012345678901234567890", "0x1234567890123456789012345678901234567890"},
		{"0xABCDEF1234567890123456789012345678901234", "0xabcdef1234567890123456789012345678901234"},
		{"  0x1234567890123456789012345678901234567890  ", "0x1234567890123456789012345678901234567890"},
		{"1234567890123456789012345678901234567890", "0x1234567890123456789012345678901234567890"},
	}

	for _, tc := range tests {
		result := SanitizeAddress(tc.input)
		if result != tc.expected {
			t.Errorf("SanitizeAddress(%q) = %q, want %q", tc.input, result, tc.expected)
		}
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("from", ""),
		Required("to", "0x1234567890123456789012345678901234567890"),
		ValidAddress("to", "not-an-address"),
	)

	if len(errs) != 2 {
		t.Fatalf("Expected 2 errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "from" || errs[1].Field != "to" {
		t.Errorf("Unexpected fields: %+v", errs)
	}
}

func TestValidate_NoErrors(t *testing.T) {
	errs := Validate(
		Required("from", "0x1234567890123456789012345678901234567890"),
		ValidAddress("from", "0x1234567890123456789012345678901234567890"),
		ValidHex("data", "0xa9059cbb"),
	)
	if len(errs) != 0 {
		t.Fatalf("Expected no errors, got %v", errs)
	}
}

func TestValidAddress_EmptyPasses(t *testing.T) {
	// Optional fields: emptiness is Required's job.
	if err := ValidAddress("to", "")(); err != nil {
		t.Errorf("Empty value should pass ValidAddress, got %v", err)
	}
}

func TestValidHex_Invalid(t *testing.T) {
	if err := ValidHex("data", "0xzz")(); err == nil {
		t.Error("Expected error for invalid hex")
	}
}

func TestValidationErrors_Error(t *testing.T) {
	var empty ValidationErrors
	if empty.Error() != "validation failed" {
		t.Errorf("Unexpected empty message: %q", empty.Error())
	}

	errs := ValidationErrors{{Field: "from", Message: "is required"}}
	if errs.Error() != "from: is required" {
		t.Errorf("Unexpected message: %q", errs.Error())
	}
}
