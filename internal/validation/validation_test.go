package validation

import (
	"testing"
)

func TestIsValidLedgerAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"Vau1tLoomPay111111111111111111111111", true},
		{"4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T", true},
		{"So11111111111111111111111111111111111111112", true},

		// Invalid cases
		{"0x1234567890123456789012345678901234567890", false}, // hex, has 0
		{"tooshort", false},
		{"contains0and-lIO-forbidden-base58-chars!", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidLedgerAddress(tc.addr)
		if result != tc.valid {
			t.Errorf("IsValidLedgerAddress(%q) = %v, want %v", tc.addr, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("name", "Ana"),
		ValidAmount("amount", "10.5"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("name", ""),
		ValidAmount("amount", "-1"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"1.00", true},
		{"0.50", true},
		{"100", true},
		{"0.000001", true},
		{".50", true}, // decimal accepts leading-dot form

		// Invalid
		{"abc", false},
		{"-1.00", false},
		{"0", false},
		{"1.2.3", false},
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.value)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("ValidAmount(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestValidCurrency(t *testing.T) {
	for _, v := range []string{"NATIVE", "TOKEN", "native", "token"} {
		if err := ValidCurrency("currency", v)(); err != nil {
			t.Errorf("ValidCurrency(%q) = %v, want nil", v, err)
		}
	}
	if err := ValidCurrency("currency", "USDC")(); err == nil {
		t.Error("Expected error for unsupported currency")
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
