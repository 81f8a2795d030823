package security

import "testing"

func TestPasswordStrength_String(t *testing.T) {
	tests := []struct {
		strength PasswordStrength
		want     string
	}{
		{PasswordWeak, "Weak"},
		{PasswordFair, "Fair"},
		{PasswordGood, "Good"},
		{PasswordStrong, "Strong"},
		{PasswordStrength(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.strength.String(); got != tt.want {
				t.Errorf("PasswordStrength.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPasswordStrength_Points(t *testing.T) {
	tests := []struct {
		strength PasswordStrength
		want     int
	}{
		{PasswordWeak, 0},
		{PasswordFair, 8},
		{PasswordGood, 17},
		{PasswordStrong, 25},
		{PasswordStrength(99), 0},
	}

	for _, tt := range tests {
		t.Run(tt.strength.String(), func(t *testing.T) {
			if got := tt.strength.Points(); got != tt.want {
				t.Errorf("PasswordStrength.Points() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCalculateStrength_Password(t *testing.T) {
	tests := []struct {
		name  string
		value string
		tag   string
		want  PasswordStrength
	}{
		{"empty", "", "", PasswordWeak},
		{"7_chars", "1234567", "", PasswordWeak},
		{"8_chars", "12345678", "None", PasswordFair},
		{"13_chars", "1234567890abc", "", PasswordFair},
		{"14_chars", "1234567890abcd", "", PasswordGood},
		{"19_chars", "1234567890abcdefghi", "work", PasswordGood},
		{"20_chars", "1234567890abcdefghij", "", PasswordStrong},
		// Counted in characters, not bytes.
		{"multibyte_7", "пароль1", "", PasswordWeak},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalculateStrength(tt.value, tt.tag); got != tt.want {
				t.Errorf("CalculateStrength(%q, %q) = %v, want %v", tt.value, tt.tag, got, tt.want)
			}
		})
	}
}

func TestCalculateStrength_APIKey(t *testing.T) {
	tests := []struct {
		name  string
		value string
		tag   string
		want  PasswordStrength
	}{
		{"api_key_15", "123456789012345", "api_key", PasswordWeak},
		{"api_key_16", "1234567890123456", "api_key", PasswordFair},
		{"api_key_20", "12345678901234567890", "API_KEY", PasswordGood},
		{"api_key_32", "12345678901234567890123456789012", "api_key", PasswordStrong},
		{"token_short", "abcdefghij", "token", PasswordWeak},
		{"token_32", "12345678901234567890123456789012", " token ", PasswordStrong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalculateStrength(tt.value, tt.tag); got != tt.want {
				t.Errorf("CalculateStrength(%q, %q) = %v, want %v", tt.value, tt.tag, got, tt.want)
			}
		})
	}
}

func TestIsMachineCredential(t *testing.T) {
	for tag, want := range map[string]bool{
		"api_key": true, "apikey": true, "Token": true,
		"password": false, "": false, "None": false, "tokens": false,
	} {
		if got := IsMachineCredential(tag); got != want {
			t.Errorf("IsMachineCredential(%q) = %v, want %v", tag, got, want)
		}
	}
}
