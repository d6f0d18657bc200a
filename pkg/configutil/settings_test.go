package configutil

import (
	"strings"
	"testing"
)

func TestDecodeSettingsMatchesNormalizedKeys(t *testing.T) {
	var out struct {
		APIKey     string `mapstructure:"api_key"`
		SampleRate *int   `mapstructure:"sample_rate"`
	}
	err := DecodeSettings(map[string]any{
		"API-Key":     "secret",
		"sample_rate": "16000", // weakly typed input
	}, &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.APIKey != "secret" {
		t.Fatalf("api key %q", out.APIKey)
	}
	if out.SampleRate == nil || *out.SampleRate != 16000 {
		t.Fatalf("sample rate %v", out.SampleRate)
	}
}

func TestValidateSettingsReportsMissingAndUnknown(t *testing.T) {
	err := ValidateSettings(map[string]any{
		"api_key": "",
		"typo":    "x",
	}, Schema{
		Required: []string{"api_key"},
		Optional: []string{"model"},
	})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "missing: api_key") {
		t.Fatalf("missing not reported: %v", err)
	}
	if !strings.Contains(err.Error(), "unknown: typo") {
		t.Fatalf("unknown not reported: %v", err)
	}
}

func TestValidateSettingsAllowsUnknownWhenAsked(t *testing.T) {
	err := ValidateSettings(map[string]any{
		"api_key": "secret",
		"extra":   "x",
	}, Schema{
		Required:     []string{"api_key"},
		AllowUnknown: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequireString(t *testing.T) {
	if err := RequireString("  ", "backend.base_url"); err == nil {
		t.Fatalf("expected error for blank value")
	}
	if err := RequireString("https://api.example.com", "backend.base_url"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPointerFallbacks(t *testing.T) {
	on := true
	n := 8000
	if !BoolValue(nil, true) || BoolValue(&on, false) != true {
		t.Fatalf("bool fallback wrong")
	}
	if IntValue(nil, 16000) != 16000 || IntValue(&n, 16000) != 8000 {
		t.Fatalf("int fallback wrong")
	}
}
