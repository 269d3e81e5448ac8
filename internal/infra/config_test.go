package infra

import "testing"

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("VALIDATOR_MODE", "")
	t.Setenv("CONFIDENCE_THRESHOLD", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ValidatorMode != "hybrid" {
		t.Fatalf("ValidatorMode mismatch: got %q want %q", cfg.ValidatorMode, "hybrid")
	}
	if cfg.ConfidenceThreshold != 0.75 {
		t.Fatalf("ConfidenceThreshold mismatch: got %v want 0.75", cfg.ConfidenceThreshold)
	}
	if cfg.MaxStageAttempts != 2 {
		t.Fatalf("MaxStageAttempts mismatch: got %d want 2", cfg.MaxStageAttempts)
	}
	if cfg.SamplingDecay != 0.9 {
		t.Fatalf("SamplingDecay mismatch: got %v want 0.9", cfg.SamplingDecay)
	}
}

func TestLoadConfigRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error when DATABASE_URL missing")
	}
}

func TestLoadConfigRejectsUnknownValidatorMode(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("VALIDATOR_MODE", "psychic")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for unknown validator mode")
	}
}

func TestLoadConfigRejectsOutOfRangeThreshold(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("CONFIDENCE_THRESHOLD", "1.5")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for threshold outside [0,1]")
	}
}
