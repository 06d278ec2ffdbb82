package config

import (
	"strings"
	"testing"
)

func errorsOf(results []ValidationResult) []ValidationResult {
	var errs []ValidationResult
	for _, r := range results {
		if r.Level == "error" {
			errs = append(errs, r)
		}
	}
	return errs
}

func TestValidateDefaults(t *testing.T) {
	if results := Default().Validate(); len(results) != 0 {
		t.Fatalf("expected no findings, got %v", results)
	}
}

func TestValidateLinkStrategy(t *testing.T) {
	cfg := Default()
	cfg.Link.Strategy = "junction"

	errs := errorsOf(cfg.Validate())
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "link.strategy" {
		t.Fatalf("unexpected field %q", errs[0].Field)
	}
	if !strings.Contains(errs[0].Message, "symlink, hardlink, copy") {
		t.Fatalf("message should list valid values: %q", errs[0].Message)
	}
	if err := Err(cfg.Validate()); err == nil || !strings.Contains(err.Error(), "junction") {
		t.Fatalf("expected folded error, got %v", err)
	}
}

func TestValidateLimits(t *testing.T) {
	cfg := Default()
	cfg.MaxConcurrentDownloads = 0
	cfg.Network.Retries = -1
	cfg.Sandbox.MaxFetches = 0

	errs := errorsOf(cfg.Validate())
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
}

func TestValidateWarnings(t *testing.T) {
	cfg := Default()
	cfg.MaxConcurrentDownloads = 100
	cfg.Log.Level = "chatty"
	cfg.Home = "relative/home"

	results := cfg.Validate()
	if len(errorsOf(results)) != 0 {
		t.Fatalf("expected only warnings, got %v", results)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 warnings, got %d: %v", len(results), results)
	}
	if err := Err(results); err != nil {
		t.Fatalf("warnings must not fold into an error: %v", err)
	}
}
