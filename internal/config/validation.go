package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"vx/pkg/descriptor"
)

// ValidationResult captures a single validation finding.
type ValidationResult struct {
	Level   string `json:"level"` // "error" or "warning"
	Field   string `json:"field"`
	Message string `json:"message"`
}

// LinkStrategies lists the accepted link.strategy values.
var LinkStrategies = []string{"symlink", "hardlink", "copy"}

var logLevels = []string{"trace", "debug", "info", "warn", "error"}

// Validate runs every check and returns structured results.
func (c Config) Validate() []ValidationResult {
	var results []ValidationResult
	results = append(results, c.validateLimits()...)
	results = append(results, c.validateEnums()...)
	results = append(results, c.validatePaths()...)
	return results
}

// Err folds error-level results into one error, or nil.
func Err(results []ValidationResult) error {
	var errs []error
	for _, r := range results {
		if r.Level == "error" {
			errs = append(errs, fmt.Errorf("%s: %s", r.Field, r.Message))
		}
	}
	return errors.Join(errs...)
}

func (c Config) validateLimits() []ValidationResult {
	var results []ValidationResult
	if c.MaxConcurrentDownloads < 1 {
		results = append(results, ValidationResult{
			Level:   "error",
			Field:   "max_concurrent_downloads",
			Message: "must be at least 1",
		})
	} else if c.MaxConcurrentDownloads > 64 {
		results = append(results, ValidationResult{
			Level:   "warning",
			Field:   "max_concurrent_downloads",
			Message: fmt.Sprintf("%d concurrent downloads may trip host rate limits", c.MaxConcurrentDownloads),
		})
	}
	if c.Network.Retries < 0 {
		results = append(results, ValidationResult{Level: "error", Field: "network.retries", Message: "must not be negative"})
	} else if c.Network.Retries > 10 {
		results = append(results, ValidationResult{Level: "warning", Field: "network.retries", Message: "more than 10 retries delays failure reporting"})
	}
	if c.Network.Timeout <= 0 {
		results = append(results, ValidationResult{Level: "error", Field: "network.timeout", Message: "must be positive"})
	}
	if c.VersionCacheTTL < 0 {
		results = append(results, ValidationResult{Level: "error", Field: "version_cache_ttl", Message: "must not be negative"})
	} else if c.VersionCacheTTL > 0 && c.VersionCacheTTL < time.Minute {
		results = append(results, ValidationResult{Level: "warning", Field: "version_cache_ttl", Message: "under one minute refetches version lists on nearly every run"})
	}
	if c.Sandbox.MaxFetches < 1 {
		results = append(results, ValidationResult{Level: "error", Field: "sandbox.max_fetches", Message: "must be at least 1"})
	}
	if c.Sandbox.MaxSteps == 0 {
		results = append(results, ValidationResult{Level: "error", Field: "sandbox.max_steps", Message: "must be positive"})
	}
	return results
}

func (c Config) validateEnums() []ValidationResult {
	var results []ValidationResult
	if !contains(LinkStrategies, strings.ToLower(strings.TrimSpace(c.Link.Strategy))) {
		results = append(results, ValidationResult{
			Level:   "error",
			Field:   "link.strategy",
			Message: descriptor.InvalidEnum("config", "link.strategy", c.Link.Strategy, LinkStrategies).Message + " (valid values: " + strings.Join(LinkStrategies, ", ") + ")",
		})
	}
	if level := strings.ToLower(strings.TrimSpace(c.Log.Level)); level != "" && !contains(logLevels, level) {
		results = append(results, ValidationResult{
			Level:   "warning",
			Field:   "log.level",
			Message: fmt.Sprintf("%q is not a known level; using info", c.Log.Level),
		})
	}
	return results
}

func (c Config) validatePaths() []ValidationResult {
	var results []ValidationResult
	if c.Home != "" && !filepath.IsAbs(c.Home) {
		results = append(results, ValidationResult{
			Level:   "warning",
			Field:   "home",
			Message: fmt.Sprintf("relative home %q resolves against the working directory", c.Home),
		})
	}
	for _, dir := range c.ToolsDirs {
		if strings.TrimSpace(dir) == "" {
			results = append(results, ValidationResult{Level: "error", Field: "tools_dirs", Message: "entries must not be empty"})
		}
	}
	return results
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
