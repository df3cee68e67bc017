package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := validateBackendOptions(&cfg.Storage.Backend); err != nil {
		return fmt.Errorf("storage.backend: %w", err)
	}

	if cfg.Storage.LockPollInterval > cfg.Storage.LockTimeout {
		return fmt.Errorf("storage: lock_poll_interval (%s) exceeds lock_timeout (%s)",
			cfg.Storage.LockPollInterval, cfg.Storage.LockTimeout)
	}

	if cfg.Reconcile.Enabled && cfg.Quota.UsageSource == "" {
		return fmt.Errorf("reconcile: enabled but quota.usage_source is not set")
	}

	if cfg.Server.Metrics.Enabled && cfg.Server.Metrics.Port == cfg.Server.Port {
		return fmt.Errorf("server: metrics port %d collides with API port", cfg.Server.Port)
	}

	return nil
}

// validateBackendOptions checks that the selected backend section decodes
// and carries its required fields.
func validateBackendOptions(cfg *BackendConfig) error {
	switch cfg.Type {
	case "filesystem":
		opts, err := decodeFilesystemOptions(cfg.Filesystem)
		if err != nil {
			return err
		}
		if opts.Path == "" {
			return fmt.Errorf("filesystem: path is required")
		}
	case "s3":
		opts, err := decodeS3Options(cfg.S3)
		if err != nil {
			return err
		}
		if opts.Bucket == "" {
			return fmt.Errorf("s3: bucket is required")
		}
		if opts.Region == "" {
			return fmt.Errorf("s3: region is required")
		}
	case "badger":
		opts, err := decodeBadgerOptions(cfg.Badger)
		if err != nil {
			return err
		}
		if opts.Path == "" && !opts.InMemory {
			return fmt.Errorf("badger: path is required")
		}
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
