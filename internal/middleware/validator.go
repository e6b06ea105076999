package middleware

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	domain "github.com/bryanwahyu/scan-orchestrator/internal/domain/scans"
)

// Input validation and sanitization utilities

// runNamePattern keeps run names safe as argv values, container names and
// object keys.
var runNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func scanValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = validate.RegisterValidation("runname", func(fl validator.FieldLevel) bool {
			return runNamePattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// ValidateScanConfig checks a start request at the HTTP boundary. Errors wrap
// scans.ErrInvalidConfig and name the offending field.
func ValidateScanConfig(cfg domain.ScanConfig) error {
	err := scanValidator().Struct(cfg)
	if err == nil {
		return cfg.Validate()
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", domain.ErrInvalidConfig, strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "ScanConfig.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s needs at least %s item(s)", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s exceeds the maximum of %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "url":
		return field + " must be a valid URL"
	case "runname":
		return field + " may only contain letters, digits, '.', '_' and '-' (max 128, must start with a letter or digit)"
	}
	return fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
}

// ValidateRunName checks a run name taken from the URL.
func ValidateRunName(name string) error {
	if !runNamePattern.MatchString(name) {
		return fmt.Errorf("%w: invalid scan id format", domain.ErrInvalidConfig)
	}
	return nil
}

// SanitizeString removes dangerous characters from strings
func SanitizeString(input string) string {
	// Remove null bytes
	input = strings.ReplaceAll(input, "\x00", "")

	// Remove control characters
	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\t' || r == '\n' {
			result.WriteRune(r)
		}
	}

	return strings.TrimSpace(result.String())
}

