package common

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Error taxonomy shared by the loader, preprocessing and weight packages.
// Callers match them with errors.Is; every failure is returned wrapped and
// never recovered locally.
var (
	ErrMissingAsset = errors.New("model asset missing or corrupt")
	ErrWeightLoad   = errors.New("pretrained weights unavailable")
	ErrDownload     = errors.New("weights download failed")
	ErrExtraction   = errors.New("weights archive extraction failed")
	ErrDecode       = errors.New("image decode failed")

	ErrPathEmpty      = errors.New("path cannot be empty")
	ErrPathInvalid    = errors.New("path contains invalid characters")
	ErrSourceNotExist = errors.New("source does not exist")
	ErrDestNotExist   = errors.New("destination does not exist")
)

// ValidationUtils provides common validation utilities used across packages
type ValidationUtils struct{}

// NewValidationUtils creates a new ValidationUtils instance
func NewValidationUtils() *ValidationUtils {
	return &ValidationUtils{}
}

// ValidateContextCancellation checks if context is cancelled and returns appropriate error
func (vu *ValidationUtils) ValidateContextCancellation(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// ValidatePathCharacters validates that a path doesn't contain invalid characters
func (vu *ValidationUtils) ValidatePathCharacters(path string) error {
	if strings.Contains(path, "\x00") {
		return ErrPathInvalid
	}
	return nil
}

// ValidatePathComponent rejects values that would escape their parent
// directory when joined onto it, such as model identifiers.
func (vu *ValidationUtils) ValidatePathComponent(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrPathEmpty
	}
	if err := vu.ValidatePathCharacters(name); err != nil {
		return err
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return ErrPathInvalid
	}
	return nil
}

// ValidateFileExists validates that a regular file exists
func (vu *ValidationUtils) ValidateFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrSourceNotExist
		}
		return fmt.Errorf("failed to access file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("path is a directory: %s", path)
	}
	return nil
}

// ValidateDirectoryExists validates that a directory exists
func (vu *ValidationUtils) ValidateDirectoryExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrDestNotExist
		}
		return fmt.Errorf("failed to access directory %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}
	return nil
}

// ErrorUtils provides common error handling utilities
type ErrorUtils struct {
	logger zerolog.Logger
}

// NewErrorUtils creates a new ErrorUtils instance that logs through logger.
func NewErrorUtils(logger zerolog.Logger) *ErrorUtils {
	return &ErrorUtils{logger: logger}
}

// Classify attaches a taxonomy sentinel to err while keeping the cause
// reachable through errors.Is / errors.As.
func (eu *ErrorUtils) Classify(kind, err error, message string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	context := fmt.Sprintf(message, args...)
	return fmt.Errorf("%w: %s: %w", kind, context, err)
}

// LogAndWrapError logs an error and wraps it with context
func (eu *ErrorUtils) LogAndWrapError(err error, level zerolog.Level, message string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	context := fmt.Sprintf(message, args...)
	eu.logger.WithLevel(level).Err(err).Msg(context)

	return fmt.Errorf("%s: %w", context, err)
}
