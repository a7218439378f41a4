// Package logger provides centralized logging functionality for the service.
// It follows Uber Go Style Guide conventions for error handling and naming.
package logger

import (
	"fmt"

	"go.uber.org/zap"
)

// instance holds the global logger instance.
// Using an unexported variable to control access through methods.
var instance *zap.Logger

// InitError represents logger initialization errors.
type InitError struct {
	Op  string // the operation that failed
	Err error  // the underlying error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("logger: %s failed: %v", e.Op, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// Init initializes the global logger with the production JSON configuration.
func Init() error {
	return InitWithConfig(zap.NewProductionConfig())
}

// InitWithConfig initializes the logger from a custom zap configuration.
// It allows for more flexible logger setup in different environments.
func InitWithConfig(cfg zap.Config) error {
	l, err := cfg.Build(zap.AddCallerSkip(0))
	if err != nil {
		return &InitError{Op: "build", Err: err}
	}
	instance = l
	return nil
}

// Get returns the global logger instance.
// It creates a default logger if none exists, following a fail-safe pattern.
func Get() *zap.Logger {
	if instance == nil {
		_ = Init()
	}
	return instance
}

// MustGet returns the global logger instance or panics if not initialized.
// Use this only when logger initialization failure should terminate the program.
func MustGet() *zap.Logger {
	if instance == nil {
		panic("logger: not initialized, call Init() first")
	}
	return instance
}

// Sync flushes any buffered log entries.
// It is safe to call multiple times and handles a nil logger gracefully.
func Sync() error {
	if instance == nil {
		return nil
	}
	return instance.Sync()
}

// IsInitialized reports whether the logger has been initialized.
func IsInitialized() bool {
	return instance != nil
}
