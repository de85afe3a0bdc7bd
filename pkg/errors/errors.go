// Unified error handling for the gearbox controller
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrConfigType       ErrorCode = "CONFIG_TYPE"

	// Gearbox interlocks. All of them are fatal and raise emergency stop,
	// except unknown gear which only refuses the request.
	ErrSpindleRunning ErrorCode = "GEARBOX_SPINDLE_RUNNING"
	ErrTwitchConflict ErrorCode = "GEARBOX_TWITCH_CONFLICT"
	ErrMissingStage   ErrorCode = "GEARBOX_MISSING_STAGE"
	ErrOvershootLimit ErrorCode = "GEARBOX_OVERSHOOT_LIMIT"
	ErrUnknownGear    ErrorCode = "GEARBOX_UNKNOWN_GEAR"

	// I/O bridge errors
	ErrBridgeFrame ErrorCode = "BRIDGE_FRAME"
	ErrBridgeLink  ErrorCode = "BRIDGE_LINK"

	// Shift journal
	ErrJournal ErrorCode = "JOURNAL"

	// Runtime errors
	ErrRuntime ErrorCode = "RUNTIME"
)

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// File is the config file of config errors
	File string

	// Section is the config section or the component that failed
	Section string

	// Option is the config option name (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	where := e.Section
	if e.Option != "" {
		where = e.Section + "." + e.Option
	}
	msg := fmt.Sprintf("[%s:%s] %s", e.Code, where, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetFile sets the source file
func (e *HostError) SetFile(file string) *HostError {
	e.File = file
	return e
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Configuration error constructors

func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, "missing config section").SetSection(section)
}

func ConfigOptionError(section, option string) *HostError {
	return New(ErrConfigOption, "missing required option").
		SetSection(section).SetOption(option)
}

func ConfigValidationError(section, option string, reason string) *HostError {
	return New(ErrConfigValidation, reason).SetSection(section).SetOption(option)
}

func ConfigTypeError(section, option, value string, targetType string, err error) *HostError {
	return Wrap(err, ErrConfigType, fmt.Sprintf("cannot parse %q as %s", value, targetType)).
		SetSection(section).SetOption(option)
}

// Gearbox interlock constructors

// SpindleRunningError reports a spindle found turning while shifting.
func SpindleRunningError(stage string) *HostError {
	return New(ErrSpindleRunning, "detected running spindle while shifting").SetSection(stage)
}

// TwitchConflictError reports both twitch directions asserted at once.
func TwitchConflictError() *HostError {
	return New(ErrTwitchConflict, "both twitch directions active").SetSection("twitch")
}

// MissingStageError reports a state machine ticked without a state.
func MissingStageError(component string) *HostError {
	return New(ErrMissingStage, "no stage to continue").SetSection(component)
}

// OvershootLimitError reports a shaft that kept overshooting its target.
func OvershootLimitError(shaft string, count int) *HostError {
	return New(ErrOvershootLimit, fmt.Sprintf("overshoot limit reached after %d retries", count)).
		SetSection(shaft).SetContext("overshoots", count)
}

// UnknownGearError reports a speed or mask that is not in the gear table.
func UnknownGearError(what string) *HostError {
	return New(ErrUnknownGear, "no gear for "+what).SetSection("gears")
}

// Bridge and journal constructors

func BridgeFrameError(reason string) *HostError {
	return New(ErrBridgeFrame, reason).SetSection("iobridge")
}

func BridgeLinkError(err error, operation string) *HostError {
	return Wrap(err, ErrBridgeLink, operation).SetSection("iobridge")
}

func JournalError(err error, operation string) *HostError {
	return Wrap(err, ErrJournal, operation).SetSection("journal")
}

// Runtime constructors

func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// WithConfigPath adds config file path to error context
func WithConfigPath(err *HostError, path string) *HostError {
	if err == nil {
		return nil
	}
	return err.SetFile(path)
}

// RecoverPanic converts a recovered panic value to an error. It must be
// called directly from a deferred function.
func RecoverPanic(r interface{}) *HostError {
	if r == nil {
		return nil
	}
	switch x := r.(type) {
	case string:
		return RuntimeError("panic: " + x)
	case runtime.Error:
		return Wrap(x, ErrRuntime, "panic")
	case error:
		return Wrap(x, ErrRuntime, "panic")
	default:
		return RuntimeError(fmt.Sprintf("panic: %v", x))
	}
}

// Code returns the error code of the first HostError in err's chain.
func Code(err error) (ErrorCode, bool) {
	var hostErr *HostError
	if stderrors.As(err, &hostErr) {
		return hostErr.Code, true
	}
	return "", false
}

// Is checks if the error chain carries the given error code
func Is(err error, code ErrorCode) bool {
	c, ok := Code(err)
	return ok && c == code
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation) ||
		Is(err, ErrConfigType)
}

// IsFatal reports whether the error is a gearbox interlock fault, as
// opposed to an operator, link or internal stop.
func IsFatal(err error) bool {
	return Is(err, ErrSpindleRunning) ||
		Is(err, ErrTwitchConflict) ||
		Is(err, ErrMissingStage) ||
		Is(err, ErrOvershootLimit)
}

// IsRuntime checks if error is a runtime error
func IsRuntime(err error) bool {
	return Is(err, ErrRuntime)
}
