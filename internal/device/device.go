// Package device defines the uniform call/result contract shared by every
// device adapter (lights, weather, speech, music).
//
// Adapters never panic and never propagate raw errors to the command loop;
// every invocation produces a Result. The error kind taxonomy mirrors the
// propagation policy: user-input errors are re-prompted locally, network
// errors go through the recovery policy, device-unavailable errors degrade.
package device

import "errors"

// ErrorKind classifies an adapter failure.
type ErrorKind string

const (
	// KindNone means the call succeeded.
	KindNone ErrorKind = ""

	// KindDeviceUnavailable covers unreachable or unusable hardware:
	// camera, light controller, speech engine, audio player.
	KindDeviceUnavailable ErrorKind = "device_unavailable"

	// KindRecognitionFailure covers missing encodings or corrupt frames.
	KindRecognitionFailure ErrorKind = "recognition_failure"

	// KindConfiguration covers missing or invalid required settings.
	KindConfiguration ErrorKind = "configuration_error"

	// KindNetwork covers unreachable or timed-out remote endpoints.
	KindNetwork ErrorKind = "network_error"

	// KindUserInput covers malformed command arguments.
	KindUserInput ErrorKind = "user_input_error"
)

// Sentinel errors used to classify failures across adapter boundaries.
var (
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrRecognition       = errors.New("recognition failure")
	ErrConfiguration     = errors.New("invalid configuration")
	ErrNetwork           = errors.New("network error")
	ErrUserInput         = errors.New("invalid user input")
)

// Result is the outcome of a device adapter invocation.
type Result struct {
	OK     bool
	Kind   ErrorKind
	Detail string
}

// Success is the zero-failure result.
func Success() Result {
	return Result{OK: true}
}

// Failure builds a failed result with the given kind and detail.
func Failure(kind ErrorKind, detail string) Result {
	return Result{Kind: kind, Detail: detail}
}

// FromError converts an error into a Result, classifying it by the
// sentinel it wraps. A nil error is a success.
func FromError(err error) Result {
	if err == nil {
		return Success()
	}
	return Result{Kind: Classify(err), Detail: err.Error()}
}

// Classify maps an error to its ErrorKind. Unrecognized errors are treated
// as device failures so they surface as degraded capability, not crashes.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrUserInput):
		return KindUserInput
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrRecognition):
		return KindRecognitionFailure
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	default:
		return KindDeviceUnavailable
	}
}
