package scanworker

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// scanAbortionError unwinds the instruction loop. It is expected control flow,
// not a defect: the outer loop always answers it with cleanup and a terminal
// scan status.
type scanAbortionError struct {
	reason string
	cause  error
}

func (e scanAbortionError) Error() string {
	if e.cause != nil {
		return "scan aborted: " + e.reason + ": " + e.cause.Error()
	}
	return "scan aborted: " + e.reason
}

func (e scanAbortionError) Unwrap() error { return e.cause }

func (scanAbortionError) Kind() string { return "ScanAbortion" }

// ErrScanAbortion constructs a cancellation signal.
func ErrScanAbortion(reason string) error { return scanAbortionError{reason: reason} }

func abortionFrom(reason string, cause error) error {
	return scanAbortionError{reason: reason, cause: cause}
}

// IsScanAbortion reports whether err is (or wraps) a cancellation signal.
func IsScanAbortion(err error) bool {
	var e scanAbortionError
	return errors.As(err, &e)
}

// instructionError signals a malformed instruction sequence, e.g. a wait on a
// group that was never recorded.
type instructionError struct{ msg string }

func (e instructionError) Error() string { return "instruction error: " + e.msg }

func (instructionError) Kind() string { return "InstructionError" }

// ErrInstruction constructs an instructionError.
func ErrInstruction(format string, args ...any) error {
	return instructionError{msg: fmt.Sprintf(format, args...)}
}

// IsInstructionError reports whether err is (or wraps) an instructionError.
func IsInstructionError(err error) bool {
	var e instructionError
	return errors.As(err, &e)
}

// waitTimeoutError signals a barrier that did not resolve within its timeout.
type waitTimeoutError struct {
	barrier string
	devices []string
	after   time.Duration
}

func (e waitTimeoutError) Error() string {
	return fmt.Sprintf("%s barrier timed out after %s waiting for %s", e.barrier, e.after, strings.Join(e.devices, ", "))
}

func (waitTimeoutError) Kind() string { return "WaitTimeout" }

// IsWaitTimeout reports whether err is (or wraps) a barrier timeout.
func IsWaitTimeout(err error) bool {
	var e waitTimeoutError
	return errors.As(err, &e)
}

// deviceFailureError reports a device that failed to reach its target.
type deviceFailureError struct {
	device  string
	lastPos any
}

func (e deviceFailureError) Error() string {
	return fmt.Sprintf("movement of device %s failed whilst trying to reach the target position. Last recorded position: %v", e.device, e.lastPos)
}

func (deviceFailureError) Kind() string { return "DeviceError" }

// IsDeviceFailure reports whether err is (or wraps) a device failure.
func IsDeviceFailure(err error) bool {
	var e deviceFailureError
	return errors.As(err, &e)
}

// errorKind tags an error for alarms. Errors without a Kind are tagged by type.
func errorKind(err error) string {
	var k interface{ Kind() string }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return fmt.Sprintf("%T", err)
}
