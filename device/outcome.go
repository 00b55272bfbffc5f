package device

import (
	"errors"
	"fmt"

	"github.com/camkit/camkit/api"
)

// BootstrapOutcome classifies what a package upload did to the device.
// The classification is deliberately conservative: the installer's
// response is the only signal available, and the device keeps no useful
// state to query afterwards.
type BootstrapOutcome int

const (
	// OutcomeTransferFailed means the upload round trip never completed
	// or the response was unintelligible. Device state is unknown.
	OutcomeTransferFailed BootstrapOutcome = iota

	// OutcomeAuthFailed means the device rejected the credentials.
	OutcomeAuthFailed

	// OutcomeRejected means the installer refused the package before
	// extraction. Nothing ran on the device.
	OutcomeRejected

	// OutcomePayloadLikelyRunning means the device reported a
	// post-extraction validation failure. That is the expected success
	// signal for a throwaway package: the hook script ran, the payload
	// is presumed up, and no installation record was kept.
	OutcomePayloadLikelyRunning
)

func (o BootstrapOutcome) String() string {
	switch o {
	case OutcomeTransferFailed:
		return "transfer failed"
	case OutcomeAuthFailed:
		return "authentication failed"
	case OutcomeRejected:
		return "package rejected"
	case OutcomePayloadLikelyRunning:
		return "payload likely running"
	default:
		return fmt.Sprintf("BootstrapOutcome(%d)", int(o))
	}
}

// ErrAuthFailed is returned when the device turns down both the basic
// credentials and the digest retry.
var ErrAuthFailed = errors.New("device rejected the credentials")

// RejectionError is a pre-extraction installer rejection.
type RejectionError struct {
	Code   int
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("installer rejected the package (code %d): %s", e.Code, e.Reason)
}

// TransferError wraps a failure to complete the upload round trip.
type TransferError struct {
	Cause error
}

func (e *TransferError) Error() string {
	return "package transfer failed: " + e.Cause.Error()
}

func (e *TransferError) Unwrap() error { return e.Cause }

func rejectionReason(code int) string {
	switch code {
	case api.CodeInvalidArchive:
		return "not a valid package archive"
	case api.CodeMalformedManifest:
		return "package manifest is malformed"
	case api.CodeUnsupportedArch:
		return "package architecture does not match the device"
	case api.CodePackageTooLarge:
		return "package exceeds the device's size limit"
	default:
		return "installer refused the package"
	}
}
