package updater

import (
	"errors"

	log "github.com/sirupsen/logrus"
)

const (
	// ReasonNone means no failure.
	ReasonNone Reason = iota
	// ReasonPolicyUnavailable means the policy source could not be reached.
	// Never surfaced as a Failed state: the engine fails open to no policy.
	ReasonPolicyUnavailable
	// ReasonUserCancelled means the user dismissed the platform's dialog.
	ReasonUserCancelled
	// ReasonUpdateNotAvailable means a flow start was requested without a
	// matching offer.
	ReasonUpdateNotAvailable
	// ReasonInstallFailed means the platform service reported a failed
	// download or install.
	ReasonInstallFailed
	// ReasonTimeout means installation supervision gave up on a stalled
	// install.
	ReasonTimeout
	// ReasonUnknown wraps an unexpected collaborator error.
	ReasonUnknown
)

// Reason classifies a Failed state for consumers.
type Reason int

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonPolicyUnavailable:
		return "PolicyUnavailable"
	case ReasonUserCancelled:
		return "UserCancelled"
	case ReasonUpdateNotAvailable:
		return "UpdateNotAvailable"
	case ReasonInstallFailed:
		return "InstallFailed"
	case ReasonTimeout:
		return "Timeout"
	case ReasonUnknown:
		return "Unknown"
	default:
		log.Errorf("unknown failure reason: %d", r)
		return "INVALID_REASON"
	}
}

// Retryable reports whether an explicit Retry may clear the failure.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonInstallFailed, ReasonTimeout, ReasonUnknown, ReasonUserCancelled:
		return true
	default:
		return false
	}
}

var (
	// ErrNotAttached is returned when an action requires a prior Attach.
	ErrNotAttached = errors.New("engine is not attached")
	// ErrUpdateNotAvailable is returned by StartFlow without a matching
	// offer.
	ErrUpdateNotAvailable = errors.New("no matching update offer")
	// ErrFlowInFlight is returned by StartFlow while a previous start has
	// not delivered its result yet.
	ErrFlowInFlight = errors.New("update flow already in flight")
	// ErrNothingToRetry is returned by Retry outside the Failed phase.
	ErrNothingToRetry = errors.New("no failed update to retry")
	// ErrNoDownloadedUpdate is returned by Finalize before the platform
	// reports a downloaded package.
	ErrNoDownloadedUpdate = errors.New("no downloaded update to finalize")
	// ErrNoStoreURL is returned by OpenStore without a configured store
	// location.
	ErrNoStoreURL = errors.New("no store URL configured")
)
