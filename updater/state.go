package updater

import (
	log "github.com/sirupsen/logrus"

	"github.com/iamhariomsharma/update-kit/platform"
	"github.com/iamhariomsharma/update-kit/policy"
)

const (
	// PhaseIdle is the initial phase before any check has run.
	PhaseIdle Phase = iota
	// PhaseChecking means a policy/platform check is in flight.
	PhaseChecking
	// PhaseNoUpdate means the last check found nothing to do.
	PhaseNoUpdate
	// PhaseAvailable means an update can be offered; Flow, CanUseNativeFlow
	// and NeedsCustomPrompt describe how.
	PhaseAvailable
	// PhaseInProgress means an update flow is running in the platform
	// service.
	PhaseInProgress
	// PhaseDownloaded means the package is fetched and waits for
	// finalization.
	PhaseDownloaded
	// PhaseInstalling means the platform service is applying the package.
	PhaseInstalling
	// PhaseCompleted means the update finished; a restart picks it up.
	PhaseCompleted
	// PhaseFailed means the update ended with the Reason carried by the
	// state.
	PhaseFailed
	// PhaseMaintenance means the policy source reports server maintenance;
	// no update decisions are made until the next check.
	PhaseMaintenance
)

// Phase is the lifecycle position of the update state machine.
type Phase int

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseChecking:
		return "Checking"
	case PhaseNoUpdate:
		return "NoUpdate"
	case PhaseAvailable:
		return "Available"
	case PhaseInProgress:
		return "InProgress"
	case PhaseDownloaded:
		return "Downloaded"
	case PhaseInstalling:
		return "Installing"
	case PhaseCompleted:
		return "Completed"
	case PhaseFailed:
		return "Failed"
	case PhaseMaintenance:
		return "MaintenanceMode"
	default:
		log.Errorf("unknown phase: %d", p)
		return "INVALID_PHASE"
	}
}

// Terminal reports whether the phase is one of the user-visible end states.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseMaintenance:
		return true
	default:
		return false
	}
}

// State is the single source of truth observed by all consumers of the
// engine. Exactly one current State exists at a time; the engine is its sole
// writer and hands out copies.
type State struct {
	Phase Phase

	// Classification is the policy verdict behind the current phase. Only
	// meaningful from Available onward.
	Classification policy.Classification

	// Flow is the platform flow kind resolved for the offer. Only
	// meaningful from Available onward.
	Flow platform.FlowKind

	// CanUseNativeFlow reports whether the platform service can run the
	// resolved flow itself.
	CanUseNativeFlow bool

	// NeedsCustomPrompt is set when policy demands a mandatory update but
	// the platform allows no flow at all; the host must render its own
	// non-dismissible screen with a store redirect.
	NeedsCustomPrompt bool

	// Reason describes a Failed phase; ReasonNone otherwise.
	Reason Reason

	// TargetBuild is the build the platform offers, 0 when unknown.
	TargetBuild int64

	// Revision increases with every transition so subscribers can discard
	// stale snapshots.
	Revision uint64
}
