// Package platform defines the contract of the platform's managed
// application-update service: the opaque machinery that actually downloads
// and installs a new application package. The update engine only ever talks
// to this contract; it never touches binaries itself.
package platform

import (
	"context"
	"errors"
	"slices"

	log "github.com/sirupsen/logrus"
)

const (
	// FlowFlexible runs the background download flow; the user keeps using
	// the app while the update downloads.
	FlowFlexible FlowKind = iota
	// FlowImmediate runs the blocking full-screen flow; the user cannot
	// proceed until the update is applied or abandoned.
	FlowImmediate
)

// FlowKind selects which update flow the service should run.
type FlowKind int

func (k FlowKind) String() string {
	switch k {
	case FlowFlexible:
		return "Flexible"
	case FlowImmediate:
		return "Immediate"
	default:
		log.Errorf("unknown flow kind: %d", k)
		return "INVALID_FLOW_KIND"
	}
}

const (
	// StatusUnknown means the service could not determine availability.
	StatusUnknown AvailabilityStatus = iota
	// StatusNoUpdate means no newer package is known to the service.
	StatusNoUpdate
	// StatusUpdateAvailable means a newer package can be fetched.
	StatusUpdateAvailable
	// StatusUpdateInProgress means a flow started earlier is still running.
	StatusUpdateInProgress
)

// AvailabilityStatus describes what the service knows about an update.
type AvailabilityStatus int

func (s AvailabilityStatus) String() string {
	switch s {
	case StatusUnknown:
		return "Unknown"
	case StatusNoUpdate:
		return "NoUpdate"
	case StatusUpdateAvailable:
		return "UpdateAvailable"
	case StatusUpdateInProgress:
		return "UpdateInProgress"
	default:
		log.Errorf("unknown availability status: %d", s)
		return "INVALID_AVAILABILITY_STATUS"
	}
}

// Availability is the service's answer to an availability query.
type Availability struct {
	Status       AvailabilityStatus
	AllowedKinds []FlowKind
	// Priority is the service-side urgency hint, higher is more urgent.
	Priority int
	// AvailableBuild is the build identifier of the offered package, 0 when
	// the service does not expose one.
	AvailableBuild int64
	// Install is the service's last known install status, InstallUnknown
	// when no flow has run. Lets callers poll progress without waiting for
	// a push.
	Install InstallStatus
}

// Allows reports whether the service permits starting the given flow kind.
func (a Availability) Allows(kind FlowKind) bool {
	return slices.Contains(a.AllowedKinds, kind)
}

const (
	// ResultAccepted means the user accepted the flow; the update continues
	// in the background and progress arrives through the status listener.
	ResultAccepted FlowResult = iota
	// ResultCanceled means the user dismissed the service's dialog.
	ResultCanceled
	// ResultFailed means the service could not run the flow.
	ResultFailed
)

// FlowResult is the asynchronous outcome of a started update flow.
type FlowResult int

func (r FlowResult) String() string {
	switch r {
	case ResultAccepted:
		return "Accepted"
	case ResultCanceled:
		return "Canceled"
	case ResultFailed:
		return "Failed"
	default:
		log.Errorf("unknown flow result: %d", r)
		return "INVALID_FLOW_RESULT"
	}
}

const (
	// InstallUnknown is reported when the service cannot name a status.
	InstallUnknown InstallStatus = iota
	// InstallPending means the flow is accepted but the download has not
	// started yet.
	InstallPending
	// InstallDownloading means package bytes are being fetched.
	InstallDownloading
	// InstallDownloaded means the package is fetched and waits for
	// finalization.
	InstallDownloaded
	// InstallInstalling means the package is being applied.
	InstallInstalling
	// InstallInstalled means the new package is in place.
	InstallInstalled
	// InstallFailed means the service gave up on the update.
	InstallFailed
	// InstallCanceled means the flow was abandoned mid-way.
	InstallCanceled
)

// InstallStatus is pushed by the service as an update progresses.
type InstallStatus int

func (s InstallStatus) String() string {
	switch s {
	case InstallUnknown:
		return "Unknown"
	case InstallPending:
		return "Pending"
	case InstallDownloading:
		return "Downloading"
	case InstallDownloaded:
		return "Downloaded"
	case InstallInstalling:
		return "Installing"
	case InstallInstalled:
		return "Installed"
	case InstallFailed:
		return "Failed"
	case InstallCanceled:
		return "Canceled"
	default:
		log.Errorf("unknown install status: %d", s)
		return "INVALID_INSTALL_STATUS"
	}
}

// Terminal reports whether the status ends the update lifecycle.
func (s InstallStatus) Terminal() bool {
	switch s {
	case InstallInstalled, InstallFailed, InstallCanceled:
		return true
	default:
		return false
	}
}

// StatusListener receives install status pushes. Callbacks arrive on the
// service's delivery goroutine in receipt order; implementations must not
// block.
type StatusListener func(InstallStatus)

var (
	// ErrFlowNotStarted is returned when the service rejects the start
	// intent synchronously.
	ErrFlowNotStarted = errors.New("update flow could not be started")
	// ErrNoPendingInstall is returned by Finalize when there is no
	// downloaded update to complete.
	ErrNoPendingInstall = errors.New("no downloaded update to finalize")
)

// Service is the platform's managed update machinery. All methods must be
// safe for concurrent use.
type Service interface {
	// Availability queries the current update availability and the flow
	// kinds the service would allow right now.
	Availability(ctx context.Context) (Availability, error)

	// StartFlow asks the service to run an update flow of the given kind.
	// A synchronous error means the flow could not even be presented
	// (send-intent failure). On success the returned channel delivers
	// exactly one FlowResult and is closed afterwards.
	StartFlow(ctx context.Context, kind FlowKind) (<-chan FlowResult, error)

	// RegisterStatusListener subscribes to install status pushes. The
	// service supports a single listener; registering replaces any
	// previous one.
	RegisterStatusListener(l StatusListener)

	// UnregisterStatusListener removes the current listener.
	UnregisterStatusListener()

	// Finalize completes a downloaded update, typically by restarting the
	// application with the new package. Only valid while the status is
	// downloaded or installed.
	Finalize(ctx context.Context) error
}
