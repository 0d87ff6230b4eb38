package policy

import "context"

// Thresholds carries the two version bounds of the update policy. Both are
// inclusive-exclusive upper bounds on build identifiers: a build below
// MandatoryBelow must update before the app may be used, a build below
// AdvisoryBelow should be offered an update it can decline.
//
// A Thresholds value is produced fresh by every fetch and never persisted.
type Thresholds struct {
	MandatoryBelow int64
	AdvisoryBelow  int64
}

// Source supplies the update policy for the running application.
// Implementations must be safe for concurrent use.
type Source interface {
	// CurrentBuild returns the build identifier of the running application.
	CurrentBuild() int64

	// Thresholds fetches the version thresholds. A nil result means the
	// source has no policy for this build. Errors are treated as "no policy"
	// by the engine (fail-open): they never block the app.
	Thresholds(ctx context.Context) (*Thresholds, error)
}

// MaintenanceReporter is an optional capability of a Source. Sources that can
// signal server-side maintenance implement it; the engine probes for it with a
// type assertion and puts the app into maintenance mode while it reports true.
type MaintenanceReporter interface {
	InMaintenance(ctx context.Context) (bool, error)
}
