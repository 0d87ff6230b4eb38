package policy

import (
	log "github.com/sirupsen/logrus"
)

const (
	// None indicates the build satisfies the policy, no prompt is required.
	None Classification = iota
	// Advisory indicates the build is below the advisory bound, an update
	// should be offered but may be declined.
	Advisory
	// Mandatory indicates the build is below the mandatory bound, the app
	// must not be used until it is updated.
	Mandatory
)

// Classification is the policy verdict for a build identifier.
type Classification int

func (c Classification) String() string {
	switch c {
	case None:
		return "None"
	case Advisory:
		return "Advisory"
	case Mandatory:
		return "Mandatory"
	default:
		log.Errorf("unknown classification: %d", c)
		return "INVALID_CLASSIFICATION"
	}
}

// Classify maps the current build identifier against the policy thresholds.
//
// A nil thresholds value classifies as None: a failed or absent policy never
// blocks the app. The mandatory bound is checked first, so a build below both
// bounds is always Mandatory, even when AdvisoryBelow <= MandatoryBelow
// leaves an empty advisory band.
func Classify(currentBuild int64, t *Thresholds) Classification {
	if t == nil {
		return None
	}
	if currentBuild < t.MandatoryBelow {
		return Mandatory
	}
	if currentBuild < t.AdvisoryBelow {
		return Advisory
	}
	return None
}
