// Package expiry decides when a SAS token is due for renewal.
package expiry

import (
	"fmt"
	"math"
	"time"

	sasv1alpha1 "github.com/lukasngl/sas-operator/api/v1alpha1"
)

// Reason explains a [Decide] outcome.
type Reason string

const (
	// ReasonNoStatus means no token was ever recorded.
	ReasonNoStatus Reason = "NoStatus"
	// ReasonUnparsableExpiry means the recorded expiry is not RFC3339.
	ReasonUnparsableExpiry Reason = "UnparsableExpiry"
	// ReasonWithinRenewalWindow means now is at or past expiry minus the
	// renewal window.
	ReasonWithinRenewalWindow Reason = "WithinRenewalWindow"
	// ReasonValid means the token does not need renewal yet.
	ReasonValid Reason = "Valid"
)

// Decision is the result of evaluating a status against the clock.
type Decision struct {
	Regenerate bool
	Reason     Reason
	// Expiry is the parsed expiry. Zero unless it parsed.
	Expiry time.Time
	// ParseErr is set for [ReasonUnparsableExpiry].
	ParseErr error
}

// Decide evaluates, in order: missing status or expiry, unparsable expiry,
// and finally whether now >= expiry - renewal.
func Decide(now time.Time, status *sasv1alpha1.SasGeneratorStatus, renewal time.Duration) Decision {
	if status == nil || status.Expiry == "" {
		return Decision{Regenerate: true, Reason: ReasonNoStatus}
	}

	exp, err := time.Parse(time.RFC3339, status.Expiry)
	if err != nil {
		return Decision{Regenerate: true, Reason: ReasonUnparsableExpiry, ParseErr: err}
	}

	if !now.Before(exp.Add(-renewal)) {
		return Decision{Regenerate: true, Reason: ReasonWithinRenewalWindow, Expiry: exp}
	}
	return Decision{Regenerate: false, Reason: ReasonValid, Expiry: exp}
}

// ShouldRegenerate reports whether a new token must be issued.
func ShouldRegenerate(now time.Time, status *sasv1alpha1.SasGeneratorStatus, renewal time.Duration) bool {
	return Decide(now, status, renewal).Regenerate
}

// Remaining formats the time left until expiry for log output.
func Remaining(now, expiry time.Time) string {
	d := expiry.Sub(now)
	if d <= 0 {
		return "expired"
	}

	hours := int64(d / time.Hour)
	minutes := int64((d % time.Hour) / time.Minute)
	switch {
	case hours == 0:
		return fmt.Sprintf("%dm left", minutes)
	case minutes == 0:
		return fmt.Sprintf("%dh left", hours)
	default:
		return fmt.Sprintf("%dh %dm left", hours, minutes)
	}
}

// maxHours is the largest whole number of hours a time.Duration can hold.
const maxHours = int64(math.MaxInt64 / int64(time.Hour))

// Hours converts a whole number of hours to a duration, saturating at the
// limits of time.Duration instead of wrapping around.
func Hours(h int64) time.Duration {
	switch {
	case h > maxHours:
		return time.Duration(math.MaxInt64)
	case h < -maxHours:
		return time.Duration(math.MinInt64)
	}
	return time.Duration(h) * time.Hour
}
