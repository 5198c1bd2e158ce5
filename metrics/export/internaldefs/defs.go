package internaldefs

import (
	"github.com/MrEthical07/gateauth"
)

const namePrefix = "gateauth_"

// CounterDef names one engine counter for export.
type CounterDef struct {
	ID   gateauth.MetricID
	Name string
	Help string
}

// HistogramDef names one engine histogram for export.
type HistogramDef struct {
	ID   gateauth.MetricID
	Name string
	Help string
}

var help = map[gateauth.MetricID]string{
	gateauth.MetricRegisterSuccess:             "Registered identities.",
	gateauth.MetricRegisterDuplicate:           "Registrations rejected for a taken email.",
	gateauth.MetricRegisterRateLimited:         "Rate-limited registrations.",
	gateauth.MetricLoginSuccess:                "Successful logins.",
	gateauth.MetricLoginFailure:                "Failed logins.",
	gateauth.MetricLoginRateLimited:            "Rate-limited logins.",
	gateauth.MetricLoginUnverified:             "Logins refused for an unverified email.",
	gateauth.MetricLoginUnknownEmail:           "Logins for an email with no identity.",
	gateauth.MetricRefreshSuccess:              "Successful refresh rotations.",
	gateauth.MetricRefreshFailure:              "Failed refresh rotations.",
	gateauth.MetricRefreshReuseDetected:        "Refresh tokens presented twice; each revokes a family.",
	gateauth.MetricLogout:                      "Single-session logouts.",
	gateauth.MetricLogoutAll:                   "Logout-all operations.",
	gateauth.MetricPasswordChangeSuccess:       "Successful password changes.",
	gateauth.MetricPasswordChangeInvalidOld:    "Password changes with a wrong current password.",
	gateauth.MetricPasswordChangeReuseRejected: "Password changes rejected for reusing the current password.",
	gateauth.MetricPasswordResetRequest:        "Password reset requests.",
	gateauth.MetricPasswordResetIssued:         "Password reset tokens issued.",
	gateauth.MetricPasswordResetConfirmAttempt: "Password reset confirmations attempted.",
	gateauth.MetricPasswordResetConfirmSuccess: "Successful password reset confirmations.",
	gateauth.MetricPasswordResetConfirmFailure: "Failed password reset confirmations.",
	gateauth.MetricPasswordResetRateLimited:    "Rate-limited password reset requests.",
	gateauth.MetricEmailVerificationRequest:    "Email verification requests.",
	gateauth.MetricEmailVerificationIssued:     "Email verification tokens issued.",
	gateauth.MetricEmailVerificationAttempt:    "Email verification confirmations attempted.",
	gateauth.MetricEmailVerificationSuccess:    "Successful email verifications.",
	gateauth.MetricEmailVerificationFailure:    "Failed email verifications.",
	gateauth.MetricRoleChange:                  "Role assignments.",
	gateauth.MetricAuthorizeAllowed:            "Route authorizations allowed.",
	gateauth.MetricAuthorizeDenied:             "Route authorizations denied.",
	gateauth.MetricDeliveryFailure:             "Challenge tokens that could not be delivered.",
	gateauth.MetricSweepRemoved:                "Expired records removed by sweeps.",
	gateauth.MetricValidateLatency:             "Access token validation latency.",
}

// CounterDefs lists every engine counter in MetricID order.
var CounterDefs = buildCounterDefs()

// HistogramDefs lists the engine histograms.
var HistogramDefs = []HistogramDef{
	{
		ID:   gateauth.MetricValidateLatency,
		Name: namePrefix + "validate_latency_seconds",
		Help: help[gateauth.MetricValidateLatency],
	},
}

// AuditDropped names the dispatcher drop counter.
var AuditDropped = CounterDef{
	Name: namePrefix + "audit_dropped_total",
	Help: "Audit events dropped because the dispatcher buffer was full.",
}

func buildCounterDefs() []CounterDef {
	out := make([]CounterDef, 0, len(help))
	for _, id := range gateauth.MetricIDs() {
		if id == gateauth.MetricValidateLatency {
			continue
		}
		out = append(out, CounterDef{ID: id, Name: namePrefix + id.String() + "_total", Help: help[id]})
	}
	return out
}

// HistogramUpperBounds are the finite bucket bounds in seconds. The engine's
// eighth bucket is +Inf.
var HistogramUpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix names each bucket, +Inf included, for exporters that
// flatten buckets into gauges.
var HistogramBoundSuffix = []string{"0_005", "0_01", "0_025", "0_05", "0_1", "0_25", "0_5", "inf"}

// NormalizeBuckets copies raw into a fixed eight-bucket array.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	copy(out[:], raw)
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
