package gateauth

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter.
type MetricID uint16

const (
	MetricRegisterSuccess MetricID = iota
	MetricRegisterDuplicate
	MetricRegisterRateLimited
	MetricLoginSuccess
	MetricLoginFailure
	MetricLoginRateLimited
	MetricLoginUnverified
	// MetricLoginUnknownEmail counts logins that verified against the dummy digest.
	MetricLoginUnknownEmail
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricRefreshReuseDetected
	MetricLogout
	MetricLogoutAll
	MetricPasswordChangeSuccess
	MetricPasswordChangeInvalidOld
	MetricPasswordChangeReuseRejected
	MetricPasswordResetRequest
	MetricPasswordResetIssued
	MetricPasswordResetConfirmAttempt
	MetricPasswordResetConfirmSuccess
	MetricPasswordResetConfirmFailure
	MetricPasswordResetRateLimited
	MetricEmailVerificationRequest
	MetricEmailVerificationIssued
	MetricEmailVerificationAttempt
	MetricEmailVerificationSuccess
	MetricEmailVerificationFailure
	MetricRoleChange
	MetricAuthorizeAllowed
	MetricAuthorizeDenied
	MetricDeliveryFailure
	MetricSweepRemoved
	// MetricValidateLatency is the only histogram; it times ValidateAccess.
	MetricValidateLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free engine counters. Each counter sits on its own
// cache line.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to id. It is a no-op on a nil or disabled Metrics.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d in the histogram of id. Only MetricValidateLatency has one.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricValidateLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter. A disabled Metrics returns empty maps.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricValidateLatency].buckets[i])
		}
		s.Histograms[MetricValidateLatency] = buckets
	}

	return s
}

var metricNames = [metricIDCount]string{
	MetricRegisterSuccess:             "register_success",
	MetricRegisterDuplicate:           "register_duplicate",
	MetricRegisterRateLimited:         "register_rate_limited",
	MetricLoginSuccess:                "login_success",
	MetricLoginFailure:                "login_failure",
	MetricLoginRateLimited:            "login_rate_limited",
	MetricLoginUnverified:             "login_unverified",
	MetricLoginUnknownEmail:           "login_unknown_email",
	MetricRefreshSuccess:              "refresh_success",
	MetricRefreshFailure:              "refresh_failure",
	MetricRefreshReuseDetected:        "refresh_reuse_detected",
	MetricLogout:                      "logout",
	MetricLogoutAll:                   "logout_all",
	MetricPasswordChangeSuccess:       "password_change_success",
	MetricPasswordChangeInvalidOld:    "password_change_invalid_old",
	MetricPasswordChangeReuseRejected: "password_change_reuse_rejected",
	MetricPasswordResetRequest:        "password_reset_request",
	MetricPasswordResetIssued:         "password_reset_issued",
	MetricPasswordResetConfirmAttempt: "password_reset_confirm_attempt",
	MetricPasswordResetConfirmSuccess: "password_reset_confirm_success",
	MetricPasswordResetConfirmFailure: "password_reset_confirm_failure",
	MetricPasswordResetRateLimited:    "password_reset_rate_limited",
	MetricEmailVerificationRequest:    "email_verification_request",
	MetricEmailVerificationIssued:     "email_verification_issued",
	MetricEmailVerificationAttempt:    "email_verification_attempt",
	MetricEmailVerificationSuccess:    "email_verification_success",
	MetricEmailVerificationFailure:    "email_verification_failure",
	MetricRoleChange:                  "role_change",
	MetricAuthorizeAllowed:            "authorize_allowed",
	MetricAuthorizeDenied:             "authorize_denied",
	MetricDeliveryFailure:             "delivery_failure",
	MetricSweepRemoved:                "sweep_removed",
	MetricValidateLatency:             "validate_latency",
}

// String returns the snake_case name exporters use for id.
func (id MetricID) String() string {
	if id >= metricIDCount {
		return "unknown"
	}
	return metricNames[id]
}

// MetricIDs lists every defined metric in declaration order.
func MetricIDs() []MetricID {
	out := make([]MetricID, 0, int(metricIDCount))
	for id := MetricID(0); id < metricIDCount; id++ {
		out = append(out, id)
	}
	return out
}

func (m *Metrics) add(id MetricID, n uint64) {
	if m == nil || !m.enabled || id >= metricIDCount || n == 0 {
		return
	}
	atomic.AddUint64(&m.counters[id].value, n)
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
