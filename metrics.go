package authkit

import "sync/atomic"

// MetricID identifies one counter in the in-process metrics system.
type MetricID uint16

const (
	MetricRegisterSuccess MetricID = iota
	MetricRegisterDuplicate
	MetricLoginSuccess
	MetricLoginFailure
	MetricEmailVerifySuccess
	MetricEmailVerifyFailure
	MetricMagicLinkIssued
	MetricMagicLinkConsumed
	MetricMagicLinkReplay
	MetricOIDCBegin
	MetricOIDCSuccess
	MetricOIDCFailure
	MetricOIDCStateReplay
	MetricPasskeyRegistered
	MetricPasskeySignin
	MetricPasskeyFailure
	MetricPasskeyReplay
	MetricMFARequired
	MetricMFASuccess
	MetricMFAFailure
	MetricMFAEnabled
	MetricMFARevoked
	MetricBackupCodeUsed
	MetricBackupCodeFailed
	MetricRefreshSuccess
	MetricRefreshRotated
	MetricRefreshFailure
	MetricSessionCreated
	MetricSessionDeleted
	MetricLogout
	MetricPasswordResetRequest
	MetricPasswordResetSuccess
	MetricPasswordResetFailure
	MetricMailSendFailure
	metricIDCount
)

// Name returns the snake_case identifier used by exporters.
func (id MetricID) Name() string {
	if int(id) < len(metricNames) {
		return metricNames[id]
	}
	return "unknown"
}

var metricNames = [metricIDCount]string{
	MetricRegisterSuccess:      "register_success",
	MetricRegisterDuplicate:    "register_duplicate",
	MetricLoginSuccess:         "login_success",
	MetricLoginFailure:         "login_failure",
	MetricEmailVerifySuccess:   "email_verify_success",
	MetricEmailVerifyFailure:   "email_verify_failure",
	MetricMagicLinkIssued:      "magic_link_issued",
	MetricMagicLinkConsumed:    "magic_link_consumed",
	MetricMagicLinkReplay:      "magic_link_replay",
	MetricOIDCBegin:            "oidc_begin",
	MetricOIDCSuccess:          "oidc_success",
	MetricOIDCFailure:          "oidc_failure",
	MetricOIDCStateReplay:      "oidc_state_replay",
	MetricPasskeyRegistered:    "passkey_registered",
	MetricPasskeySignin:        "passkey_signin",
	MetricPasskeyFailure:       "passkey_failure",
	MetricPasskeyReplay:        "passkey_replay",
	MetricMFARequired:          "mfa_required",
	MetricMFASuccess:           "mfa_success",
	MetricMFAFailure:           "mfa_failure",
	MetricMFAEnabled:           "mfa_enabled",
	MetricMFARevoked:           "mfa_revoked",
	MetricBackupCodeUsed:       "backup_code_used",
	MetricBackupCodeFailed:     "backup_code_failed",
	MetricRefreshSuccess:       "refresh_success",
	MetricRefreshRotated:       "refresh_rotated",
	MetricRefreshFailure:       "refresh_failure",
	MetricSessionCreated:       "session_created",
	MetricSessionDeleted:       "session_deleted",
	MetricLogout:               "logout",
	MetricPasswordResetRequest: "password_reset_request",
	MetricPasswordResetSuccess: "password_reset_success",
	MetricPasswordResetFailure: "password_reset_failure",
	MetricMailSendFailure:      "mail_send_failure",
}

const cacheLineSize = 64

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free counters, one cache line each so hot-path
// increments from different goroutines do not contend.
type Metrics struct {
	enabled  bool
	counters [metricIDCount]paddedCounter
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

// NewMetrics creates a Metrics instance. When cfg.Enabled is false all
// operations are no-ops.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{enabled: cfg.Enabled}
}

// Enabled reports whether counting is active.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Inc increments id by one.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Value returns the current count for id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{Counters: make(map[MetricID]uint64, int(metricIDCount))}
	if m == nil || !m.enabled {
		return s
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	return s
}
