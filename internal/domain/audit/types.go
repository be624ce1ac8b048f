// Package audit contains domain types for the access audit trail.
package audit

import (
	"time"
)

// Decision constants for audit records.
const (
	// DecisionAllow indicates the request was permitted.
	DecisionAllow = "allow"
	// DecisionDeny indicates the request was refused.
	DecisionDeny = "deny"
)

// EventType constants for audit records.
const (
	// Access events.
	EventTypeLogin          = "access.login"
	EventTypeLoginFailed    = "access.login_failed"
	EventTypeLoginThrottled = "access.login_throttled"
	EventTypeLogout         = "access.logout"

	// EventTypeWriteDenied is a single-document write refused by the
	// permission rules.
	EventTypeWriteDenied = "document.write_denied"

	// EventTypeRulesReload is an operator-triggered rule refresh.
	EventTypeRulesReload = "config.rules_reload"
)

// Record is a single auditable event. Records never carry passwords,
// tokens or document bodies.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	// RequestID correlates the record with request logs.
	RequestID string `json:"request_id,omitempty"`

	// Identity is the user name, empty for anonymous callers.
	Identity string   `json:"identity,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	// Strategy is the authentication strategy that resolved the identity.
	Strategy string `json:"strategy,omitempty"`

	Method   string `json:"method,omitempty"`
	Database string `json:"database,omitempty"`
	DocID    string `json:"doc_id,omitempty"`

	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
	SourceIP string `json:"source_ip,omitempty"`
}
