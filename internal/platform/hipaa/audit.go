package hipaa

import (
	"fmt"
	"time"
)

// EventType is the closed set of security and PHI relevant actions the audit
// log records. Classification lives in eventTypes, never in string matching.
type EventType string

const (
	EventPHIView     EventType = "PHI_VIEW"
	EventPHIExport   EventType = "PHI_EXPORT"
	EventPHIPrint    EventType = "PHI_PRINT"
	EventPHIDownload EventType = "PHI_DOWNLOAD"
	EventPHICreate   EventType = "PHI_CREATE"
	EventPHIUpdate   EventType = "PHI_UPDATE"
	EventPHIDelete   EventType = "PHI_DELETE"

	EventLoginSuccess EventType = "LOGIN_SUCCESS"
	EventLoginFailure EventType = "LOGIN_FAILURE"
	EventLogout       EventType = "LOGOUT"
	EventMFASetup     EventType = "MFA_SETUP"
	EventMFAVerify    EventType = "MFA_VERIFY"
	EventMFAFailure   EventType = "MFA_FAILURE"

	EventAccessDenied       EventType = "ACCESS_DENIED"
	EventPermissionChange   EventType = "PERMISSION_CHANGE"
	EventSessionExpire      EventType = "SESSION_EXPIRE"
	EventSessionRevoke      EventType = "SESSION_REVOKE"
	EventBreachAttempt      EventType = "BREACH_ATTEMPT"
	EventSuspiciousActivity EventType = "SUSPICIOUS_ACTIVITY"

	EventConsentObtained EventType = "CONSENT_OBTAINED"
	EventConsentRevoked  EventType = "CONSENT_REVOKED"

	EventAIRecommendationGenerated EventType = "AI_RECOMMENDATION_GENERATED"

	EventKeyRotated     EventType = "ENCRYPTION_KEY_ROTATED"
	EventAuditLogPurged EventType = "AUDIT_LOG_PURGED"
)

type eventClass uint8

const (
	classPHI eventClass = 1 << iota
	classPHIRead
	classSecurity
	classSecurityCritical
)

type eventTypeSpec struct {
	display  string
	class    eventClass
	severity Severity
}

var eventTypes = map[EventType]eventTypeSpec{
	EventPHIView:     {"PHI View", classPHI | classPHIRead, SeverityInfo},
	EventPHIExport:   {"PHI Export", classPHI | classPHIRead, SeverityMedium},
	EventPHIPrint:    {"PHI Print", classPHI | classPHIRead, SeverityLow},
	EventPHIDownload: {"PHI Download", classPHI | classPHIRead, SeverityMedium},
	EventPHICreate:   {"PHI Create", classPHI, SeverityInfo},
	EventPHIUpdate:   {"PHI Update", classPHI, SeverityLow},
	EventPHIDelete:   {"PHI Delete", classPHI, SeverityHigh},

	EventLoginSuccess: {"Login Success", 0, SeverityInfo},
	EventLoginFailure: {"Login Failure", classSecurity, SeverityMedium},
	EventLogout:       {"Logout", 0, SeverityInfo},
	EventMFASetup:     {"MFA Setup", classSecurity, SeverityLow},
	EventMFAVerify:    {"MFA Verify", 0, SeverityInfo},
	EventMFAFailure:   {"MFA Failure", classSecurity, SeverityMedium},

	EventAccessDenied:       {"Access Denied", classSecurity, SeverityHigh},
	EventPermissionChange:   {"Permission Change", classSecurity, SeverityMedium},
	EventSessionExpire:      {"Session Expired", 0, SeverityInfo},
	EventSessionRevoke:      {"Session Revoked", classSecurity, SeverityLow},
	EventBreachAttempt:      {"Breach Attempt", classSecurity | classSecurityCritical, SeverityCritical},
	EventSuspiciousActivity: {"Suspicious Activity", classSecurity | classSecurityCritical, SeverityHigh},

	EventConsentObtained: {"Consent Obtained", 0, SeverityInfo},
	EventConsentRevoked:  {"Consent Revoked", 0, SeverityLow},

	EventAIRecommendationGenerated: {"AI Recommendation Generated", 0, SeverityInfo},

	EventKeyRotated:     {"Encryption Key Rotated", classSecurity, SeverityMedium},
	EventAuditLogPurged: {"Audit Log Purged", 0, SeverityInfo},
}

// EventTypes returns every known event type.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(eventTypes))
	for t := range eventTypes {
		out = append(out, t)
	}
	return out
}

func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// DisplayName is the human label used in report breakdown tables.
func (t EventType) DisplayName() string {
	if s, ok := eventTypes[t]; ok {
		return s.display
	}
	return string(t)
}

// IsPHIEvent reports whether the event touches protected health information.
func (t EventType) IsPHIEvent() bool { return eventTypes[t].class&classPHI != 0 }

// IsPHIRead reports whether the event discloses PHI to the actor
// (view, export, print, download).
func (t EventType) IsPHIRead() bool { return eventTypes[t].class&classPHIRead != 0 }

func (t EventType) IsSecurityEvent() bool { return eventTypes[t].class&classSecurity != 0 }

// IsSecurityCritical reports breach attempts and suspicious activity, the
// events tallied as security incidents.
func (t EventType) IsSecurityCritical() bool {
	return eventTypes[t].class&classSecurityCritical != 0
}

// DefaultSeverity is applied when an event is appended without a severity.
func (t EventType) DefaultSeverity() Severity {
	if s, ok := eventTypes[t]; ok {
		return s.severity
	}
	return SeverityInfo
}

// Severity ranks an audit event or violation.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityLevels = map[Severity]int{
	SeverityInfo:     1,
	SeverityLow:      2,
	SeverityMedium:   3,
	SeverityHigh:     4,
	SeverityCritical: 5,
}

var severityDisplay = map[Severity]string{
	SeverityInfo:     "Informational",
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

func (s Severity) Valid() bool {
	_, ok := severityLevels[s]
	return ok
}

// Level maps the severity to its ordinal 1 (INFO) through 5 (CRITICAL).
// Unknown values return 0.
func (s Severity) Level() int { return severityLevels[s] }

func (s Severity) DisplayName() string {
	if d, ok := severityDisplay[s]; ok {
		return d
	}
	return string(s)
}

func (s Severity) AtLeast(other Severity) bool { return s.Level() >= other.Level() }

// Event outcomes.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeFailure = "FAILURE"
)

// AuditEvent is one security or PHI relevant action. It is immutable once
// the checksum has been computed by AuditLog.Append.
type AuditEvent struct {
	ID            string            `json:"id"`
	Sequence      uint64            `json:"sequence"`
	Type          EventType         `json:"event_type"`
	Severity      Severity          `json:"severity"`
	UserID        string            `json:"user_id,omitempty"`
	UserName      string            `json:"user_name,omitempty"`
	PatientID     string            `json:"patient_id,omitempty"`
	PatientName   string            `json:"patient_name,omitempty"`
	Action        string            `json:"action"`
	ResourceType  string            `json:"resource_type,omitempty"`
	ResourceID    string            `json:"resource_id,omitempty"`
	IPAddress     string            `json:"ip_address,omitempty"`
	UserAgent     string            `json:"user_agent,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Outcome       string            `json:"outcome,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Checksum      string            `json:"checksum"`
}

// validate rejects events that must never reach the chain and fills the
// severity from the event type when the caller left it empty.
func (e *AuditEvent) validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrValidation, e.Type)
	}
	if e.Severity == "" {
		e.Severity = e.Type.DefaultSeverity()
	}
	if !e.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrValidation, e.Severity)
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	if e.Outcome != OutcomeSuccess && e.Outcome != OutcomeFailure {
		return fmt.Errorf("%w: outcome must be %s or %s", ErrValidation, OutcomeSuccess, OutcomeFailure)
	}
	return nil
}

// clone returns a copy that shares no mutable state with e.
func (e AuditEvent) clone() AuditEvent {
	if e.Metadata != nil {
		md := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return e
}

// NewPHIAccessEvent creates an event for a user touching a patient's record.
func NewPHIAccessEvent(eventType EventType, userID, patientID, resourceType, resourceID string) *AuditEvent {
	return &AuditEvent{
		Type:         eventType,
		UserID:       userID,
		PatientID:    patientID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Action:       fmt.Sprintf("%s %s", eventType.DisplayName(), resourceType),
	}
}

// NewLoginEvent creates a LOGIN_SUCCESS or LOGIN_FAILURE event.
func NewLoginEvent(userID, ipAddress string, success bool, reason string) *AuditEvent {
	e := &AuditEvent{
		Type:      EventLoginSuccess,
		UserID:    userID,
		IPAddress: ipAddress,
		Action:    "User login",
		Outcome:   OutcomeSuccess,
	}
	if !success {
		e.Type = EventLoginFailure
		e.Outcome = OutcomeFailure
		e.FailureReason = reason
		e.Action = "Failed login attempt"
	}
	return e
}
