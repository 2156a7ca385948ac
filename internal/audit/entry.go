package audit

import (
	"time"

	"github.com/google/uuid"
)

// Category classifies which regulatory area an entry belongs to.
type Category string

const (
	CategoryDataProcessing Category = "data_processing"
	CategoryConsent        Category = "consent"
	CategoryRightsRequest  Category = "rights_request"
	CategorySystemAccess   Category = "system_access"
)

// Severity grades how serious the recorded event is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Outcome records how the audited action ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// VerificationStatus is the chain head's verification state.
// Transitions: pending -> valid, pending|valid -> broken, and
// broken -> valid only via an explicit Reverify after remediation.
type VerificationStatus string

const (
	StatusPending VerificationStatus = "pending"
	StatusValid   VerificationStatus = "valid"
	StatusBroken  VerificationStatus = "broken"
)

// Entry is a single immutable audit record. Entries are hash-chained
// per organisation: each entry's Hash depends on the previous entry's
// Hash, making the log tamper-evident.
//
// The fields up to and including CorrelationID are immutable and covered
// by the hash. PreviousHash, Hash, and CanonicalPayload are the chain
// linkage, written once at append time. The trailing fields are
// administrative metadata explicitly excluded from the hash — Timestamp
// included, so archival/backfill of metadata never invalidates the chain.
type Entry struct {
	ID             string `json:"id"`
	OrganisationID string `json:"organisationId"`

	UserID  string `json:"userId,omitempty"`
	AdminID string `json:"adminId,omitempty"`

	Action     string   `json:"action"`
	Resource   string   `json:"resource"`
	ResourceID string   `json:"resourceId,omitempty"`
	Category   Category `json:"category"`
	Severity   Severity `json:"severity"`
	Outcome    Outcome  `json:"outcome"`

	Details             map[string]any `json:"details,omitempty"`
	LegalBasis          string         `json:"legalBasis,omitempty"`
	BusinessContext     string         `json:"businessContext,omitempty"`
	ComplianceFramework string         `json:"complianceFramework"`

	IPAddress     string `json:"ipAddress,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	CorrelationID string `json:"correlationId"`

	// Chain linkage — immutable once written. PreviousHash is empty for
	// the first entry in an organisation's chain. CanonicalPayload is the
	// exact byte snapshot that was hashed, stored verbatim so historical
	// entries can be re-verified without guessing serialization rules.
	PreviousHash     string `json:"previousHash,omitempty"`
	Hash             string `json:"hash"`
	CanonicalPayload []byte `json:"-"`

	// Administrative metadata — never part of the hash.
	Timestamp      time.Time  `json:"timestamp"`
	IsVerified     bool       `json:"isVerified,omitempty"`
	IsArchived     bool       `json:"isArchived,omitempty"`
	ArchiveDate    *time.Time `json:"archiveDate,omitempty"`
	RetentionUntil *time.Time `json:"retentionUntil,omitempty"`
}

// ChainHead is the per-organisation append cursor. All appends
// read-modify-write this record under optimistic concurrency: the
// conditional update on Version is the only serialization point.
type ChainHead struct {
	OrganisationID     string             `json:"organisationId"`
	LastEntryID        string             `json:"lastEntryId"`
	LastHash           string             `json:"lastHash"`
	ChainLength        int64              `json:"chainLength"`
	Version            int64              `json:"version"`
	VerificationStatus VerificationStatus `json:"verificationStatus"`
	LastVerified       *time.Time         `json:"lastVerified,omitempty"`
	BrokenAtEntryID    string             `json:"brokenAtEntryId,omitempty"`
}

// Request carries the caller-supplied fields for a new audit entry.
// ID, hash linkage, and timestamp are assigned by the appender.
type Request struct {
	OrganisationID string `json:"organisationId"`

	UserID  string `json:"userId,omitempty"`
	AdminID string `json:"adminId,omitempty"`

	Action     string   `json:"action"`
	Resource   string   `json:"resource"`
	ResourceID string   `json:"resourceId,omitempty"`
	Category   Category `json:"category"`
	Severity   Severity `json:"severity,omitempty"`
	Outcome    Outcome  `json:"outcome,omitempty"`

	Details             map[string]any `json:"details,omitempty"`
	LegalBasis          string         `json:"legalBasis,omitempty"`
	BusinessContext     string         `json:"businessContext,omitempty"`
	ComplianceFramework string         `json:"complianceFramework,omitempty"`

	IPAddress     string `json:"ipAddress,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Receipt is returned from a successful append. Attempts is the retry
// telemetry: how many head compare-and-swap rounds the append took.
type Receipt struct {
	EntryID       string `json:"entryId"`
	Hash          string `json:"hash"`
	ChainLength   int64  `json:"chainLength"`
	CorrelationID string `json:"correlationId"`
	Attempts      int    `json:"attempts"`
}

// NewEntryID returns a freshly generated entry identifier.
func NewEntryID() string {
	return uuid.NewString()
}

// validCategory reports whether c is one of the defined categories.
func validCategory(c Category) bool {
	switch c {
	case CategoryDataProcessing, CategoryConsent, CategoryRightsRequest, CategorySystemAccess:
		return true
	}
	return false
}

// validSeverity reports whether s is one of the defined severities.
func validSeverity(s Severity) bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// validOutcome reports whether o is one of the defined outcomes.
func validOutcome(o Outcome) bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeDenied:
		return true
	}
	return false
}
