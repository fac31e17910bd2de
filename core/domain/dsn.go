package domain

import (
	"mime"
	"strings"
	"time"
)

// dsnIndicators are substrings that, found anywhere in the raw
// content, are sufficient to classify a message as a DSN even when
// the Content-Type header itself is malformed or absent.
var dsnIndicators = []string{
	"Content-Type: multipart/report",
	"report-type=delivery-status",
	"Content-Type: message/delivery-status",
	"MAILER-DAEMON",
	"Delivery Status Notification",
}

// IsDSN reports whether contentType or raw indicate an RFC 3464
// delivery-status report. Shared by the inbound routing pipeline
// (to decide whether to hand a message to the DSN analyzer) and the
// analyzer itself (to bail out early on a mis-detected message).
func IsDSN(contentType, raw string) bool {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err == nil && mediaType == "multipart/report" && params["report-type"] == "delivery-status" {
		return true
	}
	for _, indicator := range dsnIndicators {
		if strings.Contains(raw, indicator) {
			return true
		}
	}
	return false
}

// BounceType classifies the severity of a delivery failure.
type BounceType string

const (
	BounceTypeHard       BounceType = "hard"
	BounceTypeSoft       BounceType = "soft"
	BounceTypeTransient  BounceType = "transient"
)

// BounceSubType is the fixed mapping from an enhanced status code to a
// human-meaningful failure reason.
type BounceSubType string

const (
	BounceSubTypeUserUnknown      BounceSubType = "USER_UNKNOWN"
	BounceSubTypeBadDestination   BounceSubType = "BAD_DESTINATION"
	BounceSubTypeMailboxDisabled  BounceSubType = "MAILBOX_DISABLED"
	BounceSubTypeMailboxFull      BounceSubType = "MAILBOX_FULL"
	BounceSubTypeMessageTooLarge  BounceSubType = "MESSAGE_TOO_LARGE"
	BounceSubTypeInvalidDomain    BounceSubType = "INVALID_DOMAIN"
	BounceSubTypePolicyRejection  BounceSubType = "POLICY_REJECTION"
	BounceSubTypeContentRejected  BounceSubType = "CONTENT_REJECTED"
	BounceSubTypeDNSFailure       BounceSubType = "DNS_FAILURE"
	BounceSubTypeDeliveryTimeout  BounceSubType = "DELIVERY_TIMEOUT"
	BounceSubTypeConnectionFailed BounceSubType = "CONNECTION_FAILED"
	BounceSubTypeGeneralFailure   BounceSubType = "GENERAL_FAILURE"
	BounceSubTypeUnknown          BounceSubType = "UNKNOWN"
	BounceSubTypeSuppressionList  BounceSubType = "SUPPRESSION_LIST"
)

// DSNAction is the per-recipient Action field of an RFC 3464 report.
type DSNAction string

const (
	DSNActionFailed   DSNAction = "failed"
	DSNActionDelayed  DSNAction = "delayed"
	DSNActionDelivered DSNAction = "delivered"
	DSNActionRelayed  DSNAction = "relayed"
	DSNActionExpanded DSNAction = "expanded"
)

// ParsedDSN is the result of parsing one RFC 3464 delivery-status report.
type ParsedDSN struct {
	ReportingMTA       string
	ReceivedFromMTA    string
	ArrivalDate        *time.Time
	Action             DSNAction
	FinalRecipient     string
	OriginalRecipient  string
	RemoteMTA          string
	DiagnosticCode     string
	Status             string // enhanced code X.Y.Z
	LastAttemptDate    *time.Time
	WillRetryUntil     *time.Time

	OriginalMessageID string
	OriginalFrom      string
	OriginalTo        string
	OriginalSubject   string
	OriginalDate      *time.Time
	FeedbackID        string

	DSNInReplyTo  string
	DSNReferences []string
}

// ActionTaken records whether a DSN caused an automatic blocklist write.
type ActionTaken string

const (
	ActionTakenNone             ActionTaken = "none"
	ActionTakenAddedToBlocklist ActionTaken = "added_to_blocklist"
)

// EmailDeliveryEvent is the persisted record of one bounce/complaint.
type EmailDeliveryEvent struct {
	ID        string     `json:"id"`
	EventType string     `json:"eventType"` // bounce, complaint, ...

	BounceType    BounceType    `json:"bounceType,omitempty"`
	BounceSubType BounceSubType `json:"bounceSubType,omitempty"`
	StatusCode    string        `json:"statusCode,omitempty"`
	StatusClass   int           `json:"statusClass,omitempty"`
	StatusCategory int          `json:"statusCategory,omitempty"`
	DiagnosticCode string       `json:"diagnosticCode,omitempty"`

	FailedRecipient       string `json:"failedRecipient,omitempty"`
	FailedRecipientDomain string `json:"failedRecipientDomain,omitempty"`

	OriginalMessageID  string     `json:"originalMessageId,omitempty"`
	OriginalSentEmailID *string   `json:"originalSentEmailId,omitempty"`
	OriginalFrom       string     `json:"originalFrom,omitempty"`
	OriginalTo         string     `json:"originalTo,omitempty"`
	OriginalSubject    string     `json:"originalSubject,omitempty"`
	OriginalSentAt     *time.Time `json:"originalSentAt,omitempty"`

	DSNEmailID    string     `json:"dsnEmailId,omitempty"`
	DSNReceivedAt time.Time  `json:"dsnReceivedAt"`
	ReportingMTA  string     `json:"reportingMta,omitempty"`
	RemoteMTA     string     `json:"remoteMta,omitempty"`

	UserID     *string `json:"userId,omitempty"`
	DomainID   *string `json:"domainId,omitempty"`
	DomainName string  `json:"domainName,omitempty"`
	TenantID   *string `json:"tenantId,omitempty"`
	TenantName string  `json:"tenantName,omitempty"`

	ActionTaken     ActionTaken `json:"actionTaken"`
	AddedToBlocklist bool       `json:"addedToBlocklist"`
	BlocklistID     *string     `json:"blocklistId,omitempty"`

	RawDSNContent string `json:"-"` // resolved via blob store
	RawBlobRef    string `json:"-"`
}
