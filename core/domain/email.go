package domain

import "time"

// GuardAction is the disposition a guard evaluation (or a stamped
// default) leaves on a StructuredEmail. Only Block and Route are
// dispositive; Allow/Flag/Label stamp metadata without altering routing
// (Open Question #2, resolved in SPEC_FULL.md §9).
type GuardAction string

const (
	GuardActionAllow GuardAction = "allow"
	GuardActionBlock GuardAction = "block"
	GuardActionRoute GuardAction = "route"
	GuardActionFlag  GuardAction = "flag"
	GuardActionLabel GuardAction = "label"
)

// StructuredEmail is the parsed representation of one inbound message.
type StructuredEmail struct {
	ID      string `json:"id"`
	EmailID string `json:"emailId"`
	UserID  string `json:"userId"`

	MessageID string    `json:"messageId"`
	Date      time.Time `json:"date"`
	Subject   string    `json:"subject"`
	Recipient string    `json:"recipient"`

	FromData    EmailAddressGroup `json:"fromData"`
	ToData      EmailAddressGroup `json:"toData"`
	CcData      EmailAddressGroup `json:"ccData"`
	BccData     EmailAddressGroup `json:"bccData"`
	ReplyToData EmailAddressGroup `json:"replyToData"`

	InReplyTo  string   `json:"inReplyTo,omitempty"`
	References []string `json:"references"`

	TextBody    string       `json:"textBody,omitempty"`
	HTMLBody    string       `json:"htmlBody,omitempty"`
	RawContent  string       `json:"rawContent,omitempty"` // resolved via blob store, not a relational column
	RawBlobRef  string       `json:"-"`
	Attachments []Attachment `json:"attachments"`
	Headers     Headers      `json:"headers"`

	Priority     string `json:"priority,omitempty"`
	ParseSuccess bool   `json:"parseSuccess"`
	ParseError   string `json:"parseError,omitempty"`

	ThreadID       *string `json:"threadId,omitempty"`
	ThreadPosition *int    `json:"threadPosition,omitempty"`

	GuardBlocked  bool           `json:"guardBlocked"`
	GuardReason   string         `json:"guardReason,omitempty"`
	GuardAction   GuardAction    `json:"guardAction,omitempty"`
	GuardRuleID   *string        `json:"guardRuleId,omitempty"`
	GuardMetadata map[string]any `json:"guardMetadata,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

// SentStatus is the delivery state of an outbound message.
type SentStatus string

const (
	SentStatusPending SentStatus = "pending"
	SentStatusSent    SentStatus = "sent"
	SentStatusFailed  SentStatus = "failed"
)

// SentEmail is an outbound message recorded against a tenant/user.
type SentEmail struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`

	MessageID    string `json:"messageId"`
	SESMessageID string `json:"sesMessageId,omitempty"`

	From       string   `json:"from"`
	FromDomain string   `json:"fromDomain"`
	To         []string `json:"to"`
	Cc         []string `json:"cc,omitempty"`
	Bcc        []string `json:"bcc,omitempty"`
	ReplyTo    []string `json:"replyTo,omitempty"`
	Subject    string   `json:"subject"`
	HTMLBody   string   `json:"htmlBody,omitempty"`
	TextBody   string   `json:"textBody,omitempty"`

	Status           SentStatus `json:"status"`
	Provider         string     `json:"provider,omitempty"`
	ProviderResponse string     `json:"providerResponse,omitempty"`
	FailureReason    string     `json:"failureReason,omitempty"`
	SentAt           *time.Time `json:"sentAt,omitempty"`

	ThreadID       *string `json:"threadId,omitempty"`
	ThreadPosition *int    `json:"threadPosition,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// EmailThread is a conversation identity shared by inbound and outbound
// messages.
type EmailThread struct {
	ID                string    `json:"id"`
	UserID            string    `json:"userId"`
	RootMessageID     string    `json:"rootMessageId"`
	NormalizedSubject string    `json:"normalizedSubject"`
	ParticipantEmails []string  `json:"participantEmails"`
	MessageCount      int       `json:"messageCount"`
	LastMessageAt     time.Time `json:"lastMessageAt"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// EmailAddress routes at most one mailbox to at most one endpoint.
type EmailAddress struct {
	ID         string  `json:"id"`
	Address    string  `json:"address"`
	UserID     string  `json:"userId"`
	DomainID   string  `json:"domainId"`
	EndpointID *string `json:"endpointId,omitempty"`
	WebhookID  *string `json:"webhookId,omitempty"` // legacy path
	IsActive   bool    `json:"isActive"`
}

// DomainStatus is the verification state of an EmailDomain.
type DomainStatus string

const (
	DomainStatusPending  DomainStatus = "pending"
	DomainStatusVerified DomainStatus = "verified"
	DomainStatusFailed   DomainStatus = "failed"
)

// EmailDomain is a user-owned sending/receiving domain.
type EmailDomain struct {
	ID                 string       `json:"id"`
	Domain             string       `json:"domain"`
	UserID             string       `json:"userId"`
	Status             DomainStatus `json:"status"`
	CanReceiveEmails   bool         `json:"canReceiveEmails"`
	IsCatchAllEnabled  bool         `json:"isCatchAllEnabled"`
	CatchAllEndpointID *string      `json:"catchAllEndpointId,omitempty"`
	CatchAllWebhookID  *string      `json:"catchAllWebhookId,omitempty"` // legacy
	ReceiveDmarcEmails bool         `json:"receiveDmarcEmails"`
	InheritsFromParent bool         `json:"inheritsFromParent"`
	ParentDomain       *string      `json:"parentDomain,omitempty"`
	TenantID           *string      `json:"tenantId,omitempty"`
}
