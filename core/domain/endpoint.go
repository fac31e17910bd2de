package domain

import "time"

// EndpointType selects which config variant an Endpoint carries.
type EndpointType string

const (
	EndpointTypeWebhook    EndpointType = "webhook"
	EndpointTypeEmail      EndpointType = "email"
	EndpointTypeEmailGroup EndpointType = "email_group"
)

// WebhookFormat selects the outbound envelope shape for a webhook endpoint.
type WebhookFormat string

const (
	WebhookFormatInbound WebhookFormat = "inbound"
	WebhookFormatDiscord WebhookFormat = "discord"
	WebhookFormatSlack   WebhookFormat = "slack"
)

// WebhookConfig is the Endpoint.config variant for type=webhook.
type WebhookConfig struct {
	URL               string            `json:"url"`
	TimeoutSeconds    int               `json:"timeout"`       // 1-300
	RetryAttempts     int               `json:"retryAttempts"` // 0-10
	Headers           map[string]string `json:"headers,omitempty"`
	VerificationToken string            `json:"verificationToken,omitempty"`
	Secret            string            `json:"secret,omitempty"` // HMAC signing secret, encrypted at rest
}

// EmailConfig is the Endpoint.config variant for type=email.
type EmailConfig struct {
	ForwardTo          string `json:"forwardTo"`
	IncludeAttachments bool   `json:"includeAttachments"`
	SubjectPrefix      string `json:"subjectPrefix,omitempty"`
	FromAddress        string `json:"fromAddress,omitempty"`
	SenderName         string `json:"senderName,omitempty"`
}

// EmailGroupConfig is the Endpoint.config variant for type=email_group.
type EmailGroupConfig struct {
	Emails             []string `json:"emails"`
	IncludeAttachments bool     `json:"includeAttachments"`
	SubjectPrefix      string   `json:"subjectPrefix,omitempty"`
	FromAddress        string   `json:"fromAddress,omitempty"`
	SenderName         string   `json:"senderName,omitempty"`
}

// Endpoint is a user-configured destination for inbound mail.
type Endpoint struct {
	ID            string        `json:"id"`
	UserID        string        `json:"userId"`
	Type          EndpointType  `json:"type"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	IsActive      bool          `json:"isActive"`
	WebhookFormat WebhookFormat `json:"webhookFormat,omitempty"`

	Webhook    *WebhookConfig    `json:"webhookConfig,omitempty"`
	Email      *EmailConfig      `json:"emailConfig,omitempty"`
	EmailGroup *EmailGroupConfig `json:"emailGroupConfig,omitempty"`
}

// DeliveryType distinguishes the two outbound dispatch mechanisms.
type DeliveryType string

const (
	DeliveryTypeWebhook      DeliveryType = "webhook"
	DeliveryTypeEmailForward DeliveryType = "email_forward"
)

// DeliveryStatus is the lifecycle state of an EndpointDelivery row.
type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSuccess DeliveryStatus = "success"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

// EndpointDelivery is the idempotency-lock row for one (email, endpoint)
// delivery attempt. UNIQUE(emailId, endpointId) is the authoritative lock.
type EndpointDelivery struct {
	ID            string         `json:"id"`
	EmailID       string         `json:"emailId"`
	EndpointID    string         `json:"endpointId"`
	DeliveryType  DeliveryType   `json:"deliveryType"`
	Status        DeliveryStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	LastAttemptAt *time.Time     `json:"lastAttemptAt,omitempty"`
	ResponseData  map[string]any `json:"responseData,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}
