package webhook

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/inboundrelay/gateway/core/domain"
)

// envelope is the canonical "inbound" payload shape. Discord and Slack
// formats are derived from the same email data by their own composers.
type envelope struct {
	Event     string        `json:"event"`
	Timestamp string        `json:"timestamp"`
	Email     emailPayload  `json:"email"`
	Endpoint  endpointBrief `json:"endpoint"`
}

type endpointBrief struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type emailPayload struct {
	ID             string         `json:"id"`
	MessageID      string         `json:"messageId"`
	From           string         `json:"from"`
	To             string         `json:"to"`
	Recipient      string         `json:"recipient"`
	Subject        string         `json:"subject"`
	ReceivedAt     time.Time      `json:"receivedAt"`
	ThreadID       string         `json:"threadId,omitempty"`
	ThreadPosition int            `json:"threadPosition,omitempty"`
	ParsedData     parsedData     `json:"parsedData"`
	CleanedContent cleanedContent `json:"cleanedContent"`
}

type parsedData struct {
	MessageID   string              `json:"messageId"`
	From        domain.EmailAddressGroup `json:"from"`
	To          domain.EmailAddressGroup `json:"to"`
	Cc          domain.EmailAddressGroup `json:"cc,omitempty"`
	Subject     string              `json:"subject"`
	Date        time.Time           `json:"date"`
	TextBody    string              `json:"textBody,omitempty"`
	HTMLBody    string              `json:"htmlBody,omitempty"`
	Attachments []attachmentPayload `json:"attachments"`
	Headers     domain.Headers      `json:"headers"`
	Raw         string              `json:"raw,omitempty"`
}

type cleanedContent struct {
	HTML        string              `json:"html,omitempty"`
	Text        string              `json:"text,omitempty"`
	HasHTML     bool                `json:"hasHtml"`
	HasText     bool                `json:"hasText"`
	Attachments []attachmentPayload `json:"attachments"`
	Headers     domain.Headers      `json:"headers"`
}

type attachmentPayload struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	ContentID   string `json:"contentId,omitempty"`
	DownloadURL string `json:"downloadUrl,omitempty"`
}

// buildEnvelope assembles the canonical payload described for the
// webhook deliverer, annotating each attachment with its download URL
// and sanitizing the HTML body before it is echoed back as
// cleanedContent.
func buildEnvelope(baseURL string, email *domain.StructuredEmail, endpoint *domain.Endpoint, now time.Time) envelope {
	attachments := annotateAttachments(baseURL, email.ID, email.Attachments)

	threadID := ""
	if email.ThreadID != nil {
		threadID = *email.ThreadID
	}
	threadPosition := 0
	if email.ThreadPosition != nil {
		threadPosition = *email.ThreadPosition
	}

	sanitizedHTML := sanitizeHTML(email.HTMLBody)

	return envelope{
		Event:     "email.received",
		Timestamp: now.Format(time.RFC3339),
		Email: emailPayload{
			ID:             email.ID,
			MessageID:      email.MessageID,
			From:           formatAddressGroup(email.FromData),
			To:             formatAddressGroup(email.ToData),
			Recipient:      email.Recipient,
			Subject:        email.Subject,
			ReceivedAt:     email.Date,
			ThreadID:       threadID,
			ThreadPosition: threadPosition,
			ParsedData: parsedData{
				MessageID:   email.MessageID,
				From:        email.FromData,
				To:          email.ToData,
				Cc:          email.CcData,
				Subject:     email.Subject,
				Date:        email.Date,
				TextBody:    email.TextBody,
				HTMLBody:    email.HTMLBody,
				Attachments: attachments,
				Headers:     email.Headers,
				Raw:         email.RawContent,
			},
			CleanedContent: cleanedContent{
				HTML:        sanitizedHTML,
				Text:        email.TextBody,
				HasHTML:     sanitizedHTML != "",
				HasText:     email.TextBody != "",
				Attachments: attachments,
				Headers:     email.Headers,
			},
		},
		Endpoint: endpointBrief{
			ID:   endpoint.ID,
			Name: endpoint.Name,
			Type: string(endpoint.Type),
		},
	}
}

func annotateAttachments(baseURL, structuredID string, atts []domain.Attachment) []attachmentPayload {
	out := make([]attachmentPayload, 0, len(atts))
	for _, a := range atts {
		filename := a.Filename
		if filename == "" {
			filename = "attachment"
		}
		out = append(out, attachmentPayload{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
			ContentID:   a.ContentID,
			DownloadURL: fmt.Sprintf("%s/attachments/%s/%s", strings.TrimRight(baseURL, "/"), structuredID, url.QueryEscape(filename)),
		})
	}
	return out
}

func formatAddressGroup(g domain.EmailAddressGroup) string {
	if g.Text != "" {
		return g.Text
	}
	parts := make([]string, 0, len(g.Addresses))
	for _, a := range g.Addresses {
		if a.Name != "" {
			parts = append(parts, fmt.Sprintf("%s <%s>", a.Name, a.Address))
		} else {
			parts = append(parts, a.Address)
		}
	}
	return strings.Join(parts, ", ")
}

// sanitizeHTML strips script/style tags and on* event-handler
// attributes, the external-collaborator contract spec leaves
// unspecified beyond that much. goquery gives us a DOM to walk rather
// than a regex pass over tag soup.
func sanitizeHTML(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}

	doc.Find("script, style").Remove()

	doc.Find("*").Each(func(_ int, sel *goquery.Selection) {
		node := sel.Get(0)
		if node == nil {
			return
		}
		var eventAttrs []string
		for _, attr := range node.Attr {
			if strings.HasPrefix(strings.ToLower(attr.Key), "on") {
				eventAttrs = append(eventAttrs, attr.Key)
			}
		}
		for _, key := range eventAttrs {
			sel.RemoveAttr(key)
		}
	})

	out, err := doc.Html()
	if err != nil {
		return html
	}
	return out
}

// base64SegmentPattern finds a base64-encoded MIME body segment that
// follows a Content-Transfer-Encoding: base64 header, up to the next
// MIME boundary marker ("--").
var base64SegmentPattern = regexp.MustCompile(`(?is)(Content-Transfer-Encoding:\s*base64\r?\n\r?\n)(.*?)(\r?\n--)`)

// stripBase64Raw replaces every base64 body segment in raw MIME
// content with a placeholder, preserving headers and MIME boundaries.
func stripBase64Raw(raw string) string {
	return base64SegmentPattern.ReplaceAllString(raw, "${1}[binary attachment data removed - use Attachments API]${3}")
}
