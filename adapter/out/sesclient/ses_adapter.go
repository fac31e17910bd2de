// Package sesclient implements out.OutboundSender against AWS SES v2,
// circuit-broken per tenant name ("default" when the request carries
// none) the way the webhook deliverer breaks per endpoint.
package sesclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/sony/gobreaker"

	"github.com/inboundrelay/gateway/core/port/out"
	"github.com/inboundrelay/gateway/pkg/logger"
)

// Adapter implements out.OutboundSender.
type Adapter struct {
	client *sesv2.Client

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
}

func New(client *sesv2.Client) out.OutboundSender {
	return &Adapter{client: client, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (a *Adapter) SendRaw(ctx context.Context, req out.OutboundSendRequest) (bool, error) {
	breaker := a.breakerFor(req.TenantName)

	result, err := breaker.Execute(func() (any, error) {
		raw, err := rewriteEnvelope(req)
		if err != nil {
			return nil, err
		}

		input := &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(req.FromAddress),
			Destination:      &types.Destination{ToAddresses: req.ToAddresses},
			Content: &types.EmailContent{
				Raw: &types.RawMessage{Data: raw},
			},
		}
		if req.ConfigurationSetName != "" {
			input.ConfigurationSetName = aws.String(req.ConfigurationSetName)
		}
		if req.SourceARN != "" {
			input.FromEmailAddressIdentityArn = aws.String(req.SourceARN)
		}

		return a.client.SendEmail(ctx, input)
	})

	if err != nil {
		logger.Warn("sesclient: send failed for tenant %s: %v", req.TenantName, err)
		return false, err
	}
	return result != nil, nil
}

func (a *Adapter) breakerFor(tenantName string) *gobreaker.CircuitBreaker {
	key := tenantName
	if key == "" {
		key = "default"
	}

	a.breakersMu.Lock()
	defer a.breakersMu.Unlock()

	if b, ok := a.breakers[key]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ses:" + key,
		MaxRequests: 3,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	a.breakers[key] = b
	return b
}

// rewriteEnvelope overrides the From/To/Subject headers of the original
// raw MIME content with the forward's resolved values, and strips
// attachment parts when the endpoint's forward config disables them.
// All other headers and body content pass through unchanged.
func rewriteEnvelope(req out.OutboundSendRequest) ([]byte, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(req.RawMIME))
	if err != nil {
		return req.RawMIME, nil
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return req.RawMIME, nil
	}
	contentType := msg.Header.Get("Content-Type")
	if !req.IncludeAttachments {
		if stripped, newContentType, ok := stripAttachments(contentType, body); ok {
			body = stripped
			contentType = newContentType
		}
	}

	var buf bytes.Buffer
	writeHeader(&buf, "From", fromHeader(req.FromAddress, req.SenderName))
	writeHeader(&buf, "To", strings.Join(req.ToAddresses, ", "))
	writeHeader(&buf, "Subject", subjectHeader(req.SubjectPrefix, msg.Header.Get("Subject")))

	for name, values := range msg.Header {
		if isOverriddenHeader(name) {
			continue
		}
		if strings.EqualFold(name, "Content-Type") {
			writeHeader(&buf, "Content-Type", contentType)
			continue
		}
		for _, v := range values {
			writeHeader(&buf, name, v)
		}
	}
	buf.WriteString("\r\n")
	buf.Write(body)

	return buf.Bytes(), nil
}

// stripAttachments drops multipart parts carrying a
// Content-Disposition: attachment header, rebuilding the multipart
// body under a fresh boundary. Non-multipart bodies and parse failures
// pass through unchanged (ok=false).
func stripAttachments(contentType string, body []byte) (rebuilt []byte, newContentType string, ok bool) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, "", false
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, "", false
	}

	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", false
		}
		disposition := part.Header.Get("Content-Disposition")
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(disposition)), "attachment") {
			continue
		}

		partWriter, err := writer.CreatePart(part.Header)
		if err != nil {
			return nil, "", false
		}
		if _, err := io.Copy(partWriter, part); err != nil {
			return nil, "", false
		}
	}
	writer.Close()

	params["boundary"] = writer.Boundary()
	return buf.Bytes(), mime.FormatMediaType(mediaType, params), true
}

func isOverriddenHeader(name string) bool {
	switch strings.ToLower(name) {
	case "from", "to", "subject":
		return true
	default:
		return false
	}
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	if value == "" {
		return
	}
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func fromHeader(address, name string) string {
	if name == "" {
		return address
	}
	return fmt.Sprintf("%q <%s>", name, address)
}

func subjectHeader(prefix, original string) string {
	if prefix == "" {
		return original
	}
	return prefix + " " + original
}
