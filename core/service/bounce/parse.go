// Package bounce implements the DSN analyzer (C1) and delivery-event
// recorder (C6): RFC 3464 multipart parsing, enhanced-status-code
// classification, source resolution against sent_emails, and
// auto-blocklisting on hard bounce.
package bounce

import (
	"bufio"
	"mime"
	"mime/multipart"
	"strings"
	"time"

	"github.com/inboundrelay/gateway/core/domain"
)

// parseDSN splits the raw multipart/report message and extracts the
// delivery-status and original-message parts.
func parseDSN(raw string) (*domain.ParsedDSN, error) {
	boundary, err := extractBoundary(raw)
	if err != nil {
		return nil, err
	}

	result := &domain.ParsedDSN{}
	result.DSNInReplyTo = extractHeader(raw, "In-Reply-To")
	result.DSNReferences = splitReferences(extractHeader(raw, "References"))

	reader := multipart.NewReader(strings.NewReader(bodyAfterHeaders(raw)), boundary)
	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		partContentType := part.Header.Get("Content-Type")
		bodyBytes := make([]byte, 0, 4096)
		buf := make([]byte, 4096)
		for {
			n, rerr := part.Read(buf)
			bodyBytes = append(bodyBytes, buf[:n]...)
			if rerr != nil {
				break
			}
		}
		body := string(bodyBytes)

		switch {
		case strings.HasPrefix(partContentType, "message/delivery-status"):
			applyDeliveryStatusFields(result, body)
		case strings.HasPrefix(partContentType, "message/rfc822"):
			applyOriginalMessageFields(result, body)
		}
	}

	return result, nil
}

func extractBoundary(raw string) (boundary string, err error) {
	headerBlock := raw
	if idx := strings.Index(raw, "\r\n\r\n"); idx >= 0 {
		headerBlock = raw[:idx]
	} else if idx := strings.Index(raw, "\n\n"); idx >= 0 {
		headerBlock = raw[:idx]
	}
	contentType := extractHeaderFrom(headerBlock, "Content-Type")
	mediaType, params, perr := mime.ParseMediaType(contentType)
	if perr != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return "", perr
	}
	return params["boundary"], nil
}

func bodyAfterHeaders(raw string) string {
	if idx := strings.Index(raw, "\r\n\r\n"); idx >= 0 {
		return raw[idx+4:]
	}
	if idx := strings.Index(raw, "\n\n"); idx >= 0 {
		return raw[idx+2:]
	}
	return raw
}

// applyDeliveryStatusFields parses the key: value lines of the
// message/delivery-status part. Per-message fields precede a blank
// line, then per-recipient fields follow; this implementation folds
// both into the same result since only one recipient block is
// expected per DSN in this system's usage.
func applyDeliveryStatusFields(result *domain.ParsedDSN, body string) {
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		key, value, ok := splitHeaderLine(line)
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "reporting-mta":
			result.ReportingMTA = value
		case "received-from-mta":
			result.ReceivedFromMTA = value
		case "arrival-date":
			if t, err := parseRFC5322Date(value); err == nil {
				result.ArrivalDate = &t
			}
		case "action":
			result.Action = domain.DSNAction(strings.ToLower(value))
		case "final-recipient":
			result.FinalRecipient = stripPrefix(value, "rfc822;")
		case "original-recipient":
			result.OriginalRecipient = stripPrefix(value, "rfc822;")
		case "remote-mta":
			result.RemoteMTA = value
		case "diagnostic-code":
			result.DiagnosticCode = stripPrefix(value, "smtp;")
		case "status":
			result.Status = value
		case "last-attempt-date":
			if t, err := parseRFC5322Date(value); err == nil {
				result.LastAttemptDate = &t
			}
		case "will-retry-until":
			if t, err := parseRFC5322Date(value); err == nil {
				result.WillRetryUntil = &t
			}
		}
	}
}

func applyOriginalMessageFields(result *domain.ParsedDSN, body string) {
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		key, value, ok := splitHeaderLine(line)
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "message-id":
			result.OriginalMessageID = value
		case "from":
			result.OriginalFrom = value
		case "to":
			result.OriginalTo = value
		case "subject":
			result.OriginalSubject = value
		case "date":
			if t, err := parseRFC5322Date(value); err == nil {
				result.OriginalDate = &t
			}
		case "feedback-id":
			result.FeedbackID = value
		}
	}
}

func splitHeaderLine(line string) (key, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func stripPrefix(value, prefix string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(strings.ToLower(trimmed), prefix) {
		trimmed = strings.TrimSpace(trimmed[len(prefix):])
	}
	return trimmed
}

func parseRFC5322Date(value string) (time.Time, error) {
	layouts := []string{time.RFC1123Z, time.RFC1123, "2 Jan 2006 15:04:05 -0700", "Mon, 2 Jan 2006 15:04:05 -0700"}
	var lastErr error
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

func splitReferences(value string) []string {
	return strings.Fields(value)
}

func extractHeader(raw, name string) string {
	headerBlock := raw
	if idx := strings.Index(raw, "\r\n\r\n"); idx >= 0 {
		headerBlock = raw[:idx]
	} else if idx := strings.Index(raw, "\n\n"); idx >= 0 {
		headerBlock = raw[:idx]
	}
	return extractHeaderFrom(headerBlock, name)
}

func extractHeaderFrom(headerBlock, name string) string {
	scanner := bufio.NewScanner(strings.NewReader(headerBlock))
	for scanner.Scan() {
		line := scanner.Text()
		key, value, ok := splitHeaderLine(line)
		if ok && strings.EqualFold(key, name) {
			return value
		}
	}
	return ""
}

