package http

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/inboundrelay/gateway/core/domain"
	"github.com/inboundrelay/gateway/core/port/out"
	"github.com/inboundrelay/gateway/pkg/apperr"
)

// AttachmentHandler resolves the downloadUrl a delivered webhook
// payload attaches to each attachment entry: it streams the named part
// back from the raw-MIME blob store, since external object storage is
// out of scope here.
type AttachmentHandler struct {
	emails out.EmailRepository
	blobs  out.BlobStore
}

func NewAttachmentHandler(emails out.EmailRepository, blobs out.BlobStore) *AttachmentHandler {
	return &AttachmentHandler{emails: emails, blobs: blobs}
}

func (h *AttachmentHandler) Register(app fiber.Router) {
	app.Get("/attachments/:structuredId/:filename", h.download)
}

func (h *AttachmentHandler) download(c *fiber.Ctx) error {
	structuredID := c.Params("structuredId")
	filename := c.Params("filename")
	if structuredID == "" || filename == "" {
		return apperr.BadRequest("structuredId and filename are required")
	}

	email, err := h.emails.GetByID(c.Context(), structuredID)
	if err != nil {
		return err
	}

	if meta, ok := findAttachmentMeta(email, filename); ok && meta.ContentBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(meta.ContentBase64)
		if err != nil {
			return apperr.Unprocessable("attachment content is not valid base64", err)
		}
		return streamAttachment(c, meta.ContentType, meta.Filename, data)
	}

	if email.RawBlobRef == "" {
		return apperr.NotFound("attachment")
	}
	raw, err := h.blobs.Get(c.Context(), email.RawBlobRef)
	if err != nil {
		return apperr.Transient("fetch raw MIME blob", err)
	}

	part, contentType, err := extractAttachmentPart(raw, filename)
	if err != nil {
		return apperr.Unprocessable("failed to extract attachment from raw MIME", err)
	}
	if part == nil {
		return apperr.NotFound("attachment")
	}
	return streamAttachment(c, contentType, filename, part)
}

// stripBase64Whitespace removes the line breaks MIME inserts every 76
// characters, which base64.StdEncoding otherwise rejects.
func stripBase64Whitespace(data []byte) []byte {
	return bytes.Map(func(r rune) rune {
		if r == '\r' || r == '\n' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, data)
}

func findAttachmentMeta(email *domain.StructuredEmail, filename string) (domain.Attachment, bool) {
	for _, a := range email.Attachments {
		if a.Filename == filename {
			return a, true
		}
	}
	return domain.Attachment{}, false
}

func streamAttachment(c *fiber.Ctx, contentType, filename string, data []byte) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Set(fiber.HeaderContentType, contentType)
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+filename+`"`)
	return c.Status(fiber.StatusOK).Send(data)
}

// extractAttachmentPart walks a raw MIME message looking for the part
// whose filename (Content-Disposition or Content-Type "name" param)
// matches filename.
func extractAttachmentPart(raw []byte, filename string) ([]byte, string, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, "", err
	}
	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, "", err
	}

	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, "", nil
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, "", nil
	}

	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", err
		}

		if part.FileName() != filename {
			continue
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return nil, "", err
		}
		if strings.EqualFold(part.Header.Get("Content-Transfer-Encoding"), "base64") {
			decoded, err := io.ReadAll(base64.NewDecoder(base64.StdEncoding, bytes.NewReader(stripBase64Whitespace(data))))
			if err != nil {
				return nil, "", err
			}
			data = decoded
		}
		partType := part.Header.Get("Content-Type")
		if partType == "" {
			partType = "application/octet-stream"
		}
		return data, partType, nil
	}

	return nil, "", nil
}
