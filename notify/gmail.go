package notify

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"strings"

	"google.golang.org/api/gmail/v1"
)

// mimeBoundary separates the text and HTML parts. Report bodies never contain it.
const mimeBoundary = "adsync-report-boundary"

// GmailProvider sends reports through the Gmail API as the authenticated account.
type GmailProvider struct {
	service *gmail.Service
	from    string
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail provider. An empty from leaves the
// sender to Gmail.
func NewGmailProvider(service *gmail.Service, from string, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		from:    from,
		logger:  logger,
	}
}

// sanitizeHeader drops control characters, so a value cannot start a new header.
func sanitizeHeader(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

// mimeMessage renders msg as multipart/alternative with text before HTML.
func mimeMessage(from string, msg Message) string {
	var b strings.Builder
	b.WriteString("MIME-Version: 1.0\r\n")
	if from != "" {
		fmt.Fprintf(&b, "From: %s\r\n", sanitizeHeader(from))
	}
	fmt.Fprintf(&b, "To: %s\r\n", sanitizeHeader(msg.To))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", sanitizeHeader(msg.Subject)))
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mimeBoundary)

	for _, part := range []struct{ typ, body string }{
		{"text/plain", msg.Text},
		{"text/html", msg.HTML},
	} {
		if part.body == "" {
			continue
		}
		fmt.Fprintf(&b, "--%s\r\n", mimeBoundary)
		fmt.Fprintf(&b, "Content-Type: %s; charset=utf-8\r\n\r\n", part.typ)
		b.WriteString(part.body)
		b.WriteString("\r\n")
	}
	fmt.Fprintf(&b, "--%s--\r\n", mimeBoundary)
	return b.String()
}

// Send delivers msg via users.messages.send.
func (g *GmailProvider) Send(ctx context.Context, msg Message) error {
	raw := base64.URLEncoding.EncodeToString([]byte(mimeMessage(g.from, msg)))
	return deliver(ctx, g.logger, "gmail", msg, func() error {
		_, err := g.service.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("gmail users.messages.send: %w", err)
		}
		return nil
	})
}
