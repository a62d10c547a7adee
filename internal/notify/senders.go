package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"riskpulse/internal/models"
)

// Sender delivers a notification over one external channel. Implementations
// own their retry semantics; the dispatcher calls them once.
type Sender interface {
	Send(ctx context.Context, userID string, n *models.Notification) error
}

type Contact struct {
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	PushToken string `json:"pushToken"`
}

// Contacts resolves where a user receives external notifications.
type Contacts interface {
	Contact(ctx context.Context, userID string) (Contact, error)
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender sends HTML mail through a plain SMTP relay.
type SMTPSender struct {
	cfg      SMTPConfig
	contacts Contacts
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg SMTPConfig, contacts Contacts) *SMTPSender {
	return &SMTPSender{cfg: cfg, contacts: contacts, sendMail: smtp.SendMail}
}

func (s *SMTPSender) Send(ctx context.Context, userID string, n *models.Notification) error {
	c, err := s.contacts.Contact(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve email: %w", err)
	}
	if c.Email == "" {
		return ErrNoRecipient
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	done := make(chan error, 1)
	go func() {
		done <- s.sendMail(addr, auth, s.cfg.From, []string{c.Email}, renderEmail(s.cfg.From, c.Email, n))
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send mail: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func renderEmail(from, to string, n *models.Notification) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: Risk Alert: %s\r\n", n.Title)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
	fmt.Fprintf(&b, "<html><body><h2>%s</h2><p>%s</p>", html.EscapeString(n.Title), html.EscapeString(n.Message))
	if len(n.Metadata) > 0 {
		keys := make([]string, 0, len(n.Metadata))
		for k := range n.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("<ul>")
		for _, k := range keys {
			fmt.Fprintf(&b, "<li><strong>%s:</strong> %s</li>", html.EscapeString(k), html.EscapeString(fmt.Sprint(n.Metadata[k])))
		}
		b.WriteString("</ul>")
	}
	b.WriteString("</body></html>\r\n")
	return []byte(b.String())
}

// WebhookSender posts notifications as JSON to an HTTP gateway, used for the
// SMS and push providers.
type WebhookSender struct {
	url        string
	channel    string
	contacts   Contacts
	httpClient *http.Client
}

func NewWebhookSender(url, channel string, contacts Contacts) *WebhookSender {
	return &WebhookSender{
		url:        url,
		channel:    channel,
		contacts:   contacts,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSender) Send(ctx context.Context, userID string, n *models.Notification) error {
	c, err := s.contacts.Contact(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve %s recipient: %w", s.channel, err)
	}
	to := c.Phone
	if s.channel == "push" {
		to = c.PushToken
	}
	if to == "" {
		return ErrNoRecipient
	}

	body, err := json.Marshal(map[string]any{
		"channel":        s.channel,
		"to":             to,
		"title":          n.Title,
		"message":        n.Title + "\n" + n.Message,
		"notificationId": n.ID,
	})
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", s.channel, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", s.channel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", s.channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s gateway status %d: %s", s.channel, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// LogSender only logs; it stands in for channels that have no transport
// configured.
type LogSender struct {
	channel string
	logger  *zap.Logger
}

func NewLogSender(channel string, logger *zap.Logger) *LogSender {
	return &LogSender{channel: channel, logger: logger}
}

func (s *LogSender) Send(_ context.Context, userID string, n *models.Notification) error {
	s.logger.Info("Would send notification",
		zap.String("channel", s.channel),
		zap.String("user_id", userID),
		zap.String("notification_id", n.ID),
		zap.String("title", n.Title))
	return nil
}
