// Package gateway registers the "gateway" notifier: SMS is posted as JSON to an
// HTTP gateway and email is sent over SMTP.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net"
	"net/http"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/chirino/chat-service/internal/config"
	registrynotify "github.com/chirino/chat-service/internal/registry/notify"
)

func init() {
	registrynotify.Register(registrynotify.Plugin{
		Name:   "gateway",
		Loader: load,
	})
}

func load(ctx context.Context) (registrynotify.Notifier, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("gateway notifier: missing config")
	}
	if cfg.SMSGatewayURL == "" && cfg.SMTPAddr == "" {
		return nil, fmt.Errorf("gateway notifier: set CHAT_SERVICE_SMS_GATEWAY_URL and/or CHAT_SERVICE_SMTP_ADDR")
	}
	return New(cfg), nil
}

// Notifier sends SMS through an HTTP gateway and email through SMTP.
type Notifier struct {
	smsURL     string
	httpClient *http.Client

	smtpAddr string
	auth     smtp.Auth
	from     string
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// New creates a gateway notifier from config.
func New(cfg *config.Config) *Notifier {
	n := &Notifier{
		smsURL: strings.TrimSpace(cfg.SMSGatewayURL),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		smtpAddr: cfg.SMTPAddr,
		from:     cfg.MailFrom,
		sendMail: smtp.SendMail,
	}
	if cfg.SMTPUsername != "" {
		host, _, err := net.SplitHostPort(cfg.SMTPAddr)
		if err != nil {
			host = cfg.SMTPAddr
		}
		n.auth = smtp.PlainAuth("", cfg.SMTPUsername, cfg.SMTPPassword, host)
	}
	return n
}

type smsRequest struct {
	PhoneNumbers []string `json:"phone_numbers"`
	Template     string   `json:"template"`
	Params       []string `json:"params"`
}

type smsResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (n *Notifier) SendSMS(ctx context.Context, msg registrynotify.SMS) error {
	if n.smsURL == "" {
		return fmt.Errorf("sms gateway not configured")
	}
	body, err := json.Marshal(smsRequest{
		PhoneNumbers: []string{"+86" + msg.Mobile},
		Template:     msg.Template,
		Params:       msg.Params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.smsURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not connect to sms gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway returned status %d", resp.StatusCode)
	}
	var payload smsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		// Gateways that answer 2xx without a body are treated as accepted.
		return nil
	}
	if payload.Code != "" && !strings.EqualFold(payload.Code, "ok") {
		msg := strings.TrimSpace(payload.Message)
		if msg == "" {
			msg = payload.Code
		}
		return fmt.Errorf("sms gateway rejected message: %s", msg)
	}
	return nil
}

func (n *Notifier) SendEmail(_ context.Context, msg registrynotify.Email) error {
	if n.smtpAddr == "" {
		return fmt.Errorf("smtp not configured")
	}
	raw, err := buildMessage(n.from, msg)
	if err != nil {
		return err
	}
	if err := n.sendMail(n.smtpAddr, n.auth, n.from, []string{msg.To}, raw); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", msg.To, err)
	}
	return nil
}

// buildMessage renders a multipart/alternative message when HTML is set, and a
// plain text message otherwise.
func buildMessage(from string, msg registrynotify.Email) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	buf.WriteString("MIME-Version: 1.0\r\n")

	if msg.HTML == "" {
		buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		buf.WriteString(msg.Text)
		return buf.Bytes(), nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", mw.Boundary())
	for _, part := range []struct{ contentType, content string }{
		{"text/plain; charset=UTF-8", msg.Text},
		{"text/html; charset=UTF-8", msg.HTML},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {part.contentType}})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(part.content)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}

var _ registrynotify.Notifier = (*Notifier)(nil)
