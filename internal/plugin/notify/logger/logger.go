// Package logger registers the "log" notifier, which writes messages to the
// service log instead of delivering them. It is the development default.
package logger

import (
	"context"

	"github.com/charmbracelet/log"
	registrynotify "github.com/chirino/chat-service/internal/registry/notify"
)

func init() {
	registrynotify.Register(registrynotify.Plugin{
		Name: "log",
		Loader: func(ctx context.Context) (registrynotify.Notifier, error) {
			return Notifier{}, nil
		},
	})
}

type Notifier struct{}

func (Notifier) SendSMS(_ context.Context, msg registrynotify.SMS) error {
	log.Info("SMS", "mobile", msg.Mobile, "template", msg.Template, "params", msg.Params)
	return nil
}

func (Notifier) SendEmail(_ context.Context, msg registrynotify.Email) error {
	log.Info("Email", "to", msg.To, "subject", msg.Subject)
	log.Debug("Email body", "to", msg.To, "text", msg.Text)
	return nil
}
