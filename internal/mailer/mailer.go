// Package mailer stands in for outbound email delivery by logging the message
// links. Real delivery lives outside this service.
package mailer

import (
	"context"

	"go.uber.org/zap"
)

type LogMailer struct {
	logger *zap.SugaredLogger
}

func NewLogMailer(logger *zap.SugaredLogger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendVerification(_ context.Context, to, name, link string) error {
	m.logger.Infow("verification email", "to", to, "name", name, "link", link)
	return nil
}

func (m *LogMailer) SendPasswordReset(_ context.Context, to, name, link string) error {
	m.logger.Infow("password reset email", "to", to, "name", name, "link", link)
	return nil
}
