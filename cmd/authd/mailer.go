package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/signalpost/authkit/mail"
)

// mailer returns an SMTP-backed sender when SMTP_ADDR is set and a
// logging sender otherwise. The engine adds the retry policy on top.
func (env *envConfig) mailer(logger *slog.Logger) mail.Sender {
	if env.smtpAddr == "" {
		logger.Warn("SMTP_ADDR not set, outbound mail is logged only")
		return &logSender{logger: logger}
	}
	return &smtpSender{
		addr: env.smtpAddr,
		from: env.mailFrom,
		user: env.smtpUser,
		pass: env.smtpPass,
	}
}

type logSender struct {
	logger *slog.Logger
}

func (s *logSender) Send(_ context.Context, msg mail.Message) error {
	s.logger.Info("mail (not sent)",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("html", msg.HTML),
	)
	return nil
}

type smtpSender struct {
	addr string
	from string
	user string
	pass string
}

func (s *smtpSender) Send(_ context.Context, msg mail.Message) error {
	var auth smtp.Auth
	if s.user != "" {
		host := s.addr
		if i := strings.IndexByte(host, ':'); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", s.user, s.pass, host)
	}

	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=utf-8\r\n\r\n%s",
		s.from, msg.To, msg.Subject, msg.HTML)
	if err := smtp.SendMail(s.addr, auth, s.from, []string{msg.To}, []byte(body)); err != nil {
		return fmt.Errorf("%w: %v", mail.ErrSendFailed, err)
	}
	return nil
}
