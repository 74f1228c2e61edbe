package server

import (
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// EmailConfig holds configuration for sending emails via SMTP
type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromEmail    string
	Enabled      bool
}

// Mailer sends one HTML message.
type Mailer interface {
	Send(to, subject, htmlBody string) error
}

// EmailService sends mail over SMTP. When disabled it only logs.
type EmailService struct {
	config EmailConfig
	log    *zap.Logger
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailService(cfg EmailConfig, log *zap.Logger) *EmailService {
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 587
	}
	if cfg.FromEmail == "" {
		cfg.FromEmail = cfg.SMTPUser
	}
	return &EmailService{config: cfg, log: log.Named("email"), send: smtp.SendMail}
}

var errHeaderInjection = errors.New("header value contains a line break")

func (s *EmailService) Send(to, subject, htmlBody string) error {
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return errHeaderInjection
	}
	if !s.config.Enabled {
		s.log.Info("email_disabled", zap.String("to", to), zap.String("subject", subject))
		return nil
	}
	if s.config.SMTPHost == "" || s.config.FromEmail == "" {
		return fmt.Errorf("smtp not configured")
	}

	msg := []byte("From: " + s.config.FromEmail + "\r\n" +
		"To: " + to + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/html; charset=UTF-8\r\n" +
		"\r\n" + htmlBody + "\r\n")

	var auth smtp.Auth
	if s.config.SMTPUser != "" {
		auth = smtp.PlainAuth("", s.config.SMTPUser, s.config.SMTPPassword, s.config.SMTPHost)
	}
	addr := net.JoinHostPort(s.config.SMTPHost, strconv.Itoa(s.config.SMTPPort))
	if err := s.send(addr, auth, s.config.FromEmail, []string{to}, msg); err != nil {
		s.log.Error("email_failed", zap.String("to", to), zap.Error(err))
		return err
	}
	s.log.Info("email_sent", zap.String("to", to), zap.String("subject", subject))
	return nil
}
