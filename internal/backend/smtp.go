package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/maildispatch/internal/dkim"
	"github.com/kursadbilgin/maildispatch/internal/domain"
)

const (
	defaultSMTPPort    = 587
	defaultSMTPTimeout = 30 * time.Second
	defaultHeloName    = "maildispatch.local"
)

// SMTPOptions configures an SMTP backend.
type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	// From is used when an email carries no sender of its own.
	From     string
	HeloName string
	// RequireTLS fails the send when the server does not offer STARTTLS.
	RequireTLS bool
	// InsecureSkipVerify disables certificate checks after STARTTLS.
	InsecureSkipVerify bool
	Timeout            time.Duration
	Signer             *dkim.Signer
}

// SMTP submits email to a relay over SMTP, upgrading with STARTTLS when the
// server offers it.
type SMTP struct {
	name string
	opts SMTPOptions
	addr string
	now  func() time.Time
}

func NewSMTP(name string, opts SMTPOptions) (*SMTP, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("backend name is required")
	}
	opts.Host = strings.TrimSpace(opts.Host)
	if opts.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if opts.Port == 0 {
		opts.Port = defaultSMTPPort
	}
	if opts.Port < 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("invalid smtp port %d", opts.Port)
	}
	if opts.From != "" {
		if _, err := mail.ParseAddress(opts.From); err != nil {
			return nil, fmt.Errorf("invalid smtp from address %q: %w", opts.From, err)
		}
	}
	if opts.Username != "" && opts.Password == "" {
		return nil, fmt.Errorf("smtp password is required when username is set")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultSMTPTimeout
	}
	if opts.HeloName == "" {
		opts.HeloName = defaultHeloName
	}

	return &SMTP{
		name: name,
		opts: opts,
		addr: net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		now:  time.Now,
	}, nil
}

func (s *SMTP) Name() string {
	return s.name
}

func (s *SMTP) Send(ctx context.Context, email domain.Email) error {
	from := email.From
	if from == "" {
		from = s.opts.From
	}
	if from == "" {
		return &BackendError{Backend: s.name, Message: "no sender address configured"}
	}

	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return &BackendError{Backend: s.name, Message: "invalid sender", Cause: err}
	}
	toAddr, err := mail.ParseAddress(email.To)
	if err != nil {
		return &BackendError{Backend: s.name, Message: "invalid recipient", Cause: err}
	}

	message := buildMessage(email, fromAddr, toAddr, s.opts.HeloName, s.now())
	if s.opts.Signer != nil {
		message, err = s.opts.Signer.Sign(message, fromAddr.Address)
		if err != nil {
			return &BackendError{Backend: s.name, Message: "dkim", Cause: err}
		}
	}

	if err := s.deliver(ctx, fromAddr.Address, toAddr.Address, message); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &BackendError{
			Backend:   s.name,
			Message:   "smtp delivery failed",
			Transient: isTransientSMTP(err),
			Cause:     err,
		}
	}

	return nil
}

func (s *SMTP) deliver(ctx context.Context, from, to string, data []byte) error {
	dialer := &net.Dialer{Timeout: s.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(s.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	client, err := smtp.NewClient(conn, s.opts.Host)
	if err != nil {
		return fmt.Errorf("new client: %w", err)
	}
	defer client.Close()

	if err := client.Hello(s.opts.HeloName); err != nil {
		return fmt.Errorf("helo: %w", err)
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConf := &tls.Config{
			ServerName:         s.opts.Host,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: s.opts.InsecureSkipVerify, //nolint:gosec
		}
		if err := client.StartTLS(tlsConf); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	} else if s.opts.RequireTLS {
		return errors.New("server does not offer STARTTLS")
	}

	if s.opts.Username != "" {
		auth := smtp.PlainAuth("", s.opts.Username, s.opts.Password, s.opts.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data start: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}

	if err := client.Quit(); err != nil {
		return fmt.Errorf("quit: %w", err)
	}

	return nil
}

// isTransientSMTP treats 4xx replies and network failures as transient.
func isTransientSMTP(err error) bool {
	if IsTransient(err) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func buildMessage(email domain.Email, from, to *mail.Address, host string, now time.Time) []byte {
	var buf bytes.Buffer

	writeHeader := func(key, value string) {
		buf.WriteString(key)
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteString("\r\n")
	}

	writeHeader("From", from.String())
	writeHeader("To", to.String())
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", email.Subject))
	writeHeader("Date", now.UTC().Format(time.RFC1123Z))
	writeHeader("Message-ID", fmt.Sprintf("<%s@%s>", sanitizeMessageID(email.ID), host))
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", `text/plain; charset="utf-8"`)
	writeHeader("Content-Transfer-Encoding", "8bit")
	buf.WriteString("\r\n")

	body := strings.ReplaceAll(email.Body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\n", "\r\n")
	buf.WriteString(body)
	if !strings.HasSuffix(body, "\r\n") {
		buf.WriteString("\r\n")
	}

	return buf.Bytes()
}

func sanitizeMessageID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '<' || r == '>' || r == '@' || r <= ' ' || r > '~':
			return '-'
		default:
			return r
		}
	}, id)
}
