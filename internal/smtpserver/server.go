// Package smtpserver receives forwarded listing notifications over SMTP and
// files them into the relay inbox of the addressed mailbox.
package smtpserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.io/infrasutra/listingrelay/internal/metrics"
	"github.io/infrasutra/listingrelay/internal/store"
)

const (
	defaultDomain = "listingrelay"
	storeTimeout  = 30 * time.Second
)

var errUnknownMailbox = &smtp.SMTPError{
	Code:         550,
	EnhancedCode: smtp.EnhancedCode{5, 1, 1},
	Message:      "No such mailbox",
}

// Inbox is the part of the store the relay writes to.
type Inbox interface {
	InsertMessage(ctx context.Context, message store.InboundMessage, recipients []store.Recipient) error
	MailboxOwned(ctx context.Context, address string) (bool, error)
	CheckMailbox(ctx context.Context, address, password string) (bool, error)
}

type AuthConfig struct {
	Enabled bool
	// Username and Password form a relay-wide login. Mailbox owners can
	// also log in with their mailbox address and mailbox password.
	Username string
	Password string
}

type Server struct {
	smtp   *smtp.Server
	logger *zap.Logger
}

func New(inbox Inbox, logger *zap.Logger, addr string, authCfg AuthConfig) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := smtp.NewServer(&backend{inbox: inbox, logger: logger, auth: authCfg})
	server.Addr = addr
	server.Domain = defaultDomain
	server.AllowInsecureAuth = true
	server.ReadTimeout = 15 * time.Second
	server.WriteTimeout = 15 * time.Second
	server.MaxRecipients = 100
	server.MaxMessageBytes = 25 << 20

	return &Server{smtp: server, logger: logger}
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp relay listening", zap.String("addr", s.smtp.Addr))
	return s.smtp.ListenAndServe()
}

func (s *Server) Close() error {
	return s.smtp.Close()
}

type backend struct {
	inbox  Inbox
	logger *zap.Logger
	auth   AuthConfig
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remote := ""
	if c != nil && c.Conn() != nil {
		remote = c.Conn().RemoteAddr().String()
	}
	return &session{backend: b, logger: b.logger.With(zap.String("remote", remote))}, nil
}

type session struct {
	backend       *backend
	logger        *zap.Logger
	from          string
	to            []string
	authenticated bool
}

func (s *session) AuthMechanisms() []string {
	if s.backend.auth.Enabled {
		return []string{sasl.Plain}
	}
	return nil
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if !s.backend.auth.Enabled {
		return nil, errors.New("authentication not enabled")
	}
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(_, username, password string) error {
		if s.backend.checkLogin(username, password) {
			s.authenticated = true
			return nil
		}
		s.logger.Warn("smtp login rejected", zap.String("username", username))
		return errors.New("invalid credentials")
	}), nil
}

func (b *backend) checkLogin(username, password string) bool {
	if b.auth.Username != "" &&
		subtle.ConstantTimeCompare([]byte(username), []byte(b.auth.Username)) == 1 &&
		subtle.ConstantTimeCompare([]byte(password), []byte(b.auth.Password)) == 1 {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	ok, err := b.inbox.CheckMailbox(ctx, username, password)
	if err != nil {
		b.logger.Error("check mailbox credentials", zap.Error(err))
		return false
	}
	return ok
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.backend.auth.Enabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = normalizeEmail(from)
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.auth.Enabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	to = normalizeEmail(to)
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	owned, err := s.backend.inbox.MailboxOwned(ctx, to)
	if err != nil {
		s.logger.Error("lookup mailbox", zap.String("to", to), zap.Error(err))
		return err
	}
	if !owned {
		metrics.IncInbound("rejected")
		return errUnknownMailbox
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	message, recipients, err := parseMessage(s.from, s.to, data)
	if err != nil {
		s.logger.Warn("parse relayed message", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.backend.inbox.InsertMessage(ctx, message, recipients); err != nil {
		metrics.IncInbound("error")
		s.logger.Error("store relayed message", zap.Error(err))
		return err
	}
	metrics.IncInbound("stored")
	s.logger.Info("relayed message stored",
		zap.String("id", message.ID),
		zap.String("from", message.From),
		zap.Strings("to", s.to),
		zap.Int("attachments", len(message.Attachments)),
	)
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
