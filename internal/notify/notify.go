// Package notify sends operator notifications. Delivery is fire-and-forget:
// a failure to notify is logged and never fails the operation that
// triggered it.
package notify

import (
	"context"
	"crypto/tls"
	"net"
	"net/smtp"
	"sync"
	"time"

	"github.com/jordan-wright/email"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("mydb.notify")

// SendTimeout bounds one delivery, from dial to the end of DATA.
const SendTimeout = 60 * time.Second

// Notifier delivers a message to the operators.
type Notifier interface {
	Notify(ctx context.Context, subject, body string)
}

// Mailer sends notifications over SMTP.
type Mailer struct {
	Server string
	From   string
	To     []string
	send   func(ctx context.Context, e *email.Email, server string) error
}

// NewMailer returns a Mailer for the given relay. With no server or no
// recipients it only logs.
func NewMailer(server, from string, to []string) *Mailer {
	return &Mailer{Server: server, From: from, To: to, send: sendPlain}
}

// sendPlain delivers e without authentication, upgrading to TLS when the
// relay offers it. The whole exchange shares one deadline.
func sendPlain(ctx context.Context, e *email.Email, server string) error {
	host, _, err := net.SplitHostPort(server)
	if err != nil {
		return errors.NotValidf("mail server %q", server)
	}
	msg, err := e.Bytes()
	if err != nil {
		return errors.Annotate(err, "building message")
	}

	ctx, cancel := context.WithTimeout(ctx, SendTimeout)
	defer cancel()
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", server)
	if err != nil {
		return errors.Annotatef(err, "dialing %s", server)
	}
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return errors.Trace(err)
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return errors.Annotatef(err, "greeting from %s", server)
	}
	defer c.Close()
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return errors.Annotate(err, "starting TLS")
		}
	}
	if err := c.Mail(e.From); err != nil {
		return errors.Trace(err)
	}
	for _, to := range e.To {
		if err := c.Rcpt(to); err != nil {
			return errors.Annotatef(err, "recipient %s", to)
		}
	}
	w, err := c.Data()
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := w.Write(msg); err != nil {
		return errors.Trace(err)
	}
	if err := w.Close(); err != nil {
		return errors.Trace(err)
	}
	return c.Quit()
}

func (m *Mailer) Notify(ctx context.Context, subject, body string) {
	if m.Server == "" || len(m.To) == 0 {
		logger.Infof("notification (mail disabled): %s", subject)
		return
	}
	e := email.NewEmail()
	e.From = m.From
	e.To = m.To
	e.Subject = subject
	e.Text = []byte(body)
	// Failures are often reported after the caller's context has expired.
	if err := m.send(context.WithoutCancel(ctx), e, m.Server); err != nil {
		logger.Errorf("sending %q to %v: %v", subject, m.To, err)
		return
	}
	logger.Debugf("sent %q to %v", subject, m.To)
}

// Message is a recorded notification.
type Message struct {
	Subject string
	Body    string
}

// Recorder keeps notifications in memory. Exported for use by tests.
type Recorder struct {
	mu       sync.Mutex
	Messages []Message
}

func (r *Recorder) Notify(_ context.Context, subject, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, Message{Subject: subject, Body: body})
}

// Sent returns a copy of the recorded notifications.
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.Messages...)
}

var (
	_ Notifier = (*Mailer)(nil)
	_ Notifier = (*Recorder)(nil)
)
