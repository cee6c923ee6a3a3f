package alerting

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"banxico-rate-alerts/internal/failure"
)

const defaultSMTPPort = 587

var emailBody = template.Must(template.New("alert").Parse(`<html>
<body>
  <h2>Banxico Rate Drop Alert</h2>
  {{- if .SeriesID}}
  <p><strong>Series:</strong> {{.SeriesID}}</p>
  {{- end}}
  <p><strong>Rate Change:</strong> {{.ChangeBP}} basis points</p>
  <p><strong>Current Rate:</strong> {{.CurrentRate}}% (as of {{.CurrentDate}})</p>
  <p><strong>Previous Rate:</strong> {{.PreviousRate}}% (as of {{.PreviousDate}})</p>
  <p><strong>Change:</strong> {{.ChangePct}} percentage points</p>
  <br>
  <p>This alert was triggered because the rate dropped by at least {{.ThresholdBP}} basis points.</p>
  <p>Source: <a href="{{.SourceURL}}">Banco de México</a></p>
</body>
</html>
`))

type emailView struct {
	SeriesID     string
	ChangeBP     string
	ChangePct    string
	CurrentRate  string
	CurrentDate  string
	PreviousRate string
	PreviousDate string
	ThresholdBP  string
	SourceURL    string
}

// EmailOptions configure SMTP submission.
type EmailOptions struct {
	Host      string
	Port      int
	Username  string
	Password  string
	Sender    string
	Recipient string
	Timeout   time.Duration
	// AllowInsecure permits sending when the server does not offer STARTTLS.
	AllowInsecure bool
	TLSConfig     *tls.Config
}

// EmailNotifier 通过 SMTP (STARTTLS + AUTH) 发送 HTML 告警邮件。
type EmailNotifier struct {
	opts   EmailOptions
	logger zerolog.Logger
	now    func() time.Time
}

// NewEmailNotifier 构造邮件告警器。
func NewEmailNotifier(opts EmailOptions, logger zerolog.Logger) *EmailNotifier {
	if opts.Port <= 0 {
		opts.Port = defaultSMTPPort
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Username == "" {
		opts.Username = opts.Sender
	}
	return &EmailNotifier{
		opts:   opts,
		logger: logger.With().Str("component", "alert_email").Str("smtp_host", opts.Host).Logger(),
		now:    time.Now,
	}
}

// Notify 构造并投递一封告警邮件。
func (n *EmailNotifier) Notify(ctx context.Context, note Notification) error {
	msg, err := n.buildMessage(note)
	if err != nil {
		return failure.Wrapf(failure.DeliveryError, "email build", err, "render message")
	}

	if err := n.send(ctx, msg); err != nil {
		return err
	}

	n.logger.Info().
		Str("recipient", n.opts.Recipient).
		Str("change_bp", note.Change.ChangeBP.String()).
		Msg("告警已发送 (Email)")
	return nil
}

func (n *EmailNotifier) buildMessage(note Notification) ([]byte, error) {
	c := note.Change
	view := emailView{
		SeriesID:     note.SeriesID,
		ChangeBP:     c.ChangeBP.StringFixed(1),
		ChangePct:    c.ChangePct().StringFixed(2),
		CurrentRate:  c.Current.Value.String(),
		CurrentDate:  c.Current.Date(),
		PreviousRate: c.Previous.Value.String(),
		PreviousDate: c.Previous.Date(),
		ThresholdBP:  c.ThresholdBP.String(),
		SourceURL:    note.sourceURL(),
	}

	var html bytes.Buffer
	if err := emailBody.Execute(&html, view); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", n.opts.Sender)
	fmt.Fprintf(&buf, "To: %s\r\n", n.opts.Recipient)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", note.Subject()))
	fmt.Fprintf(&buf, "Date: %s\r\n", n.now().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	buf.WriteString("\r\n")

	buf.Write(html.Bytes())
	return buf.Bytes(), nil
}

func (n *EmailNotifier) send(ctx context.Context, msg []byte) error {
	addr := net.JoinHostPort(n.opts.Host, strconv.Itoa(n.opts.Port))

	ctx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return failure.Wrapf(failure.TransportUnavailable, "smtp dial", err, "connect %s", addr)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	client, err := smtp.NewClient(conn, n.opts.Host)
	if err != nil {
		_ = conn.Close()
		return failure.Wrapf(failure.TransportUnavailable, "smtp greeting", err, "open session with %s", addr)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return failure.Wrap(failure.TransportUnavailable, "smtp ehlo", err)
	}
	hasTLS, _ := client.Extension("STARTTLS")
	switch {
	case hasTLS:
		if err := client.StartTLS(n.tlsConfig()); err != nil {
			return failure.Wrap(failure.TransportUnavailable, "smtp starttls", err)
		}
	case !n.opts.AllowInsecure:
		return failure.New(failure.TransportUnavailable, "smtp starttls", fmt.Sprintf("%s does not offer STARTTLS", addr))
	default:
		n.logger.Warn().Msg("smtp server does not offer STARTTLS; sending in clear text")
	}

	if n.opts.Username != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			return failure.New(failure.AuthenticationFailed, "smtp auth", fmt.Sprintf("%s does not offer AUTH", addr))
		}
		auth := smtp.PlainAuth("", n.opts.Username, n.opts.Password, n.opts.Host)
		if err := client.Auth(auth); err != nil {
			return failure.Wrap(failure.AuthenticationFailed, "smtp auth", err)
		}
	}

	if err := client.Mail(n.opts.Sender); err != nil {
		return failure.Wrapf(failure.DeliveryError, "smtp mail", err, "sender %s rejected", n.opts.Sender)
	}
	if err := client.Rcpt(n.opts.Recipient); err != nil {
		return failure.Wrapf(failure.DeliveryError, "smtp rcpt", err, "recipient %s rejected", n.opts.Recipient)
	}

	w, err := client.Data()
	if err != nil {
		return failure.Wrap(failure.DeliveryError, "smtp data", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return failure.Wrap(failure.DeliveryError, "smtp data", err)
	}
	if err := w.Close(); err != nil {
		return failure.Wrap(failure.DeliveryError, "smtp data", err)
	}

	// the message is already accepted at this point
	if err := client.Quit(); err != nil {
		n.logger.Warn().Err(err).Msg("smtp quit failed after submission")
	}
	return nil
}

func (n *EmailNotifier) tlsConfig() *tls.Config {
	if n.opts.TLSConfig != nil {
		return n.opts.TLSConfig
	}
	return &tls.Config{ServerName: n.opts.Host, MinVersion: tls.VersionTLS12}
}

var _ Notifier = (*EmailNotifier)(nil)
