package mailer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	gomail "github.com/wneessen/go-mail"
)

// Mailer sends transactional notification mail over SMTP.
type Mailer struct {
	client *gomail.Client
	from   string
}

// NewMailerFromEnv initialises the Mailer from SMTP_* environment variables.
// It returns (nil, nil) when SMTP_HOST is absent so callers can treat mail
// delivery as optional.
//
// Expected variables:
//   - SMTP_HOST: mail server hostname, enables the mailer when set
//   - SMTP_FROM: required sender address
//   - SMTP_PORT: optional port (defaults to 587)
//   - SMTP_USERNAME / SMTP_PASSWORD: optional plain auth credentials
//   - SMTP_TLS: set to "false" to disable TLS for local relays
func NewMailerFromEnv() (*Mailer, error) {
	host := strings.TrimSpace(os.Getenv("SMTP_HOST"))
	if host == "" {
		return nil, nil
	}

	from := strings.TrimSpace(os.Getenv("SMTP_FROM"))
	if from == "" {
		return nil, errors.New("mailer: SMTP_FROM environment variable is required")
	}

	port := 587
	if raw := strings.TrimSpace(os.Getenv("SMTP_PORT")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("mailer: invalid SMTP_PORT %q", raw)
		}
		port = parsed
	}

	opts := []gomail.Option{gomail.WithPort(port)}
	if username := strings.TrimSpace(os.Getenv("SMTP_USERNAME")); username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(username),
			gomail.WithPassword(os.Getenv("SMTP_PASSWORD")),
		)
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("SMTP_TLS")), "false") {
		opts = append(opts, gomail.WithTLSPolicy(gomail.NoTLS))
	}

	client, err := gomail.NewClient(host, opts...)
	if err != nil {
		return nil, fmt.Errorf("mailer: init smtp client: %w", err)
	}
	return &Mailer{client: client, from: from}, nil
}

func (m *Mailer) send(ctx context.Context, to, subject, body string) error {
	if m == nil || m.client == nil {
		return nil
	}
	if strings.TrimSpace(to) == "" {
		return errors.New("mailer: recipient address is empty")
	}

	msg := gomail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("mailer: set sender: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("mailer: set recipient: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)

	return m.client.DialAndSendWithContext(ctx, msg)
}

// SendWelcome greets a freshly registered user.
func (m *Mailer) SendWelcome(ctx context.Context, to, username string) error {
	subject, body := welcomeMessage(username)
	return m.send(ctx, to, subject, body)
}

// SendBookCompleted announces a finished coloring book.
func (m *Mailer) SendBookCompleted(ctx context.Context, to, bookTitle string) error {
	subject, body := bookCompletedMessage(bookTitle)
	return m.send(ctx, to, subject, body)
}

// SendBookFailed reports a generation run that could not finish.
func (m *Mailer) SendBookFailed(ctx context.Context, to, bookTitle, reason string) error {
	subject, body := bookFailedMessage(bookTitle, reason)
	return m.send(ctx, to, subject, body)
}

// SendBadgeEarned announces a newly earned achievement.
func (m *Mailer) SendBadgeEarned(ctx context.Context, to, badgeName string) error {
	subject, body := badgeEarnedMessage(badgeName)
	return m.send(ctx, to, subject, body)
}

func welcomeMessage(username string) (string, string) {
	subject := "Welcome to your coloring book studio"
	body := fmt.Sprintf(
		"Hi %s,\n\nYour account is ready. Pick a theme, choose an art style and your first coloring book will be generated in minutes.\n\nHappy coloring!",
		username,
	)
	return subject, body
}

func bookCompletedMessage(title string) (string, string) {
	subject := fmt.Sprintf("Your coloring book %q is ready", title)
	body := fmt.Sprintf(
		"Good news!\n\nYour coloring book %q has been generated. Open the app to browse the pages or download the PDF.",
		title,
	)
	return subject, body
}

func bookFailedMessage(title, reason string) (string, string) {
	subject := fmt.Sprintf("Generation of %q did not finish", title)
	body := fmt.Sprintf(
		"Unfortunately the generation of your coloring book %q failed.\n\nReason: %s\n\nYou can restart the generation from the app at any time.",
		title, strings.TrimSpace(reason),
	)
	return subject, body
}

func badgeEarnedMessage(badgeName string) (string, string) {
	subject := "You earned a new badge"
	body := fmt.Sprintf(
		"Congratulations!\n\nYou just earned the %q badge. Check your collection in the app.",
		badgeName,
	)
	return subject, body
}
