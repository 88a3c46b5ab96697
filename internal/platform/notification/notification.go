// Package notification emails a summary of extraction errors to the site
// operators at the end of a run.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/icaredata/icare-extract/internal/config"
	"github.com/icaredata/icare-extract/internal/extraction"
)

const (
	// DefaultFrom is used when notificationInfo.from is not configured.
	DefaultFrom = "mCODE Extraction Errors mcode-extraction-errors@mitre.org"
	Subject     = "mCODE Extraction Client Errors"

	automatedAddress = "mcode-extraction-errors@mitre.org"
	rowSeparator     = "\n============================================================\n\n"
)

// ErrIncompleteInfo is returned when errors occurred but there is nowhere to
// send them.
var ErrIncompleteInfo = errors.New("email notification information incomplete")

// ---------------------------------------------------------------------------
// Sender Interfaces
// ---------------------------------------------------------------------------

// EmailSender delivers a plain-text email.
type EmailSender interface {
	SendEmail(ctx context.Context, from string, to []string, subject, body string) error
}

// MockEmailSender records calls instead of delivering mail.
type MockEmailSender struct {
	mu    sync.Mutex
	calls []EmailCall
	Err   error
}

// EmailCall captures the arguments of a single SendEmail invocation.
type EmailCall struct {
	From    string
	To      []string
	Subject string
	Body    string
}

func (m *MockEmailSender) SendEmail(_ context.Context, from string, to []string, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{From: from, To: to, Subject: subject, Body: body})
	return m.Err
}

// Calls returns a copy of all recorded calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// ---------------------------------------------------------------------------
// Body
// ---------------------------------------------------------------------------

// FormatBody renders the error summary. Rows are listed in ascending order
// and numbered from 1. With debug set each error is followed by its cause
// chain.
func FormatBody(errs extraction.ErrorLog, debug bool, from string) string {
	var b strings.Builder
	if strings.Contains(from, automatedAddress) {
		b.WriteString("[This is an automated email from the mCODE Extraction Client. Do not reply to this message.]\n\n")
	}
	b.WriteString("Thank you for using the mCODE Extraction Client. ")
	b.WriteString("Unfortunately, the following errors occurred when running the extraction client:\n\n")

	rows := make([]int, 0, len(errs))
	for row := range errs {
		rows = append(rows, row)
	}
	sort.Ints(rows)

	for _, row := range rows {
		fmt.Fprintf(&b, "Errors for patient at row %d in .csv file:\n\n", row+1)
		for _, err := range errs[row] {
			b.WriteString(strings.TrimSpace(err.Error()))
			b.WriteString("\n")
			if debug {
				b.WriteString(causeChain(err))
				b.WriteString("\n\n")
			}
		}
		if len(errs[row]) == 0 {
			b.WriteString("No errors for this patient. Extraction was successful.\n")
		}
		b.WriteString(rowSeparator)
	}

	if !debug {
		b.WriteString("For additional stack trace information about these errors, run the extraction client using the `--debug` flag. ")
		b.WriteString("The stack trace information can be seen in the terminal as well as in the notification email.")
	}
	return b.String()
}

func causeChain(err error) string {
	var lines []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		lines = append(lines, fmt.Sprintf("    at %T: %s", e, e.Error()))
	}
	return strings.Join(lines, "\n")
}

// ---------------------------------------------------------------------------
// Notifier
// ---------------------------------------------------------------------------

// Notifier sends the end-of-run error summary.
type Notifier struct {
	info   config.NotificationInfo
	sender EmailSender
	logger zerolog.Logger
}

func NewNotifier(info config.NotificationInfo, sender EmailSender, logger zerolog.Logger) *Notifier {
	return &Notifier{info: info, sender: sender, logger: logger}
}

// Send mails the summary of errs. Nothing is sent when errs holds no errors.
func (n *Notifier) Send(ctx context.Context, errs extraction.ErrorLog, debug bool) error {
	total := errs.Total()
	if total == 0 {
		return nil
	}
	recipients := splitRecipients(n.info.To)
	if len(recipients) == 0 || n.info.Host == "" {
		return fmt.Errorf("%w. Unable to send email with %d errors."+
			"Update notificationInfo object in configuration in order to receive emails when errors occur.",
			ErrIncompleteInfo, total)
	}

	from := n.info.From
	if from == "" {
		from = DefaultFrom
	}
	n.logger.Debug().Int("errors", total).Msg("Sending email with error information")
	if err := n.sender.SendEmail(ctx, from, recipients, Subject, FormatBody(errs, debug, from)); err != nil {
		return fmt.Errorf("send notification email: %w", err)
	}
	return nil
}

func splitRecipients(to string) []string {
	var out []string
	for _, r := range strings.Split(to, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
