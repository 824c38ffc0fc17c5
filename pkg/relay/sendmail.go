package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/oklog/ulid/v2"
)

// DefaultSendmailPath is where Postfix and most MTAs install their sendmail
// compatible binary.
const DefaultSendmailPath = "/usr/sbin/sendmail"

// MailTransmitter delivers a composed message.
type MailTransmitter interface {
	Send(ctx context.Context, out Outgoing) error
}

// TransmitterFunc adapts a function to MailTransmitter.
type TransmitterFunc func(ctx context.Context, out Outgoing) error

func (f TransmitterFunc) Send(ctx context.Context, out Outgoing) error { return f(ctx, out) }

// PipeRunner runs name with args, feeding stdin, and returns combined output.
type PipeRunner func(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error)

func execPipe(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // path from operator config
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Sendmail hands messages to the local MTA as "sendmail -t -oi -f <from>".
type Sendmail struct {
	Path string     // defaults to DefaultSendmailPath
	Run  PipeRunner // defaults to os/exec
	Now  func() time.Time
}

// Send renders out and pipes it to sendmail.
func (s Sendmail) Send(ctx context.Context, out Outgoing) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	raw, err := Render(out, now())
	if err != nil {
		return err
	}

	path := s.Path
	if path == "" {
		path = DefaultSendmailPath
	}
	run := s.Run
	if run == nil {
		run = execPipe
	}
	if output, err := run(ctx, path, SendmailArgs(out.From), raw); err != nil {
		if msg := strings.TrimSpace(string(output)); msg != "" {
			return fmt.Errorf("sendmail: %w: %s", err, msg)
		}
		return fmt.Errorf("sendmail: %w", err)
	}
	return nil
}

// SendmailArgs returns the arguments for delivering a message whose
// envelope sender is from. Recipients are read from the headers.
func SendmailArgs(from string) []string {
	return []string{"-t", "-oi", "-f", from}
}

// Render produces the RFC 5322 text of out as a single text/plain part.
func Render(out Outgoing, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Address: out.From}})
	h.SetAddressList("To", []*mail.Address{{Address: out.To}})
	if out.ReplyTo != "" {
		h.SetAddressList("Reply-To", []*mail.Address{{Address: out.ReplyTo}})
	}
	h.SetSubject(out.Subject)
	h.SetMessageID(messageID(out))
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("relay: render message: %w", err)
	}
	if _, err := io.WriteString(w, out.Body); err != nil {
		return nil, fmt.Errorf("relay: render message: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("relay: render message: %w", err)
	}
	return buf.Bytes(), nil
}

func messageID(out Outgoing) string {
	id := out.ID
	if id == "" {
		id = ulid.Make().String()
	}
	host := "localhost"
	if i := strings.LastIndexByte(out.From, '@'); i >= 0 && i < len(out.From)-1 {
		host = out.From[i+1:]
	}
	return strings.ToLower(id) + "@" + host
}
