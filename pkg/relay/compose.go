package relay

import (
	"strings"

	"github.com/ghostinbox/ghostinbox/pkg/message"
)

// Outgoing is a message handed to a MailTransmitter.
type Outgoing struct {
	ID      string // trace id, used for the Message-ID
	To      string
	From    string
	ReplyTo string
	Subject string
	Body    string
}

// ForwardMessage builds the copy of msg sent to the destination mailbox. The
// original From, To, Date and Subject are kept in a short preamble so the
// reader still sees who wrote.
func ForwardMessage(msg *message.Message, alias, destination string) Outgoing {
	subject := msg.Get("Subject")

	var b strings.Builder
	b.WriteString("Forwarded message\n")
	b.WriteString("From: " + msg.Get("From") + "\n")
	b.WriteString("To: " + msg.Get("To") + "\n")
	b.WriteString("Date: " + msg.Get("Date") + "\n")
	b.WriteString("Subject: " + subject + "\n\n")
	b.WriteString(msg.Body)

	return Outgoing{
		To:      destination,
		From:    alias,
		ReplyTo: alias,
		Subject: subject,
		Body:    b.String(),
	}
}

// ReplyMessage builds the message sent back to the alias's last external
// sender. The body passes through untouched.
func ReplyMessage(msg *message.Message, alias, lastSender string) Outgoing {
	return Outgoing{
		To:      lastSender,
		From:    alias,
		ReplyTo: alias,
		Subject: ReplySubject(msg.Get("Subject")),
		Body:    msg.Body,
	}
}

// ReplySubject prefixes subject with "Re: " unless it already starts with a
// reply marker (matched case-insensitively).
func ReplySubject(subject string) string {
	if len(subject) >= 3 && strings.EqualFold(subject[:3], "re:") {
		return subject
	}
	return "Re: " + subject
}
