// Package model defines the core domain types for GhostInbox.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxAliasNameLength is the RFC 5321 limit for a local part.
const MaxAliasNameLength = 64

var ErrAliasNameEmpty = errors.New("alias name must not be empty")
var ErrAliasNameTooLong = fmt.Errorf("alias name must not exceed %d characters", MaxAliasNameLength)
var ErrAliasNameInvalidChars = errors.New("alias name must not contain whitespace, quotes, commas, angle brackets or '@'")

// Alias is a domain-local address that relays to and from the destination mailbox.
type Alias struct {
	Name       string    `json:"alias"`
	Enabled    bool      `json:"enabled"`
	Notes      string    `json:"notes"`
	LastSender string    `json:"last_sender,omitempty"` // most recent external correspondent
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"` // zero = never received mail
}

// HasLastSender reports whether replies through this alias have somewhere to go.
func (a *Alias) HasLastSender() bool {
	return strings.TrimSpace(a.LastSender) != ""
}

// Address returns the full alias address at domain.
func (a *Alias) Address(domain string) string {
	return a.Name + "@" + domain
}

// NormalizeAliasName lower-cases the local part of addr. Anything from the
// first '@' onwards is discarded, so "News@Example.com" becomes "news".
func NormalizeAliasName(addr string) string {
	name := strings.TrimSpace(addr)
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name)
}

// ValidateAliasName checks that a normalized alias name is usable as a local
// part. Returns nil on success or a descriptive error.
func ValidateAliasName(name string) error {
	if len(name) == 0 {
		return ErrAliasNameEmpty
	}
	if len(name) > MaxAliasNameLength {
		return ErrAliasNameTooLong
	}
	for _, r := range name {
		if r <= ' ' || r == 0x7f {
			return ErrAliasNameInvalidChars
		}
		switch r {
		case '<', '>', '@', '"', ',', '(', ')', '[', ']', '\\', ';', ':':
			return ErrAliasNameInvalidChars
		}
	}
	return nil
}
