// Package relay routes one inbound message between external senders and the
// destination mailbox.
//
// A message addressed to an alias is either inbound (from anyone other than
// the destination mailbox) and forwarded to the destination, or a reply
// (from the destination mailbox) and sent back to the alias's last external
// correspondent. The destination address is never exposed: outgoing mail
// always carries the alias as From and Reply-To.
//
// Policy drops are successful no-ops. Only transmission and storage failures
// produce a Result with Success false.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/ghostinbox/ghostinbox/pkg/datastore"
	"github.com/ghostinbox/ghostinbox/pkg/logging"
	"github.com/ghostinbox/ghostinbox/pkg/message"
	"github.com/ghostinbox/ghostinbox/pkg/model"
	"github.com/ghostinbox/ghostinbox/pkg/security"
)

// Drop reasons.
const (
	ReasonInvalidDomain  = "Invalid recipient domain"
	ReasonInvalidAlias   = "Invalid alias name"
	ReasonWildcardOff    = "Alias not found and wildcards disabled"
	ReasonAliasBlocked   = "Alias is blocked"
	ReasonNoLastSender   = "No last sender recorded for reply"
	reasonSecurityPrefix = "Blocked by security: "
)

// Result is the outcome of handling one message.
type Result struct {
	Success     bool   `json:"success"`
	Forwarded   bool   `json:"forwarded"`
	ForwardedTo string `json:"forwarded_to,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func dropped(reason string) Result {
	return Result{Success: true, Reason: reason}
}

func failed(kind string, err error) Result {
	return Result{Success: false, Reason: fmt.Sprintf("%s: %v", kind, err)}
}

// Config is the routing configuration.
type Config struct {
	Domain      string // alias domain, e.g. "example.com"
	Destination string // the real mailbox
}

// Deps are the collaborators of a Router. Mitigator defaults to
// security.Unavailable, which lets every message through.
type Deps struct {
	Store       datastore.DataStore
	Mitigator   security.Mitigator
	Transmitter MailTransmitter
}

// Router handles messages for one domain.
type Router struct {
	cfg  Config
	deps Deps
}

// New creates a Router.
func New(cfg Config, deps Deps) *Router {
	cfg.Domain = strings.ToLower(strings.TrimSpace(cfg.Domain))
	cfg.Destination = strings.TrimSpace(cfg.Destination)
	if deps.Mitigator == nil {
		deps.Mitigator = security.Unavailable{}
	}
	return &Router{cfg: cfg, deps: deps}
}

// Handle routes raw. recipient is the envelope recipient supplied by the
// MTA; when empty the To header is used and must belong to the domain.
func (r *Router) Handle(ctx context.Context, raw, recipient string) Result {
	id := ulid.Make().String()
	log := slog.With("msg_id", id)

	msg := message.Parse(raw)

	var to string
	if recipient = strings.TrimSpace(recipient); recipient != "" {
		to = strings.ToLower(recipient)
	} else {
		to = strings.ToLower(message.ExtractAddress(msg.Get("To")))
		if to == "" || !strings.HasSuffix(to, "@"+r.cfg.Domain) {
			log.Info("dropping message", "reason", ReasonInvalidDomain, "to", logging.RedactEmail(to))
			return dropped(ReasonInvalidDomain)
		}
	}

	name := model.NormalizeAliasName(to)
	if err := model.ValidateAliasName(name); err != nil {
		log.Info("dropping message", "reason", ReasonInvalidAlias, "err", err)
		return dropped(ReasonInvalidAlias)
	}
	in := inbound{
		id:      id,
		msg:     msg,
		sender:  message.ExtractAddress(msg.Get("From")),
		subject: msg.Get("Subject"),
	}
	log = log.With("alias", name)

	if ip := message.ExtractOriginIP(msg); ip != "" {
		d := r.deps.Mitigator.TrackEmail(ctx, ip)
		if !d.Allowed {
			log.Warn("blocked by security", "ip", ip, "sender", logging.RedactEmail(in.sender), "reason", d.Reason)
			err := r.deps.Mitigator.RecordEvent(ctx, model.SecurityEvent{
				IP:      ip,
				Type:    model.EventEmailBlocked,
				Details: fmt.Sprintf("From: %s, To: %s, Subject: %s", in.sender, to, in.subject),
				Action:  "Email dropped",
			})
			if err != nil {
				log.Warn("failed to record blocked email", "ip", ip, "err", err)
			}
			return dropped(reasonSecurityPrefix + d.Reason)
		}
		log.Debug("security check passed", "ip", ip, "reason", d.Reason)
	} else {
		log.Debug("no public origin IP, skipping security check")
	}

	fromDestination := strings.EqualFold(in.sender, r.cfg.Destination)

	alias, err := r.lookupOrCreate(ctx, name, in.sender, fromDestination)
	if err != nil {
		log.Error("alias lookup failed", "err", err)
		return failed("Processing error", err)
	}
	if alias == nil {
		log.Info("dropping message", "reason", ReasonWildcardOff)
		return dropped(ReasonWildcardOff)
	}
	if !alias.Enabled {
		log.Info("dropping message", "reason", ReasonAliasBlocked)
		return dropped(ReasonAliasBlocked)
	}

	if fromDestination {
		return r.reply(ctx, log, alias, in)
	}
	return r.forward(ctx, log, alias, in)
}

// inbound carries the fields of a parsed message that routing needs.
type inbound struct {
	id      string
	msg     *message.Message
	sender  string // address extracted from From
	subject string
}

// lookupOrCreate returns the alias, creating it when wildcards are on. It
// returns (nil, nil) when the alias is unknown and wildcards are off.
func (r *Router) lookupOrCreate(ctx context.Context, name, sender string, fromDestination bool) (*model.Alias, error) {
	alias, err := r.deps.Store.GetAlias(ctx, name)
	if err != nil || alias != nil {
		return alias, err
	}

	wildcard, err := r.deps.Store.WildcardEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if !wildcard {
		return nil, nil
	}

	lastSender := sender
	if fromDestination {
		lastSender = ""
	}
	created, err := r.deps.Store.CreateAliasIfAbsent(ctx, name, lastSender, "")
	if err != nil {
		return nil, err
	}
	if created {
		slog.Info("created alias", "alias", name)
	}

	alias, err = r.deps.Store.GetAlias(ctx, name)
	if err != nil {
		return nil, err
	}
	if alias == nil {
		return nil, fmt.Errorf("relay: alias %q vanished after create", name)
	}
	return alias, nil
}

func (r *Router) forward(ctx context.Context, log *slog.Logger, alias *model.Alias, in inbound) Result {
	if err := r.deps.Store.UpdateLastSender(ctx, alias.Name, in.sender); err != nil {
		log.Error("failed to record last sender", "err", err)
		return failed("Processing error", err)
	}

	out := ForwardMessage(in.msg, alias.Address(r.cfg.Domain), r.cfg.Destination)
	out.ID = in.id
	if err := r.deps.Transmitter.Send(ctx, out); err != nil {
		log.Error("error forwarding email", "err", err)
		return failed("SMTP error", err)
	}

	log.Info("forwarded email", "sender", logging.RedactEmail(in.sender))
	return Result{Success: true, Forwarded: true, ForwardedTo: r.cfg.Destination}
}

func (r *Router) reply(ctx context.Context, log *slog.Logger, alias *model.Alias, in inbound) Result {
	if !alias.HasLastSender() {
		log.Info("dropping message", "reason", ReasonNoLastSender)
		return dropped(ReasonNoLastSender)
	}

	out := ReplyMessage(in.msg, alias.Address(r.cfg.Domain), alias.LastSender)
	out.ID = in.id
	if err := r.deps.Transmitter.Send(ctx, out); err != nil {
		log.Error("error relaying reply", "err", err)
		return failed("SMTP error", err)
	}

	log.Info("relayed reply", "to", logging.RedactEmail(alias.LastSender))
	return Result{Success: true, Forwarded: true, ForwardedTo: alias.LastSender}
}
