package security

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os/exec"
	"strings"
)

// Action is a packet-filter verdict for an address.
type Action int

const (
	ActionDrop Action = iota
	ActionAccept
)

func (a Action) String() string {
	if a == ActionAccept {
		return "ACCEPT"
	}
	return "DROP"
}

// PacketFilter enforces bans below the mail layer.
type PacketFilter interface {
	Apply(ctx context.Context, ip string, action Action) error
}

// NopFilter records nothing and never fails. Used when enforcement is
// disabled.
type NopFilter struct{}

func (NopFilter) Apply(_ context.Context, ip string, action Action) error {
	slog.Debug("packet filter disabled, skipping rule", "ip", ip, "action", action)
	return nil
}

// CommandRunner runs an external command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // binary path from operator config, args validated
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// IPTables inserts and removes INPUT DROP rules with the iptables binary.
type IPTables struct {
	Path  string        // defaults to "iptables"
	Path6 string        // used for IPv6 peers, defaults to "ip6tables"
	Run   CommandRunner // defaults to os/exec
}

// maxDuplicateRules bounds how many copies of a rule ACCEPT deletes.
const maxDuplicateRules = 32

// Args returns the iptables arguments for action on ip.
func (f IPTables) Args(ip string, action Action) []string {
	op := "-I"
	if action == ActionAccept {
		op = "-D"
	}
	return []string{op, "INPUT", "-s", ip, "-j", "DROP"}
}

// Apply adds (DROP) or deletes (ACCEPT) the rule for ip. DROP checks with
// -C first so the rule is never inserted twice; ACCEPT deletes until no
// copy is left, so rules inserted by older runs are retracted too.
func (f IPTables) Apply(ctx context.Context, ip string, action Action) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("security: packet filter: %w", err)
	}
	addr = addr.Unmap()
	path := f.Path
	if path == "" {
		path = "iptables"
	}
	if addr.Is6() {
		path = f.Path6
		if path == "" {
			path = "ip6tables"
		}
	}
	run := f.Run
	if run == nil {
		run = execRunner
	}
	args := f.Args(addr.String(), action)

	if action == ActionDrop {
		check := append([]string{"-C"}, args[1:]...)
		if _, err := run(ctx, path, check...); err == nil {
			return nil
		}
		if out, err := run(ctx, path, args...); err != nil {
			return fmt.Errorf("security: %s %s %s: %w: %s", path, action, ip, err, strings.TrimSpace(string(out)))
		}
		return nil
	}

	for removed := 0; removed < maxDuplicateRules; removed++ {
		out, err := run(ctx, path, args...)
		if err == nil {
			continue
		}
		if removed > 0 {
			return nil
		}
		return fmt.Errorf("security: %s %s %s: %w: %s", path, action, ip, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// NewPacketFilter returns the filter named by kind: "iptables" or "none".
func NewPacketFilter(kind, path string) (PacketFilter, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "none":
		return NopFilter{}, nil
	case "iptables":
		return IPTables{Path: path}, nil
	default:
		return nil, fmt.Errorf("security: unknown packet filter %q (valid: iptables, none)", kind)
	}
}
