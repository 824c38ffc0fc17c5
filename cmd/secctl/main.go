// Command ghostinbox-secctl inspects and manages the GhostInbox ledger and
// alias table from the shell.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ghostinbox/ghostinbox/pkg/config"
	"github.com/ghostinbox/ghostinbox/pkg/datastore"
	"github.com/ghostinbox/ghostinbox/pkg/logging"
	"github.com/ghostinbox/ghostinbox/pkg/model"
	"github.com/ghostinbox/ghostinbox/pkg/security"
	"github.com/ghostinbox/ghostinbox/pkg/server"
	"github.com/ghostinbox/ghostinbox/pkg/version"
)

const usage = `usage: ghostinbox-secctl [-config file] <command> [args]

commands:
  stats                                  print the security report as JSON
  bans                                   list active bans and the time left
  cleanup                                remove expired bans
  ban [-severity s] [-permanent] <ip> [reason]
  unban <ip>
  wildcard [on|off]                      show or set the wildcard policy
  aliases export                         print all aliases as YAML
  aliases import <file>                  create aliases from a YAML file
`

var errUsage = errors.New("invalid usage")

func main() {
	configPath := flag.String("config", os.Getenv("GHOSTINBOX_CONFIG"), "YAML config file (optional)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Banner("ghostinbox-secctl"))
		return
	}

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if _, err := logging.Setup(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	err = run(context.Background(), cfg, flag.Args(), os.Stdout)
	if errors.Is(err, errUsage) {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, args := args[0], args[1:]

	switch cmd {
	case "wildcard", "aliases":
		st, err := datastore.NewProviderFactory(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		if cmd == "wildcard" {
			return wildcard(ctx, st, args, out)
		}
		return aliases(ctx, st, args, out)
	case "stats", "bans", "cleanup", "ban", "unban":
	default:
		return errUsage
	}

	filter, err := security.NewPacketFilter(cfg.Security.PacketFilter, cfg.Security.IPTablesPath)
	if err != nil {
		return err
	}
	m := security.Open(cfg.SecurityDBPath(), cfg.Security.Policy, filter)
	defer func() { _ = m.Close() }()
	if u, ok := m.(security.Unavailable); ok {
		return fmt.Errorf("%w: %v", security.ErrUnavailable, u.Cause)
	}

	switch cmd {
	case "stats":
		report, err := m.Report(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "bans":
		report, err := m.Report(ctx)
		if err != nil {
			return err
		}
		now := time.Now()
		for _, b := range report.BannedIPs {
			left := "permanent"
			if !b.Permanent {
				left = b.Remaining(now).Round(time.Minute).String()
			}
			_, _ = fmt.Fprintf(out, "%s\t%s\t%s\n", b.IP, left, b.Reason)
		}
		return nil
	case "cleanup":
		n, err := m.CleanupExpiredBans(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "removed %d expired bans\n", n)
		return nil
	case "ban":
		return ban(ctx, m, args, out)
	default:
		if len(args) != 1 {
			return errUsage
		}
		existed, err := m.UnbanIP(ctx, args[0])
		if err != nil {
			return err
		}
		if !existed {
			_, _ = fmt.Fprintf(out, "%s was not banned\n", args[0])
			return nil
		}
		_, _ = fmt.Fprintf(out, "%s unbanned\n", args[0])
		return nil
	}
}

func ban(ctx context.Context, m security.Mitigator, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("ban", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	severityName := fs.String("severity", "medium", "light, medium or heavy")
	permanent := fs.Bool("permanent", false, "ban permanently")
	if err := fs.Parse(args); err != nil || fs.NArg() == 0 {
		return errUsage
	}
	severity, err := model.ParseSeverity(*severityName)
	if err != nil {
		return err
	}
	ip := fs.Arg(0)
	reason := strings.Join(fs.Args()[1:], " ")
	if reason == "" {
		reason = "Manual ban"
	}

	ok, err := m.BanIP(ctx, ip, reason, severity, *permanent)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is whitelisted", ip)
	}
	_, _ = fmt.Fprintf(out, "%s banned (%s)\n", ip, reason)
	return nil
}

func wildcard(ctx context.Context, st datastore.DataProviderFactory, args []string, out io.Writer) error {
	switch {
	case len(args) == 0:
	case len(args) == 1 && (args[0] == "on" || args[0] == "off"):
		if err := st.NonTx().SetWildcardEnabled(ctx, args[0] == "on"); err != nil {
			return err
		}
	default:
		return errUsage
	}
	enabled, err := st.NonTx().WildcardEnabled(ctx)
	if err != nil {
		return err
	}
	state := "off"
	if enabled {
		state = "on"
	}
	_, _ = fmt.Fprintf(out, "wildcard %s\n", state)
	return nil
}

func aliases(ctx context.Context, st datastore.DataProviderFactory, args []string, out io.Writer) error {
	switch {
	case len(args) == 1 && args[0] == "export":
		data, err := server.ExportAliasesYAML(ctx, st.NonTx())
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	case len(args) == 2 && args[0] == "import":
		n, err := server.LoadAliasesFromYAML(ctx, args[1], st)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "created %d aliases\n", n)
		return nil
	default:
		return errUsage
	}
}
