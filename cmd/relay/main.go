// Command ghostinbox-relay is invoked by the MTA once per message. It reads
// the raw message on stdin and takes the envelope recipient from its first
// argument or ORIGINAL_RECIPIENT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ghostinbox/ghostinbox/pkg/config"
	"github.com/ghostinbox/ghostinbox/pkg/datastore"
	"github.com/ghostinbox/ghostinbox/pkg/logging"
	"github.com/ghostinbox/ghostinbox/pkg/relay"
	"github.com/ghostinbox/ghostinbox/pkg/security"
	"github.com/ghostinbox/ghostinbox/pkg/version"
)

// maxMessageBytes bounds what is read from stdin.
const maxMessageBytes = 50 << 20

var errMessageTooLarge = fmt.Errorf("message exceeds %d bytes", maxMessageBytes)

// readMessage reads the whole message from r. A message over limit bytes is
// rejected rather than forwarded truncated.
func readMessage(r io.Reader, limit int64) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > limit {
		return nil, errMessageTooLarge
	}
	return raw, nil
}

// messageContext bounds message handling by timeout. Zero means no deadline,
// leaving the MTA's pipe timeout in charge.
func messageContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", os.Getenv("GHOSTINBOX_CONFIG"), "YAML config file (optional)")
	timeout := flag.Duration("timeout", 0, "Give up on the message after this long (0 waits for sendmail)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Banner("ghostinbox-relay"))
		return 0
	}

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	logFile, err := logging.Setup(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
		File:   cfg.Log.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		return 1
	}
	defer func() { _ = logFile.Close() }()

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		return 1
	}

	recipient := strings.TrimSpace(flag.Arg(0))
	if recipient == "" {
		recipient = strings.TrimSpace(os.Getenv("ORIGINAL_RECIPIENT"))
	}
	if recipient == "" {
		slog.Error("no recipient: pass it as the first argument or set ORIGINAL_RECIPIENT")
		return 1
	}

	raw, err := readMessage(os.Stdin, maxMessageBytes)
	if errors.Is(err, errMessageTooLarge) {
		slog.Error("message rejected", "recipient", recipient, "err", err)
		return 1
	}
	if err != nil {
		slog.Error("read message", "err", err)
		return 1
	}

	st, err := datastore.NewProviderFactory(cfg.Database.Path)
	if err != nil {
		slog.Error("open database", "err", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	filter, err := security.NewPacketFilter(cfg.Security.PacketFilter, cfg.Security.IPTablesPath)
	if err != nil {
		slog.Error("packet filter", "err", err)
		return 1
	}
	mitigator := security.Open(cfg.SecurityDBPath(), cfg.Security.Policy, filter)
	defer func() { _ = mitigator.Close() }()

	router := relay.New(relay.Config{
		Domain:      cfg.Domain,
		Destination: cfg.Destination,
	}, relay.Deps{
		Store:       st.NonTx(),
		Mitigator:   mitigator,
		Transmitter: relay.Sendmail{Path: cfg.Sendmail.Path},
	})

	ctx, cancel := messageContext(*timeout)
	defer cancel()

	res := router.Handle(ctx, string(raw), recipient)
	if !res.Success {
		slog.Error("message not delivered", "reason", res.Reason)
		return 1
	}
	return 0
}
