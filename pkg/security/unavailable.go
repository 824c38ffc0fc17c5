package security

import (
	"context"

	"github.com/ghostinbox/ghostinbox/pkg/model"
)

// Unavailable is the Mitigator used when the ledger cannot be opened. Every
// tracked event is allowed; operator actions fail with ErrUnavailable.
type Unavailable struct {
	Cause error
}

func (Unavailable) TrackEmail(context.Context, string) Decision {
	return Decision{Allowed: true, Reason: ReasonUnavailable}
}

func (Unavailable) TrackConnection(context.Context, string) Decision {
	return Decision{Allowed: true, Reason: ReasonUnavailable}
}

func (Unavailable) IsBanned(context.Context, string) (bool, error) { return false, nil }

func (Unavailable) BanIP(context.Context, string, string, model.Severity, bool) (bool, error) {
	return false, ErrUnavailable
}

func (Unavailable) UnbanIP(context.Context, string) (bool, error) { return false, ErrUnavailable }

func (Unavailable) CleanupExpiredBans(context.Context) (int, error) { return 0, ErrUnavailable }

func (Unavailable) RecordEvent(context.Context, model.SecurityEvent) error { return ErrUnavailable }

func (Unavailable) Report(context.Context) (*model.SecurityReport, error) {
	return nil, ErrUnavailable
}

func (Unavailable) Available() bool { return false }

func (Unavailable) Close() error { return nil }
