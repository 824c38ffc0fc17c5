package security_test

import (
	"testing"
	"time"

	"github.com/ghostinbox/ghostinbox/pkg/model"
	"github.com/ghostinbox/ghostinbox/pkg/security"
)

func TestDefaultPolicyValid(t *testing.T) {
	if err := security.DefaultPolicy().Validate(); err != nil {
		t.Fatalf("DefaultPolicy().Validate(): unexpected error: %v", err)
	}
}

func TestPolicyValidate(t *testing.T) {
	t.Parallel()

	type tcase struct {
		mutate func(p *security.Policy)
	}

	tests := map[string]tcase{
		"zero minute limit":   {mutate: func(p *security.Policy) { p.Limits.EmailsPerMinute = 0 }},
		"negative conn limit": {mutate: func(p *security.Policy) { p.Limits.ConnectionsPerHour = -1 }},
		"zero ban duration":   {mutate: func(p *security.Policy) { p.BanDurations.Medium = 0 }},
		"zero rapid window":   {mutate: func(p *security.Policy) { p.Permanent.RapidWindow = 0 }},
		"bad whitelist entry": {mutate: func(p *security.Policy) { p.Whitelist = append(p.Whitelist, "localhost") }},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			p := security.DefaultPolicy()
			tc.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Errorf("Validate: expected error")
			}
		})
	}
}

func TestTierDuration(t *testing.T) {
	p := security.DefaultPolicy()
	tests := []struct {
		severity model.Severity
		want     time.Duration
	}{
		{model.SeverityLight, 30 * time.Minute},
		{model.SeverityMedium, 2 * time.Hour},
		{model.SeverityHeavy, 24 * time.Hour},
	}
	for _, tt := range tests {
		if got := p.TierDuration(tt.severity); got != tt.want {
			t.Errorf("TierDuration(%s) = %s, want %s", tt.severity, got, tt.want)
		}
	}
}

func TestExtendDuration(t *testing.T) {
	tests := []struct {
		existing, tier, want time.Duration
	}{
		{2 * time.Hour, 30 * time.Minute, 3 * time.Hour},
		{30 * time.Minute, 24 * time.Hour, 24 * time.Hour},
		{time.Hour, 90 * time.Minute, 90 * time.Minute},
		{0, 30 * time.Minute, 30 * time.Minute},
	}
	for _, tt := range tests {
		if got := security.ExtendDuration(tt.existing, tt.tier); got != tt.want {
			t.Errorf("ExtendDuration(%s, %s) = %s, want %s", tt.existing, tt.tier, got, tt.want)
		}
	}
}
