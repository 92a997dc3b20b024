package preflight

import (
	"context"
	"fmt"
	"time"

	"github.com/omnipost/beam/internal/audience"
	"github.com/omnipost/beam/internal/broadcast"
	"github.com/omnipost/beam/internal/channel"
	"github.com/omnipost/beam/internal/compose"
	"github.com/omnipost/beam/internal/contact"
	"github.com/omnipost/beam/internal/eligibility"
)

// Report is the result of checking a broadcast before scheduling or sending.
// It never blocks on warnings; only hard failures make OK return false.
type Report struct {
	AudienceSize       int                 `json:"audience_size"`
	EligibleCount      int                 `json:"eligible_count"`
	IneligibleCount    int                 `json:"ineligible_count"`
	Reasons            map[string]int      `json:"reasons,omitempty"`
	ContentValid       bool                `json:"content_valid"`
	ContentErrors      []string            `json:"content_errors,omitempty"`
	UnsubscribePresent bool                `json:"unsubscribe_present"`
	Warnings           []string            `json:"warnings,omitempty"`
}

// OK reports whether the broadcast may proceed to scheduling or sending.
func (r *Report) OK() bool {
	return r.ContentValid && r.AudienceSize > 0
}

// Checker runs preflight validation.
type Checker struct {
	audience *audience.Engine
	channels *channel.Registry
}

func NewChecker(aud *audience.Engine, channels *channel.Registry) *Checker {
	return &Checker{audience: aud, channels: channels}
}

// Preview counts audience eligibility without touching content. Used by the
// audience-preview endpoint while a broadcast is still being drafted.
func (c *Checker) Preview(ctx context.Context, workspaceID string, ch channel.Channel, filters []audience.Predicate, isTemplate bool) (*Report, error) {
	pol, err := c.channels.PolicyFor(ch)
	if err != nil {
		return nil, err
	}
	if err := audience.ValidateAll(filters); err != nil {
		return nil, fmt.Errorf("invalid filters: %w", err)
	}

	report := &Report{
		ContentValid: true,
		Reasons:      make(map[string]int),
	}
	now := time.Now().UTC()
	windowRisk := 0
	err = c.audience.Each(ctx, workspaceID, ch, filters, func(ct *contact.Contact) error {
		report.AudienceSize++
		res := eligibility.Evaluate(ct, ch, pol, isTemplate, now)
		if res.Eligible {
			report.EligibleCount++
			if res.ComplianceWarning {
				windowRisk++
			}
		} else {
			report.IneligibleCount++
			report.Reasons[string(res.Reason)]++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audience scan: %w", err)
	}
	if windowRisk > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%d eligible contacts are outside the messaging window", windowRisk))
	}
	return report, nil
}

// Validate checks filters, content and audience in one pass. The eligibility
// counts are a point-in-time estimate; messaging windows shift between
// preflight and fire, so delivery re-evaluates per contact.
func (c *Checker) Validate(ctx context.Context, b *broadcast.Broadcast) (*Report, error) {
	pol, err := c.channels.PolicyFor(b.Channel)
	if err != nil {
		return nil, err
	}

	report := &Report{
		ContentValid: true,
		Reasons:      make(map[string]int),
	}

	if err := audience.ValidateAll(b.Filters); err != nil {
		return nil, fmt.Errorf("invalid filters: %w", err)
	}

	if len(b.Content) == 0 {
		report.ContentValid = false
		report.ContentErrors = append(report.ContentErrors, "content is empty")
	} else if err := compose.Validate(b.Content, pol); err != nil {
		report.ContentValid = false
		report.ContentErrors = append(report.ContentErrors, err.Error())
	}

	for _, w := range compose.Lint(b.Content) {
		report.Warnings = append(report.Warnings, w)
	}

	report.UnsubscribePresent = compose.HasUnsubscribe(b.Content, pol.Unsubscribe)
	if !report.UnsubscribePresent {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("no unsubscribe mechanism for %s found in content", b.Channel))
	}

	now := time.Now().UTC()
	windowRisk := 0
	err = c.audience.Each(ctx, b.WorkspaceID, b.Channel, b.Filters, func(ct *contact.Contact) error {
		report.AudienceSize++
		res := eligibility.Evaluate(ct, b.Channel, pol, b.IsTemplate, now)
		if res.Eligible {
			report.EligibleCount++
			if res.ComplianceWarning {
				windowRisk++
			}
		} else {
			report.IneligibleCount++
			report.Reasons[string(res.Reason)]++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audience scan: %w", err)
	}

	if windowRisk > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%d eligible contacts are outside the messaging window", windowRisk))
	}
	if report.AudienceSize == 0 {
		report.Warnings = append(report.Warnings, "audience is empty")
	}
	return report, nil
}
