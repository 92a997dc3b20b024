package eligibility

import (
	"time"

	"github.com/omnipost/beam/internal/channel"
	"github.com/omnipost/beam/internal/contact"
)

// Reason codes for ineligible contacts. These surface verbatim in API
// responses and aggregate counters.
type Reason string

const (
	ReasonOutsideWindow     Reason = "outside_window"
	ReasonOptedOut          Reason = "opted_out"
	ReasonNoChannelIdentity Reason = "no_channel_identity"
	ReasonMissingTemplate   Reason = "missing_template"
)

// Human returns the author-facing explanation for a reason code.
func (r Reason) Human() string {
	switch r {
	case ReasonOutsideWindow:
		return "last interaction is outside the channel's messaging window"
	case ReasonOptedOut:
		return "contact has opted out on this channel"
	case ReasonNoChannelIdentity:
		return "contact has no identity on this channel"
	case ReasonMissingTemplate:
		return "channel requires an approved template outside the messaging window"
	default:
		return string(r)
	}
}

// Result is the per-contact, per-channel send decision.
type Result struct {
	Eligible bool
	Reason   Reason

	// ComplianceWarning marks contacts that are outside the channel's
	// advisory window but still sendable; surfaced at preflight, not
	// enforced at send time.
	ComplianceWarning bool
}

// Evaluate decides SEND/SKIP for one contact. First matching rule wins:
// missing identity, opt-out, then window state against the channel policy.
func Evaluate(c *contact.Contact, ch channel.Channel, pol channel.Policy, isTemplate bool, now time.Time) Result {
	if _, ok := c.Identity(ch); !ok {
		return Result{Reason: ReasonNoChannelIdentity}
	}

	if c.OptedOut[ch] {
		return Result{Reason: ReasonOptedOut}
	}

	if pol.WindowDuration > 0 {
		last := c.LastInbound[ch]
		outside := last.IsZero() || now.Sub(last) > pol.WindowDuration
		if outside {
			switch {
			case pol.WindowEnforced && pol.RequiresTemplateOutsideWindow && !isTemplate:
				return Result{Reason: ReasonMissingTemplate}
			case pol.WindowEnforced && !pol.RequiresTemplateOutsideWindow:
				return Result{Reason: ReasonOutsideWindow}
			case !pol.WindowEnforced:
				return Result{Eligible: true, ComplianceWarning: true}
			}
		}
	}

	return Result{Eligible: true}
}
