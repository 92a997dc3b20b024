package channel

import (
	"fmt"
	"time"
)

// BlockType identifies a kind of content block.
type BlockType string

const (
	BlockText         BlockType = "text"
	BlockImage        BlockType = "image"
	BlockVideo        BlockType = "video"
	BlockButtons      BlockType = "buttons"
	BlockQuickReplies BlockType = "quick_replies"
)

// UnsubscribeMechanism is how recipients opt out on a channel.
type UnsubscribeMechanism string

const (
	UnsubStopReply   UnsubscribeMechanism = "stop_reply"   // quick reply or keyword "stop"
	UnsubStopKeyword UnsubscribeMechanism = "stop_keyword" // "STOP" keyword in the text body
	UnsubStopCommand UnsubscribeMechanism = "stop_command" // bot command "/stop"
	UnsubLink        UnsubscribeMechanism = "unsubscribe_link"
)

// Policy holds the per-channel delivery constraints. All channel-specific
// behavior is driven from here; the rest of the engine is channel-agnostic.
type Policy struct {
	Channel          Channel
	MaxContentLength int
	SupportedBlocks  map[BlockType]bool

	// WindowDuration is the platform messaging window measured from the
	// contact's last inbound message. Zero means the channel has no window.
	WindowDuration time.Duration

	// WindowEnforced means the platform rejects out-of-window sends outright.
	// When false the window is a compliance norm only, surfaced at preflight.
	WindowEnforced bool

	// RequiresTemplateOutsideWindow allows out-of-window sends when the
	// broadcast uses a pre-approved template (WhatsApp semantics).
	RequiresTemplateOutsideWindow bool

	Unsubscribe UnsubscribeMechanism

	// Delivery tuning. Defaults here, overridable per channel in config.
	Workers     int
	RatePerSec  int
	SendTimeout time.Duration
}

func blocks(types ...BlockType) map[BlockType]bool {
	m := make(map[BlockType]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}

// defaults returns the built-in policy table. The window durations and
// template semantics encode each platform's published policy at the time of
// writing; confirm against current platform policy before changing them.
func defaults() map[Channel]Policy {
	return map[Channel]Policy{
		Messenger: {
			Channel:          Messenger,
			MaxContentLength: 2000,
			SupportedBlocks:  blocks(BlockText, BlockImage, BlockVideo, BlockButtons, BlockQuickReplies),
			WindowDuration:   24 * time.Hour,
			WindowEnforced:   true,
			Unsubscribe:      UnsubStopReply,
			Workers:          8,
			RatePerSec:       20,
			SendTimeout:      15 * time.Second,
		},
		Instagram: {
			Channel:          Instagram,
			MaxContentLength: 1000,
			SupportedBlocks:  blocks(BlockText, BlockImage, BlockQuickReplies),
			WindowDuration:   24 * time.Hour,
			WindowEnforced:   true,
			Unsubscribe:      UnsubStopReply,
			Workers:          4,
			RatePerSec:       10,
			SendTimeout:      15 * time.Second,
		},
		WhatsApp: {
			Channel:                       WhatsApp,
			MaxContentLength:              4096,
			SupportedBlocks:               blocks(BlockText, BlockImage, BlockVideo, BlockButtons),
			WindowDuration:                24 * time.Hour,
			WindowEnforced:                true,
			RequiresTemplateOutsideWindow: true,
			Unsubscribe:                   UnsubStopReply,
			Workers:                       8,
			RatePerSec:                    20,
			SendTimeout:                   15 * time.Second,
		},
		Telegram: {
			Channel:          Telegram,
			MaxContentLength: 4096,
			SupportedBlocks:  blocks(BlockText, BlockImage, BlockVideo, BlockButtons),
			// Telegram tolerates out-of-window sends; the window is a
			// compliance norm surfaced at preflight, not a hard block.
			WindowDuration: 24 * time.Hour,
			WindowEnforced: false,
			Unsubscribe:    UnsubStopCommand,
			Workers:        8,
			RatePerSec:     25,
			SendTimeout:    10 * time.Second,
		},
		SMS: {
			Channel:          SMS,
			MaxContentLength: 1600,
			SupportedBlocks:  blocks(BlockText),
			Unsubscribe:      UnsubStopKeyword,
			Workers:          16,
			RatePerSec:       50,
			SendTimeout:      10 * time.Second,
		},
		Email: {
			Channel:          Email,
			MaxContentLength: 100000,
			SupportedBlocks:  blocks(BlockText, BlockImage, BlockButtons),
			Unsubscribe:      UnsubLink,
			Workers:          16,
			RatePerSec:       50,
			SendTimeout:      30 * time.Second,
		},
	}
}

// Registry is a read-only lookup of channel policies.
type Registry struct {
	policies map[Channel]Policy
}

// Override adjusts the tunable delivery parameters of one channel.
type Override struct {
	Workers     int
	RatePerSec  int
	SendTimeout time.Duration
}

// NewRegistry builds the policy table, applying config overrides. An override
// for an unknown channel is a configuration error, caught here at startup.
func NewRegistry(overrides map[string]Override) (*Registry, error) {
	policies := defaults()
	for name, ov := range overrides {
		ch, err := Parse(name)
		if err != nil {
			return nil, fmt.Errorf("channel override: %w", err)
		}
		pol := policies[ch]
		if ov.Workers > 0 {
			pol.Workers = ov.Workers
		}
		if ov.RatePerSec > 0 {
			pol.RatePerSec = ov.RatePerSec
		}
		if ov.SendTimeout > 0 {
			pol.SendTimeout = ov.SendTimeout
		}
		policies[ch] = pol
	}
	return &Registry{policies: policies}, nil
}

// PolicyFor returns the policy for a channel.
func (r *Registry) PolicyFor(ch Channel) (Policy, error) {
	pol, ok := r.policies[ch]
	if !ok {
		return Policy{}, fmt.Errorf("no policy for channel %q", ch)
	}
	return pol, nil
}
