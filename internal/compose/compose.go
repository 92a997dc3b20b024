package compose

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/omnipost/beam/internal/channel"
	"github.com/omnipost/beam/internal/contact"
)

const (
	maxButtons      = 3
	maxQuickReplies = 10
)

// Button is one call-to-action inside a buttons block.
type Button struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Block is one element of broadcast content. Type decides which fields are
// meaningful; this flat shape matches the stored JSON document.
type Block struct {
	Type         channel.BlockType `json:"type"`
	Body         string            `json:"body,omitempty"`
	URL          string            `json:"url,omitempty"`
	Buttons      []Button          `json:"buttons,omitempty"`
	QuickReplies []string          `json:"quick_replies,omitempty"`
}

// Payload is the rendered, channel-ready message for one contact.
type Payload struct {
	Blocks []Block `json:"blocks"`
	// Text is the concatenation of rendered text bodies, used by
	// single-string transports (SMS, email body).
	Text string `json:"text"`
}

// Hash returns a stable digest of the payload, recorded on the delivery
// attempt so replays can be audited.
func (p *Payload) Hash() string {
	data, _ := json.Marshal(p)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidationError reports content that violates a channel policy. It is a
// caller error, never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// varPattern matches {{variable}} personalization tokens.
var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

var knownVariables = map[string]bool{
	"first_name": true,
	"last_name":  true,
	"full_name":  true,
	"email":      true,
	"phone":      true,
}

// Validate checks blocks against a channel policy without rendering.
func Validate(blocks []Block, pol channel.Policy) error {
	if len(blocks) == 0 {
		return validationErrorf("content is empty")
	}

	total := 0
	for i, b := range blocks {
		if !pol.SupportedBlocks[b.Type] {
			return validationErrorf("block %d: type %q not supported on %s", i, b.Type, pol.Channel)
		}
		switch b.Type {
		case channel.BlockText:
			total += len(b.Body)
		case channel.BlockImage, channel.BlockVideo:
			if b.URL == "" {
				return validationErrorf("block %d: %s requires a url", i, b.Type)
			}
		case channel.BlockButtons:
			if len(b.Buttons) == 0 {
				return validationErrorf("block %d: buttons block is empty", i)
			}
			if len(b.Buttons) > maxButtons {
				return validationErrorf("block %d: at most %d buttons allowed", i, maxButtons)
			}
			for _, btn := range b.Buttons {
				if btn.Label == "" {
					return validationErrorf("block %d: button label is required", i)
				}
			}
		case channel.BlockQuickReplies:
			if len(b.QuickReplies) == 0 {
				return validationErrorf("block %d: quick replies block is empty", i)
			}
			if len(b.QuickReplies) > maxQuickReplies {
				return validationErrorf("block %d: at most %d quick replies allowed", i, maxQuickReplies)
			}
		}
	}

	if total > pol.MaxContentLength {
		return validationErrorf("text length %d exceeds %s limit of %d", total, pol.Channel, pol.MaxContentLength)
	}
	return nil
}

// Render validates blocks and substitutes personalization variables from the
// contact. Pure: same inputs always produce the same payload, so a retried
// send re-renders safely. Unknown variables are kept verbatim; Lint surfaces
// them as authoring warnings.
func Render(blocks []Block, pol channel.Policy, c *contact.Contact) (*Payload, error) {
	if err := Validate(blocks, pol); err != nil {
		return nil, err
	}

	vars := contactVariables(c)
	out := make([]Block, len(blocks))
	var texts []string
	total := 0

	for i, b := range blocks {
		rb := b
		if b.Type == channel.BlockText {
			rb.Body = substitute(b.Body, vars)
			texts = append(texts, rb.Body)
			total += len(rb.Body)
		}
		out[i] = rb
	}

	// Substitution can grow the text past the channel limit.
	if total > pol.MaxContentLength {
		return nil, validationErrorf("rendered text length %d exceeds %s limit of %d", total, pol.Channel, pol.MaxContentLength)
	}

	return &Payload{Blocks: out, Text: strings.Join(texts, "\n")}, nil
}

// Lint returns authoring warnings: tokens that look like variables but are
// not recognized. They render verbatim, which is usually a typo.
func Lint(blocks []Block) []string {
	var warnings []string
	seen := map[string]bool{}

	for _, b := range blocks {
		if b.Type != channel.BlockText {
			continue
		}
		for _, m := range varPattern.FindAllStringSubmatch(b.Body, -1) {
			name := strings.TrimSpace(m[1])
			if !knownVariables[name] && !seen[name] {
				seen[name] = true
				warnings = append(warnings, fmt.Sprintf("unknown variable {{%s}} will be sent as literal text", name))
			}
		}
	}
	return warnings
}

// HasUnsubscribe reports whether the content carries the channel's
// unsubscribe mechanism. This is recomputed from content every time, never
// tracked as a stateful flag.
func HasUnsubscribe(blocks []Block, mech channel.UnsubscribeMechanism) bool {
	switch mech {
	case channel.UnsubStopReply:
		for _, b := range blocks {
			for _, qr := range b.QuickReplies {
				if strings.EqualFold(strings.TrimSpace(qr), "stop") {
					return true
				}
			}
		}
		return false
	case channel.UnsubStopKeyword:
		return textContainsWord(blocks, "stop")
	case channel.UnsubStopCommand:
		return textContains(blocks, "/stop")
	case channel.UnsubLink:
		return textContains(blocks, "unsubscribe")
	default:
		return false
	}
}

func textContains(blocks []Block, substr string) bool {
	for _, b := range blocks {
		if b.Type == channel.BlockText && strings.Contains(strings.ToLower(b.Body), substr) {
			return true
		}
	}
	return false
}

func textContainsWord(blocks []Block, word string) bool {
	for _, b := range blocks {
		if b.Type != channel.BlockText {
			continue
		}
		for _, f := range strings.Fields(strings.ToLower(b.Body)) {
			if strings.Trim(f, ".,!?:;\"'") == word {
				return true
			}
		}
	}
	return false
}

func contactVariables(c *contact.Contact) map[string]string {
	if c == nil {
		return map[string]string{}
	}
	full := strings.TrimSpace(c.FirstName + " " + c.LastName)
	return map[string]string{
		"first_name": c.FirstName,
		"last_name":  c.LastName,
		"full_name":  full,
		"email":      c.Email,
		"phone":      c.Phone,
	}
}

// substitute replaces {{variable}} tokens; unknown variables stay verbatim.
func substitute(body string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(body, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
}
