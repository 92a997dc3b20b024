package audience

import (
	"fmt"
	"time"

	"github.com/omnipost/beam/internal/channel"
	"github.com/omnipost/beam/internal/contact"
)

// Field names a contact attribute a predicate can test.
type Field string

const (
	FieldTags       Field = "tags"
	FieldLastActive Field = "last_active"
	FieldOptIn      Field = "opt_in"
	FieldHasChannel Field = "has_channel"
	FieldLanguage   Field = "language"
)

// Op is a predicate operator. Which ops are valid depends on the field.
type Op string

const (
	OpIncludes  Op = "includes"
	OpExcludes  Op = "excludes"
	OpWithin    Op = "within"
	OpNotWithin Op = "not_within"
	OpEquals    Op = "equals"
	OpNotEquals Op = "not_equals"
	OpHas       Op = "has"
	OpNotHas    Op = "not_has"
)

// Predicate is one audience filter condition. Predicates combine with AND
// only; richer boolean composition is a documented limitation of the flat
// wire format.
type Predicate struct {
	Field Field  `json:"field"`
	Op    Op     `json:"op"`
	Value string `json:"value"`
}

var validOps = map[Field]map[Op]bool{
	FieldTags:       {OpIncludes: true, OpExcludes: true},
	FieldLastActive: {OpWithin: true, OpNotWithin: true},
	FieldOptIn:      {OpEquals: true},
	FieldHasChannel: {OpHas: true, OpNotHas: true},
	FieldLanguage:   {OpEquals: true, OpNotEquals: true},
}

// Validate checks predicate shape before it is persisted or evaluated.
func (p Predicate) Validate() error {
	ops, ok := validOps[p.Field]
	if !ok {
		return fmt.Errorf("unknown filter field: %q", p.Field)
	}
	if !ops[p.Op] {
		return fmt.Errorf("operator %q not valid for field %q", p.Op, p.Field)
	}

	switch p.Field {
	case FieldLastActive:
		if _, err := time.ParseDuration(p.Value); err != nil {
			return fmt.Errorf("field %q: value must be a duration: %w", p.Field, err)
		}
	case FieldHasChannel:
		if _, err := channel.Parse(p.Value); err != nil {
			return fmt.Errorf("field %q: %w", p.Field, err)
		}
	case FieldOptIn:
		if p.Value != "true" && p.Value != "false" {
			return fmt.Errorf("field %q: value must be true or false", p.Field)
		}
	default:
		if p.Value == "" {
			return fmt.Errorf("field %q: value is required", p.Field)
		}
	}
	return nil
}

// ValidateAll validates every predicate in a filter list.
func ValidateAll(preds []Predicate) error {
	for i, p := range preds {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("filter %d: %w", i, err)
		}
	}
	return nil
}

// Matches evaluates one predicate against a contact for a broadcast channel.
// The caller guarantees the predicate validated.
func (p Predicate) Matches(c *contact.Contact, ch channel.Channel, now time.Time) bool {
	switch p.Field {
	case FieldTags:
		has := c.HasTag(p.Value)
		if p.Op == OpIncludes {
			return has
		}
		return !has

	case FieldLastActive:
		d, _ := time.ParseDuration(p.Value)
		last := c.LastInbound[ch]
		within := !last.IsZero() && now.Sub(last) <= d
		if p.Op == OpWithin {
			return within
		}
		return !within

	case FieldOptIn:
		optedIn := !c.OptedOut[ch]
		return (p.Value == "true") == optedIn

	case FieldHasChannel:
		target := channel.Channel(p.Value)
		_, has := c.Identity(target)
		if p.Op == OpHas {
			return has
		}
		return !has

	case FieldLanguage:
		eq := c.Language == p.Value
		if p.Op == OpEquals {
			return eq
		}
		return !eq
	}
	return false
}
