// Package topic implements hierarchical topic names and subscription
// patterns. Topics are dotted paths of identifier segments; patterns extend
// topics with a single-segment wildcard `*` and a terminal multi-segment
// wildcard `**`.
package topic

import (
	"strings"

	amcp "github.com/amcp-project/amcp-go"
)

const (
	// Separator splits a topic into segments.
	Separator = "."
	// WildcardOne matches exactly one segment.
	WildcardOne = "*"
	// WildcardAny matches zero or more segments and is only valid as the
	// terminal segment of a pattern.
	WildcardAny = "**"
)

// DeadLetterPrefix is prepended to the original topic when the broker gives
// up redelivering an event.
const DeadLetterPrefix = "amcp.deadletter"

// Validate checks that a topic is well formed: non-empty dotted identifier
// segments, no wildcards.
func Validate(topic string) error {
	if topic == "" {
		return amcp.Errorf("topic.Validate", amcp.KindInvalidInput, "empty topic")
	}
	for _, seg := range strings.Split(topic, Separator) {
		if seg == "" {
			return amcp.Errorf("topic.Validate", amcp.KindInvalidInput, "empty segment in topic %q", topic)
		}
		if seg == WildcardOne || seg == WildcardAny {
			return amcp.Errorf("topic.Validate", amcp.KindInvalidInput, "wildcard in topic %q", topic)
		}
		if !validSegment(seg) {
			return amcp.Errorf("topic.Validate", amcp.KindInvalidInput, "invalid segment %q in topic %q", seg, topic)
		}
	}
	return nil
}

// ValidatePattern checks that a subscription pattern is well formed. `**` is
// rejected anywhere but the terminal position.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return amcp.Errorf("topic.ValidatePattern", amcp.KindInvalidInput, "empty pattern")
	}
	segs := strings.Split(pattern, Separator)
	for i, seg := range segs {
		switch {
		case seg == "":
			return amcp.Errorf("topic.ValidatePattern", amcp.KindInvalidInput, "empty segment in pattern %q", pattern)
		case seg == WildcardAny:
			if i != len(segs)-1 {
				return amcp.Errorf("topic.ValidatePattern", amcp.KindInvalidInput, "intermediate ** in pattern %q", pattern)
			}
		case seg == WildcardOne:
		case !validSegment(seg):
			return amcp.Errorf("topic.ValidatePattern", amcp.KindInvalidInput, "invalid segment %q in pattern %q", seg, pattern)
		}
	}
	return nil
}

// Matches reports whether a well-formed topic matches a well-formed pattern.
// Matching is literal and case-sensitive. Malformed inputs yield an
// invalid-input error so that the function stays total.
func Matches(topic, pattern string) (bool, error) {
	if err := Validate(topic); err != nil {
		return false, err
	}
	if err := ValidatePattern(pattern); err != nil {
		return false, err
	}
	return matchSegments(strings.Split(topic, Separator), strings.Split(pattern, Separator)), nil
}

func matchSegments(topicSegs, patternSegs []string) bool {
	for i, pseg := range patternSegs {
		if pseg == WildcardAny {
			// Terminal by construction: matches the rest, including nothing.
			return true
		}
		if i >= len(topicSegs) {
			return false
		}
		if pseg != WildcardOne && pseg != topicSegs[i] {
			return false
		}
	}
	return len(topicSegs) == len(patternSegs)
}

// DeadLetter returns the dead-letter topic for an original topic.
func DeadLetter(original string) string {
	return DeadLetterPrefix + Separator + original
}

func validSegment(seg string) bool {
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
