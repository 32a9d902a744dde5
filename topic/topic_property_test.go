package topic

import (
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genSegment produces a valid topic segment.
func genSegment() gopter.Gen {
	return gen.RegexMatch(`[a-z][a-z0-9_-]{0,7}`)
}

// genTopic produces a valid topic of 1..5 segments.
func genTopic() gopter.Gen {
	return gen.SliceOfN(5, genSegment()).FlatMap(func(v interface{}) gopter.Gen {
		segs := v.([]string)
		return gen.IntRange(1, len(segs)).Map(func(n int) string {
			return strings.Join(segs[:n], Separator)
		})
	}, reflect.TypeOf(""))
}

// TestMatchTotalityProperty: for every well-formed topic, Matches terminates
// and returns a boolean without error, and the universal pattern ** matches.
func TestMatchTotalityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("** matches every well-formed topic", prop.ForAll(
		func(topic string) bool {
			ok, err := Matches(topic, WildcardAny)
			return err == nil && ok
		},
		genTopic(),
	))

	properties.Property("a topic matches itself as a pattern", prop.ForAll(
		func(topic string) bool {
			ok, err := Matches(topic, topic)
			return err == nil && ok
		},
		genTopic(),
	))

	properties.Property("replacing the last segment with * still matches", prop.ForAll(
		func(topic string) bool {
			segs := strings.Split(topic, Separator)
			segs[len(segs)-1] = WildcardOne
			ok, err := Matches(topic, strings.Join(segs, Separator))
			return err == nil && ok
		},
		genTopic(),
	))

	properties.Property("a longer topic never matches a shorter exact pattern", prop.ForAll(
		func(topic string, extra string) bool {
			longer := topic + Separator + extra
			ok, err := Matches(longer, topic)
			return err == nil && !ok
		},
		genTopic(), genSegment(),
	))

	properties.TestingRun(t)
}
