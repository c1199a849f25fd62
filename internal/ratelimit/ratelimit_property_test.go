package ratelimit

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: no burst of requests can push a user past the configured limit
// within one window.
func TestProperty_MessageLimiterNeverExceedsLimit(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("allowed count within one window never exceeds the limit", prop.ForAll(
		func(limit, attempts int) bool {
			ml := NewMessageLimiter(time.Minute, limit)

			allowed := 0
			for i := 0; i < attempts; i++ {
				if ml.Allow("alice") {
					allowed++
				}
			}

			expected := attempts
			if expected > limit {
				expected = limit
			}
			return allowed == expected
		},
		gen.IntRange(1, 50),
		gen.IntRange(0, 200),
	))

	properties.TestingRun(t)
}

// Property: after any interleaving of acquires and releases, the tracked
// count equals successful acquires minus effective releases and never exceeds
// the cap.
func TestProperty_ConnectionLimiterBalanced(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("count tracks acquires minus releases, capped", prop.ForAll(
		func(maxPerUser int, ops []bool) bool {
			cl := NewConnectionLimiter(maxPerUser)

			held := 0
			for _, acquire := range ops {
				if acquire {
					if cl.Acquire("alice") {
						held++
					}
					if held > maxPerUser {
						return false
					}
					continue
				}

				cl.Release("alice")
				if held > 0 {
					held--
				}
			}

			return cl.Count("alice") == held
		},
		gen.IntRange(1, 10),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
