package license

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testPolicies() map[string]string {
	return map[string]string{
		"MIT":        string(TierAlwaysAllowed),
		"Apache-2.0": string(TierAlwaysAllowed),
		"MPL-2.0":    string(TierAllowed),
		"GPL-3.0":    string(TierAvoid),
		"AGPL-3.0":   string(TierBlocked),
	}
}

func TestResolveSingleIdentifier(t *testing.T) {
	cases := []struct {
		expr  string
		tier  Tier
		score float64
	}{
		{"MIT", TierAlwaysAllowed, ScoreAlwaysAllowed},
		{"MPL-2.0", TierAllowed, ScoreAllowed},
		{"GPL-3.0", TierAvoid, ScoreAvoid},
		{"AGPL-3.0", TierBlocked, ScoreBlocked},
		{"WTFPL", TierUnknown, ScoreUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			res := Resolve(tc.expr, testPolicies())
			assert.Equal(t, tc.tier, res.Tier)
			assert.Equal(t, tc.score, res.Score)
			assert.Equal(t, tc.expr, res.Display)
		})
	}
}

func TestResolveCompoundExpressions(t *testing.T) {
	// Best tier wins when nothing is blocked.
	res := Resolve("(MIT OR GPL-3.0)", testPolicies())
	assert.Equal(t, TierAlwaysAllowed, res.Tier)
	assert.Equal(t, ScoreAlwaysAllowed, res.Score)

	res = Resolve("GPL-3.0 AND MPL-2.0", testPolicies())
	assert.Equal(t, TierAllowed, res.Tier)

	// A blocked identifier blocks the whole expression, even behind OR.
	res = Resolve("(MIT OR AGPL-3.0)", testPolicies())
	assert.Equal(t, TierBlocked, res.Tier)
	assert.Equal(t, ScoreBlocked, res.Score)
}

func TestResolveUnknownMixedWithKnown(t *testing.T) {
	res := Resolve("(WTFPL OR MPL-2.0)", testPolicies())
	assert.Equal(t, TierAllowed, res.Tier)
	assert.Equal(t, ScoreAllowed, res.Score)
}

func TestResolveMissingMetadata(t *testing.T) {
	for _, expr := range []string{"", "   "} {
		res := Resolve(expr, testPolicies())
		assert.Equal(t, TierUnknown, res.Tier)
		assert.Equal(t, ScoreMissing, res.Score)
		assert.Equal(t, "Unknown", res.Display)
	}
}

func TestDefaultsCoverAllTiers(t *testing.T) {
	tiers := map[Tier]bool{}
	for _, def := range Defaults {
		tiers[def.Tier] = true
	}

	assert.True(t, tiers[TierAlwaysAllowed])
	assert.True(t, tiers[TierAllowed])
	assert.True(t, tiers[TierAvoid])
	assert.True(t, tiers[TierBlocked])
}
