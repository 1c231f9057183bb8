// Package license resolves declared license expressions against the
// policy table and maps the outcome to a license score.
package license

import (
	"strings"
)

// Tier is one of the four policy classifications plus the implicit
// "unknown" for identifiers with no policy entry.
type Tier string

const (
	TierAlwaysAllowed Tier = "always_allowed"
	TierAllowed       Tier = "allowed"
	TierAvoid         Tier = "avoid"
	TierBlocked       Tier = "blocked"
	TierUnknown       Tier = "unknown"
)

// Score bands per tier. Unknown licenses score mid-range and are flagged
// for human review instead of auto-rejected; missing metadata scores low
// but nonzero and is never a pipeline failure.
const (
	ScoreAlwaysAllowed = 100.0
	ScoreAllowed       = 90.0
	ScoreAvoid         = 40.0
	ScoreBlocked       = 0.0
	ScoreUnknown       = 60.0
	ScoreMissing       = 50.0
)

// Resolution is the policy outcome for one declared license expression.
type Resolution struct {
	Tier    Tier
	Score   float64
	Display string
}

var tierRank = map[Tier]int{
	TierUnknown:       0,
	TierAvoid:         1,
	TierAllowed:       2,
	TierAlwaysAllowed: 3,
}

// Resolve splits a possibly compound SPDX-style expression into
// individual identifiers and reduces them against the policy table.
// Any blocked identifier blocks the whole expression; otherwise the
// best tier present wins. Policies maps license id to tier string.
func Resolve(expr string, policies map[string]string) Resolution {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Resolution{Tier: TierUnknown, Score: ScoreMissing, Display: "Unknown"}
	}

	ids := splitExpression(expr)

	best := TierUnknown
	for _, id := range ids {
		tier := TierUnknown
		if t, ok := policies[id]; ok {
			tier = Tier(t)
		}

		if tier == TierBlocked {
			// Conservative: one blocked identifier blocks the package
			// regardless of OR alternatives.
			return Resolution{Tier: TierBlocked, Score: ScoreBlocked, Display: expr}
		}

		if tierRank[tier] > tierRank[best] {
			best = tier
		}
	}

	return Resolution{Tier: best, Score: scoreFor(best), Display: expr}
}

func scoreFor(tier Tier) float64 {
	switch tier {
	case TierAlwaysAllowed:
		return ScoreAlwaysAllowed
	case TierAllowed:
		return ScoreAllowed
	case TierAvoid:
		return ScoreAvoid
	case TierBlocked:
		return ScoreBlocked
	default:
		return ScoreUnknown
	}
}

// splitExpression reduces "(MIT OR Apache-2.0)" style expressions to
// their individual identifiers. Parentheses are noise for policy
// purposes; OR/AND connectives are dropped.
func splitExpression(expr string) []string {
	cleaned := strings.NewReplacer("(", " ", ")", " ").Replace(expr)

	var ids []string
	for _, token := range strings.Fields(cleaned) {
		switch strings.ToUpper(token) {
		case "OR", "AND", "WITH":
			continue
		}
		ids = append(ids, token)
	}

	return ids
}

// Default is one seed entry for the policy table.
type Default struct {
	ID   string
	Name string
	Tier Tier
}

// Defaults seed the policy table on first start; operator edits are
// never overwritten.
var Defaults = []Default{
	{ID: "MIT", Name: "MIT License", Tier: TierAlwaysAllowed},
	{ID: "ISC", Name: "ISC License", Tier: TierAlwaysAllowed},
	{ID: "Apache-2.0", Name: "Apache License 2.0", Tier: TierAlwaysAllowed},
	{ID: "BSD-2-Clause", Name: "BSD 2-Clause License", Tier: TierAlwaysAllowed},
	{ID: "BSD-3-Clause", Name: "BSD 3-Clause License", Tier: TierAlwaysAllowed},
	{ID: "MPL-2.0", Name: "Mozilla Public License 2.0", Tier: TierAllowed},
	{ID: "LGPL-2.1", Name: "GNU LGPL v2.1", Tier: TierAvoid},
	{ID: "LGPL-3.0", Name: "GNU LGPL v3.0", Tier: TierAvoid},
	{ID: "GPL-2.0", Name: "GNU GPL v2.0", Tier: TierAvoid},
	{ID: "GPL-3.0", Name: "GNU GPL v3.0", Tier: TierAvoid},
	{ID: "AGPL-3.0", Name: "GNU AGPL v3.0", Tier: TierBlocked},
	{ID: "SSPL-1.0", Name: "Server Side Public License", Tier: TierBlocked},
}
