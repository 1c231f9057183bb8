package pipeline

import "depvet/orm"

// Aggregate request statuses beyond the per-package state names.
const (
	// AggregateIncomplete marks a request with at least one package stuck
	// in a stage failure awaiting manual retry or reject.
	AggregateIncomplete = "processing_incomplete"
	// AggregateMixed marks a request whose packages all finished but with
	// differing terminal outcomes.
	AggregateMixed = "mixed"
)

// Aggregate reduces the live package statuses of a request to one
// request-level status. Pure function of its input: order-independent
// and deterministic, so repeated status queries cannot disagree.
func Aggregate(statuses []orm.PackageStatus) string {
	if len(statuses) == 0 {
		// A request with nothing left to process is awaiting nothing.
		return string(orm.StatePendingApproval)
	}

	anyFailed := false
	allTerminal := true
	least := statuses[0].State

	for _, status := range statuses {
		if status.State.Failed() {
			anyFailed = true
		}
		if !status.State.Terminal() {
			allTerminal = false
		}
		if status.State.Rank() < least.Rank() {
			least = status.State
		}
	}

	if anyFailed {
		return AggregateIncomplete
	}

	if allTerminal {
		first := statuses[0].State
		for _, status := range statuses[1:] {
			if status.State != first {
				return AggregateMixed
			}
		}

		return string(first)
	}

	// Terminal packages never drag the aggregate backwards: the least
	// advanced in-flight state names where the request stands. Once every
	// package is at least scored, the request as a whole awaits approval.
	if least.Rank() >= orm.StatePendingApproval.Rank() {
		return string(orm.StatePendingApproval)
	}

	return string(least)
}
