package storetest

import (
	"fmt"

	"github.com/google/go-cmp/cmp"

	"github.com/go-twinstack/go-twinstack"
)

// An observation carries whatever a test-case's step saw; only the fields
// relevant to the case's checks are set.
type observation struct {
	doc    *document
	search *twinstack.SearchResult
	bulk   *twinstack.BulkResult
	groups []twinstack.AggregationGroup
}

// A check is any function that returns unexpected problems with the given
// observation.
type check func(observation) (problem string)

// Checks that the fetched document carries the expected name.
func docNamed(want string) check {
	return func(obs observation) string {
		if obs.doc == nil {
			return "no document observed"
		}
		if obs.doc.Name != want {
			return fmt.Sprintf(".Name = %q, want %q", obs.doc.Name, want)
		}
		return ""
	}
}

// Checks that the search returned exactly the given hits, in order.
//
// We identify hits by their document id; the ordering is part of the contract
// because the engine pages through sorted results.
func hitIDs(want ...string) check {
	return func(obs observation) string {
		if obs.search == nil {
			return "no search result observed"
		}
		got := make([]string, len(obs.search.Hits))
		for i, hit := range obs.search.Hits {
			got[i] = hit.ID
		}
		if diff := cmp.Diff(want, got); diff != "" {
			return fmt.Sprintf("hit ids mismatch (-want +got):\n%v", diff)
		}
		return ""
	}
}

// Checks that the search counted all matches, not just the returned page.
func totalIs(want int) check {
	return func(obs observation) string {
		if obs.search == nil {
			return "no search result observed"
		}
		if obs.search.Total != want {
			return fmt.Sprintf(".Total = %v, want %v", obs.search.Total, want)
		}
		return ""
	}
}

// Checks the per-item outcome of a bulk write: how many items committed and
// which ids were rejected.
func bulkOutcome(successes int, rejected ...string) check {
	return func(obs observation) string {
		if obs.bulk == nil {
			return "no bulk result observed"
		}
		if obs.bulk.Successes != successes {
			return fmt.Sprintf(".Successes = %v, want %v", obs.bulk.Successes, successes)
		}
		got := make([]string, len(obs.bulk.Errors))
		for i, e := range obs.bulk.Errors {
			got[i] = e.ID
		}
		want := append([]string(nil), rejected...)
		if diff := cmp.Diff(want, got); diff != "" {
			return fmt.Sprintf("rejected ids mismatch (-want +got):\n%v", diff)
		}
		return ""
	}
}

// Checks the number of groups in an aggregation result.
func groupCount(want int) check {
	return func(obs observation) string {
		if len(obs.groups) != want {
			return fmt.Sprintf("len(groups) = %v, want %v", len(obs.groups), want)
		}
		return ""
	}
}

// Checks that the group with the given keys holds exactly the given hits, in
// order.
func groupHits(keys []string, want ...string) check {
	return func(obs observation) string {
		for _, group := range obs.groups {
			if diff := cmp.Diff(keys, group.Keys); diff != "" {
				continue
			}
			got := make([]string, len(group.Hits))
			for i, hit := range group.Hits {
				got[i] = hit.ID
			}
			if diff := cmp.Diff(want, got); diff != "" {
				return fmt.Sprintf("group %v hits mismatch (-want +got):\n%v", keys, diff)
			}
			return ""
		}
		return fmt.Sprintf("no group with keys %v", keys)
	}
}
