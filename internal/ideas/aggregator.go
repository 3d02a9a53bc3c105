// Package ideas builds the canonical idea list and vote tallies of a workshop
// from incremental stream events, reconciled against authoritative snapshots.
package ideas

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dyluth/atelier/pkg/workshop"
	"github.com/google/uuid"
)

const (
	// MinSelection is the smallest number of ideas that may progress past Convergence.
	MinSelection = 3

	// MaxSelection is the largest number of ideas that may progress past Convergence.
	MaxSelection = 5
)

// Aggregator holds the ideas, the live vote log and the idea selection.
//
// Stream events only ever add provisional records. A snapshot from the
// backend replaces the collection wholesale; once the run has been
// reconciled the aggregator is sealed and ignores further stream events
// until it is unsealed for a new run.
//
// Aggregator is not safe for concurrent use; its owner serializes access.
type Aggregator struct {
	ideas         []workshop.Idea
	byID          map[string]int
	byContent     map[string]string
	votes         []workshop.Vote
	tally         map[string]int
	selected      []string
	sealed        bool
	authoritative bool

	newID func() string
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	a := &Aggregator{
		newID: func() string { return uuid.New().String() },
	}
	a.Reset()
	return a
}

// Reset discards all ideas, votes and the selection, and unseals.
// Used when the workshop moves to another phase.
func (a *Aggregator) Reset() {
	a.ideas = nil
	a.byID = map[string]int{}
	a.byContent = map[string]string{}
	a.votes = nil
	a.tally = map[string]int{}
	a.selected = nil
	a.sealed = false
	a.authoritative = false
}

// Apply folds one stream event into the collections.
// Returns true if the event changed anything.
func (a *Aggregator) Apply(ev workshop.Event) bool {
	if a.sealed {
		return false
	}

	switch p := ev.Payload.(type) {
	case workshop.IdeaGenerated:
		return a.insert(p.Idea)
	case workshop.VoteCast:
		return a.vote(p.Vote)
	default:
		return false
	}
}

// insert adds a provisional idea unless a record with the same id already
// exists. An idea without a usable id is matched by content and author
// instead. Duplicates are discarded, never merged.
func (a *Aggregator) insert(idea workshop.Idea) bool {
	key, hasContent := contentKey(idea)
	if workshop.UsableID(idea.ID) {
		if _, exists := a.byID[idea.ID]; exists {
			return false
		}
	} else {
		if hasContent {
			if _, exists := a.byContent[key]; exists {
				return false
			}
		}
		idea.ID = a.newID()
	}

	if idea.VotesCount < 0 {
		idea.VotesCount = 0
	}
	idea.Provisional = true
	a.add(idea, key, hasContent)
	return true
}

func (a *Aggregator) add(idea workshop.Idea, key string, hasContent bool) {
	a.byID[idea.ID] = len(a.ideas)
	if hasContent {
		if _, taken := a.byContent[key]; !taken {
			a.byContent[key] = idea.ID
		}
	}
	a.ideas = append(a.ideas, idea)
}

// vote appends v to the log and adds its weight to the idea's count. Votes
// for ideas not yet known still count in the live tally.
func (a *Aggregator) vote(v workshop.Vote) bool {
	if !workshop.UsableID(v.IdeaID) {
		return false
	}

	weight := v.Value.Weight()
	a.votes = append(a.votes, v)
	a.tally[v.IdeaID] += weight

	if i, ok := a.byID[v.IdeaID]; ok {
		a.ideas[i].VotesCount += weight
	}
	return true
}

// ReplaceIdeas makes snapshot the idea collection, discarding every
// provisional record. The selection is pruned to ideas that still exist.
func (a *Aggregator) ReplaceIdeas(snapshot []workshop.Idea) {
	a.ideas = make([]workshop.Idea, 0, len(snapshot))
	a.byID = make(map[string]int, len(snapshot))
	a.byContent = make(map[string]string, len(snapshot))

	for _, idea := range snapshot {
		if !workshop.UsableID(idea.ID) {
			idea.ID = a.newID()
		}
		if _, exists := a.byID[idea.ID]; exists {
			continue
		}
		if idea.VotesCount < 0 {
			idea.VotesCount = 0
		}
		idea.Provisional = false

		key, hasContent := contentKey(idea)
		a.add(idea, key, hasContent)
	}
	a.authoritative = true

	kept := a.selected[:0]
	for _, id := range a.selected {
		if _, ok := a.byID[id]; ok {
			kept = append(kept, id)
		}
	}
	a.selected = kept
}

// DropProvisional removes every idea that did not come from a snapshot,
// leaving the collection as the last snapshot had it. Returns the number of
// ideas removed.
func (a *Aggregator) DropProvisional() int {
	kept := make([]workshop.Idea, 0, len(a.ideas))
	for _, idea := range a.ideas {
		if !idea.Provisional {
			kept = append(kept, idea)
		}
	}
	dropped := len(a.ideas) - len(kept)
	if dropped == 0 {
		return 0
	}

	a.ideas = nil
	a.byID = make(map[string]int, len(kept))
	a.byContent = make(map[string]string, len(kept))
	for _, idea := range kept {
		key, hasContent := contentKey(idea)
		a.add(idea, key, hasContent)
	}

	selected := a.selected[:0]
	for _, id := range a.selected {
		if _, ok := a.byID[id]; ok {
			selected = append(selected, id)
		}
	}
	a.selected = selected
	return dropped
}

// ReplaceVotes makes votes the vote log and rebuilds the live tally from it.
// Idea vote counts are left to the idea snapshot.
func (a *Aggregator) ReplaceVotes(votes []workshop.Vote) {
	a.votes = append([]workshop.Vote(nil), votes...)
	a.tally = map[string]int{}
	for _, v := range a.votes {
		if workshop.UsableID(v.IdeaID) {
			a.tally[v.IdeaID] += v.Value.Weight()
		}
	}
}

// Seal stops the aggregator from accepting stream events for the current run.
func (a *Aggregator) Seal() {
	a.sealed = true
}

// Unseal lets stream events in again for a new run.
func (a *Aggregator) Unseal() {
	a.sealed = false
}

// Sealed reports whether stream events are being ignored.
func (a *Aggregator) Sealed() bool {
	return a.sealed
}

// Authoritative reports whether the idea collection came from a snapshot.
func (a *Aggregator) Authoritative() bool {
	return a.authoritative
}

// AuthoritativeLen returns the number of ideas that came from a snapshot.
func (a *Aggregator) AuthoritativeLen() int {
	n := 0
	for _, idea := range a.ideas {
		if !idea.Provisional {
			n++
		}
	}
	return n
}

// Select marks ids as the ideas that progress past Convergence.
// The selection must hold between MinSelection and MaxSelection distinct,
// known ideas; otherwise a *workshop.ValidationError is returned and the
// current selection is left untouched.
func (a *Aggregator) Select(ids []string) error {
	if len(ids) < MinSelection || len(ids) > MaxSelection {
		return &workshop.ValidationError{
			Field:  "selection",
			Reason: fmt.Sprintf("select between %d and %d ideas, got %d", MinSelection, MaxSelection, len(ids)),
		}
	}

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return &workshop.ValidationError{Field: "selection", Reason: fmt.Sprintf("idea %s selected twice", id)}
		}
		seen[id] = true
		if _, ok := a.byID[id]; !ok {
			return &workshop.ValidationError{Field: "selection", Reason: fmt.Sprintf("unknown idea %s", id)}
		}
	}

	a.selected = append([]string(nil), ids...)
	return nil
}

// ClearSelection removes the selection.
func (a *Aggregator) ClearSelection() {
	a.selected = nil
}

// Selected returns the selected idea ids in selection order.
func (a *Aggregator) Selected() []string {
	return append([]string(nil), a.selected...)
}

// Ideas returns a copy of the idea collection in insertion order.
func (a *Aggregator) Ideas() []workshop.Idea {
	return append([]workshop.Idea(nil), a.ideas...)
}

// Idea returns the idea with the given id.
func (a *Aggregator) Idea(id string) (workshop.Idea, bool) {
	i, ok := a.byID[id]
	if !ok {
		return workshop.Idea{}, false
	}
	return a.ideas[i], true
}

// Len returns the number of ideas.
func (a *Aggregator) Len() int {
	return len(a.ideas)
}

// Votes returns a copy of the vote log.
func (a *Aggregator) Votes() []workshop.Vote {
	return append([]workshop.Vote(nil), a.votes...)
}

// TotalVotes returns the number of votes in the log.
func (a *Aggregator) TotalVotes() int {
	return len(a.votes)
}

// Tally returns the live vote weight per idea id, built from the vote log.
func (a *Aggregator) Tally() map[string]int {
	out := make(map[string]int, len(a.tally))
	for id, n := range a.tally {
		out[id] = n
	}
	return out
}

// TopByVotes returns up to n ideas ordered by votes descending, then by
// creation time, then by id.
func (a *Aggregator) TopByVotes(n int) []workshop.Idea {
	sorted := a.Ideas()
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].VotesCount != sorted[j].VotesCount {
			return sorted[i].VotesCount > sorted[j].VotesCount
		}
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	if n >= 0 && n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

// contentKey identifies an idea by its normalized content and author, for
// detecting redeliveries that carry no usable id. Ideas with neither title
// nor description have no key.
func contentKey(idea workshop.Idea) (string, bool) {
	title, description := normalize(idea.Title), normalize(idea.Description)
	if title == "" && description == "" {
		return "", false
	}
	return title + "\x00" + description + "\x00" + idea.AgentID, true
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
