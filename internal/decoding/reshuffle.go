package decoding

import (
	"sort"

	"txscope/internal/model"
)

// MaybeReshuffleEvents rewrites sequence indexes so the given events end up
// adjacent and in the given order, at the earliest position any of them
// occupied. Events not mentioned keep their relative order, and the multiset
// of sequence indexes is preserved. Nil entries and events not present in
// the decoded list are skipped.
func MaybeReshuffleEvents(ordered []*model.HistoryEvent, events []*model.HistoryEvent) {
	present := make(map[*model.HistoryEvent]struct{}, len(events))
	for _, event := range events {
		present[event] = struct{}{}
	}
	members := make([]*model.HistoryEvent, 0, len(ordered))
	for _, event := range ordered {
		if event == nil {
			continue
		}
		if _, ok := present[event]; ok {
			members = append(members, event)
		}
	}
	if len(members) < 2 {
		return
	}

	byIndex := make([]*model.HistoryEvent, len(events))
	copy(byIndex, events)
	sort.SliceStable(byIndex, func(i, j int) bool {
		return byIndex[i].SequenceIndex < byIndex[j].SequenceIndex
	})

	memberSet := make(map[*model.HistoryEvent]struct{}, len(members))
	for _, event := range members {
		memberSet[event] = struct{}{}
	}

	// Pull the members out, remember where the group starts, and splice them
	// back in the requested order.
	insertAt := -1
	rest := byIndex[:0:0]
	for i, event := range byIndex {
		if _, ok := memberSet[event]; ok {
			if insertAt == -1 {
				insertAt = i
			}
			continue
		}
		rest = append(rest, event)
	}
	// insertAt counted positions in the original list; positions before it
	// are unchanged in rest since members only get removed at or after it.
	reordered := make([]*model.HistoryEvent, 0, len(byIndex))
	reordered = append(reordered, rest[:insertAt]...)
	reordered = append(reordered, members...)
	reordered = append(reordered, rest[insertAt:]...)

	indexes := make([]uint64, len(byIndex))
	for i, event := range byIndex {
		indexes[i] = event.SequenceIndex
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	for i, event := range reordered {
		event.SequenceIndex = indexes[i]
	}
}
