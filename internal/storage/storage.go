package storage

import "txscope/internal/model"

// Storage defines a sink for decoded history events.
type Storage interface {
	PutEventBatch(events []*model.HistoryEvent) error
}
