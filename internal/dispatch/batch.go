package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/latchpoint/latchpoint/internal/datastore/entities"
)

// EntityChangeBatch is one flushed debounce window: the deduplicated entity
// ids that changed, stamped with the source they arrived from ("mixed" when
// more than one integration contributed).
type EntityChangeBatch struct {
	BatchID   string    `json:"batch_id"`
	Source    string    `json:"source"`
	EntityIDs []string  `json:"entity_ids"`
	ChangedAt time.Time `json:"changed_at"`
}

// newBatch builds a batch from the pending set. Entity order follows first
// arrival within the window.
func newBatch(entityIDs []string, sources map[string]struct{}, at time.Time) EntityChangeBatch {
	source := entities.SourceMixed
	if len(sources) == 1 {
		for s := range sources {
			source = s
		}
	}
	return EntityChangeBatch{
		BatchID:   uuid.NewString(),
		Source:    source,
		EntityIDs: entityIDs,
		ChangedAt: at,
	}
}
