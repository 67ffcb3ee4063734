package sequencer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/NeatMonster/IDAConnect/pkg/hub"
	"github.com/NeatMonster/IDAConnect/pkg/models"
	"github.com/NeatMonster/IDAConnect/pkg/registry"
	"github.com/NeatMonster/IDAConnect/pkg/store"
	"github.com/NeatMonster/IDAConnect/pkg/telemetry"
)

// ErrPersistence wraps storage failures during append. The branch's
// sequence counter has not advanced when this is returned; the same
// sequence number will be handed to the next (or retried) append.
var ErrPersistence = errors.New("persistence error")

// Sequencer stamps incoming events with their per-branch sequence number,
// appends them durably and hands them to the hub for fan-out. All of that
// happens while holding the branch's serialization point, so sequence
// order, storage order and broadcast order are the same order.
type Sequencer struct {
	st *store.Store
	h  *hub.Hub
}

func New(st *store.Store, h *hub.Hub) *Sequencer {
	return &Sequencer{st: st, h: h}
}

// Append accepts one event from origin for the given branch. The returned
// event carries the assigned sequence number. except, when non-nil, is the
// originating connection's subscription; the hub will not echo the event
// back to it.
func (s *Sequencer) Append(ctx context.Context, br *registry.Branch, origin string, payload json.RawMessage, except *hub.Subscription) (models.Event, error) {
	if err := ctx.Err(); err != nil {
		return models.Event{}, err
	}
	var ev models.Event
	err := br.Sequence(func(seq uint64) error {
		ev = models.Event{
			Seq:     seq,
			Origin:  origin,
			TS:      time.Now().UTC().UnixNano(),
			Payload: payload,
		}
		if err := s.st.AppendEvent(br.Project, br.Name, ev); err != nil {
			telemetry.AppendFailures.Inc()
			if !s.st.Ready() {
				// The store is gone, not just this write: every subscriber
				// must reconnect and replay.
				s.h.Fail(br.Project, br.Name, fmt.Errorf("branch storage unavailable: %v", err))
			}
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		// Still inside the serialization point: queues receive events in
		// sequence order.
		s.h.Publish(br.Project, br.Name, ev, except)
		return nil
	})
	if err != nil {
		return models.Event{}, err
	}
	telemetry.EventsAppended.Inc()
	return ev, nil
}
