package hub

import (
	"context"
	"sync"
	"time"

	"presence-hub/core"

	"github.com/sirupsen/logrus"
)

// Recorder writes lock events to a ledger off the room actors. Events are
// written in the order they were observed; when the buffer is full new
// events are dropped rather than stalling a room.
type Recorder struct {
	ledger core.LockLedger
	events chan core.LockEvent
	done   chan struct{}
	once   sync.Once
}

func NewRecorder(ledger core.LockLedger, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	rec := &Recorder{
		ledger: ledger,
		events: make(chan core.LockEvent, buffer),
		done:   make(chan struct{}),
	}
	go rec.run()
	return rec
}

// Observe is a lock observer for WithLockObserver.
func (rec *Recorder) Observe(event core.LockEvent) {
	select {
	case rec.events <- event:
	default:
		logrus.WithFields(logrus.Fields{
			"room_id": event.RoomID,
			"kind":    event.Kind,
		}).Warn("lock ledger buffer full, dropping event")
	}
}

// Close flushes buffered events and stops the recorder. Observe must not be
// called afterwards.
func (rec *Recorder) Close() {
	rec.once.Do(func() {
		close(rec.events)
		<-rec.done
	})
}

func (rec *Recorder) run() {
	defer close(rec.done)
	for event := range rec.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rec.ledger.RecordLockEvent(ctx, event); err != nil {
			logrus.WithError(err).WithField("room_id", event.RoomID).Error("failed to record lock event")
		}
		cancel()
	}
}
