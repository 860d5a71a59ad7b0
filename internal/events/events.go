// Package events defines the typed channel of tagged variants that
// replaces the source's ad-hoc event emitter for system-info and
// persist-state signals. The Snapshotter selects on this channel
// alongside its own sampling timers so a platform embedding surgecrawl
// can push externally observed CPU pressure into platform-mode CPU
// sampling without surgecrawl importing any platform-specific package.
package events

import "time"

// Kind tags which variant an Event carries.
type Kind int

const (
	// SystemInfo carries an externally observed CPU-overload signal,
	// consumed by Snapshotter's platform CPU mode.
	SystemInfo Kind = iota
	// PersistState asks any listener holding resumable state to flush it.
	PersistState
	// Shutdown is a wind-down signal. No consumer in this module acts on
	// it: Snapshotter skips every event that is not SystemInfo.
	Shutdown
)

// Event is the single message type carried on the events channel. Only
// the fields relevant to Kind are meaningful.
type Event struct {
	Kind Kind

	// SystemInfo fields.
	IsCPUOverloaded bool
	CreatedAt       time.Time
	CPUCurrentUsage float64
}

// NewSystemInfo builds a SystemInfo event with CreatedAt defaulted to now
// if the zero value is passed.
func NewSystemInfo(isOverloaded bool, createdAt time.Time, cpuCurrentUsage float64) Event {
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return Event{
		Kind:            SystemInfo,
		IsCPUOverloaded: isOverloaded,
		CreatedAt:       createdAt,
		CPUCurrentUsage: cpuCurrentUsage,
	}
}

// Bus is a small fan-out wrapper around a buffered channel of Events.
// Producers call Emit; consumers hold their own subscription via
// Subscribe (within this module, only Snapshotter subscribes).
type Bus struct {
	subs []chan Event
}

// Subscribe returns a channel that receives every Event emitted after
// this call. The channel is buffered so a slow consumer cannot block
// Emit indefinitely; it drops the oldest pending event instead.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.subs = append(b.subs, ch)
	return ch
}

// Emit sends ev to every subscriber. A full subscriber buffer has its
// oldest event dropped to make room, so Emit never blocks.
func (b *Bus) Emit(ev Event) {
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Close closes every subscriber channel. Callers must not call Emit or
// Subscribe after Close.
func (b *Bus) Close() {
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
