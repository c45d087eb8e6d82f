package apply

import (
	"log/slog"
	"sync"

	"github.com/zhubert/studio-core/logger"
	"github.com/zhubert/studio-core/parser"
)

// Event is one pipeline notification. The set of variants is closed:
// consumers switch on the concrete type. Ordering contract per batch:
// ApplyStart fires before any file or command event, and exactly one of
// ApplyComplete / ApplyError fires last.
type Event interface {
	event()
}

// ApplyStart opens a batch. PlanSteps carries the optional plan for
// progress display; it is never applied as files.
type ApplyStart struct {
	Blocks    int
	Commands  int
	PlanSteps []string
}

// FileApplied reports one file successfully written.
type FileApplied struct {
	Path string
}

// ApplyComplete closes a successful batch.
type ApplyComplete struct {
	Summary Summary
}

// ApplyError closes a batch that could not start (parse or submission
// failure). Individual file and command failures do NOT produce it.
type ApplyError struct {
	Err error
}

// CommandStart fires before a parsed command runs.
type CommandStart struct {
	Command parser.Command
}

// CommandOutput carries one line of captured output from a
// package-manager command.
type CommandOutput struct {
	Command parser.Command
	Line    string
}

// CommandComplete reports a command that exited zero.
type CommandComplete struct {
	Command  parser.Command
	ExitCode int
}

// CommandError reports a command that failed to run or exited non-zero.
// The batch continues past it.
type CommandError struct {
	Command  parser.Command
	ExitCode int
	Err      error
}

func (ApplyStart) event()      {}
func (FileApplied) event()     {}
func (ApplyComplete) event()   {}
func (ApplyError) event()      {}
func (CommandStart) event()    {}
func (CommandOutput) event()   {}
func (CommandComplete) event() {}
func (CommandError) event()    {}

// Broadcaster fans events out to subscribers. Delivery is best-effort:
// a subscriber whose channel is full loses the event (with a logged
// warning) rather than stalling the pipeline.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
	log    *slog.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[int]chan Event),
		log:  logger.WithComponent("apply"),
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. buffer controls the channel depth; slow
// consumers should size it generously since overflow drops events.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers an event to every subscriber without blocking.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.log.Warn("subscriber too slow, dropping event", "subscriber", id, "event", eventName(e))
		}
	}
}

// Close closes every subscriber channel. Further Publish calls are
// no-ops and further Subscribe calls return a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func eventName(e Event) string {
	switch e.(type) {
	case ApplyStart:
		return "apply-start"
	case FileApplied:
		return "file-applied"
	case ApplyComplete:
		return "apply-complete"
	case ApplyError:
		return "apply-error"
	case CommandStart:
		return "command-start"
	case CommandOutput:
		return "command-output"
	case CommandComplete:
		return "command-complete"
	case CommandError:
		return "command-error"
	default:
		return "unknown"
	}
}
