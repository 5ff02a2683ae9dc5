package feed

import "sync"

// Op is the intent carried by a Command
type Op int

const (
	OpSub Op = iota
	OpUnsub
)

func (o Op) String() string {
	if o == OpUnsub {
		return "unsubscribe"
	}
	return "subscribe"
}

// Command is a queued (un)subscribe intent
type Command struct {
	Op          Op
	Instruments []Instrument
}

// CommandBus buffers subscription intents until the connection's flush cycle
// drains them. Enqueue never waits on the connection and works before one exists.
type CommandBus struct {
	mu      sync.Mutex
	pending []Command
}

func NewCommandBus() *CommandBus {
	return &CommandBus{}
}

func (b *CommandBus) Sub(list []Instrument) { b.push(OpSub, list) }

func (b *CommandBus) Unsub(list []Instrument) { b.push(OpUnsub, list) }

func (b *CommandBus) push(op Op, list []Instrument) {
	if len(list) == 0 {
		return
	}
	cp := make([]Instrument, len(list))
	copy(cp, list)

	b.mu.Lock()
	b.pending = append(b.pending, Command{Op: op, Instruments: cp})
	b.mu.Unlock()
}

// Drain removes and returns everything queued, in arrival order
func (b *CommandBus) Drain() []Command {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.pending
	b.pending = nil
	return out
}

func (b *CommandBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
