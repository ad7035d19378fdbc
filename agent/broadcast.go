package agent

import (
	"io"
	"strings"
	"sync"
)

// TickBroadcaster fans the worker's timestamp lines out to a base writer and
// any number of watch subscribers. The base writer always receives every
// line; subscribers that fall behind miss lines rather than stalling the
// periodic loop, since watchers are observers, not owners, of the output.
type TickBroadcaster struct {
	base io.Writer

	mut  sync.Mutex
	subs map[chan string]struct{}
}

func NewTickBroadcaster(base io.Writer) *TickBroadcaster {
	return &TickBroadcaster{
		base: base,
		subs: map[chan string]struct{}{},
	}
}

// Subscribe registers a new watcher. The returned channel receives one entry
// per emitted line until Unsubscribe.
func (b *TickBroadcaster) Subscribe() chan string {
	ch := make(chan string, 16)
	b.mut.Lock()
	defer b.mut.Unlock()
	b.subs[ch] = struct{}{}
	return ch
}

func (b *TickBroadcaster) Unsubscribe(ch chan string) {
	b.mut.Lock()
	defer b.mut.Unlock()
	delete(b.subs, ch)
}

func (b *TickBroadcaster) Write(p []byte) (int, error) {
	n, err := b.base.Write(p)
	if err != nil {
		return n, err
	}
	if n != len(p) {
		return n, io.ErrShortWrite
	}

	line := strings.TrimRight(string(p), "\n")
	b.mut.Lock()
	defer b.mut.Unlock()
	for ch := range b.subs {
		select {
		case ch <- line:
		default:
		}
	}
	return len(p), nil
}
