package cache

import (
	"sync"

	logging "github.com/sirupsen/logrus"
)

// UpdateKind tags a cache change notification.
type UpdateKind int

const (
	// FullUpdate: the environment's snapshot was replaced wholesale.
	FullUpdate UpdateKind = iota
	// DeltaUpdate: incremental events were applied to the environment.
	DeltaUpdate
	// Deletion: the environment was dropped.
	Deletion
)

func (k UpdateKind) String() string {
	switch k {
	case FullUpdate:
		return "full"
	case DeltaUpdate:
		return "update"
	case Deletion:
		return "deletion"
	default:
		return "unknown"
	}
}

// Update is one cache change notification.
type Update struct {
	Kind        UpdateKind
	Environment string
}

const subscriberBacklog = 16

// Notifier is a lossy single-producer fan-out channel for cache updates.
// A subscriber that falls behind its backlog misses intermediate updates
// and is expected to recompute from cache state on its next wake.
type Notifier struct {
	mu   sync.Mutex
	subs map[chan Update]struct{}
	log  *logging.Entry
}

func NewNotifier() *Notifier {
	return &Notifier{
		subs: make(map[chan Update]struct{}),
		log:  logging.WithField("component", "cache-notifier"),
	}
}

// Subscribe registers a new subscriber channel. The returned cancel func
// must be called exactly once; the channel is closed by it.
func (n *Notifier) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, subscriberBacklog)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if _, ok := n.subs[ch]; ok {
			delete(n.subs, ch)
			close(ch)
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an update to every subscriber without blocking. Full
// backlogs are dropped; the subscriber resyncs from cache state later.
func (n *Notifier) Publish(update Update) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- update:
		default:
			n.log.Debugf("dropping %s update for %s: subscriber backlog full", update.Kind, update.Environment)
		}
	}
}
