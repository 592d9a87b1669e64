// Package broadcast fans delta-cache updates out to streaming SDK
// connections. One dispatcher goroutine consumes the cache notifier; each
// subscriber owns a bounded frame channel drained by its HTTP handler.
package broadcast

import (
	"context"
	"errors"
	"sync"

	logging "github.com/sirupsen/logrus"

	"github.com/flagstream/edge/pkg/cache"
	"github.com/flagstream/edge/pkg/domain"
	"github.com/flagstream/edge/pkg/tokens"
)

// Event names on the SDK-facing SSE wire.
const (
	EventConnected = "unleash-connected"
	EventUpdated   = "unleash-updated"
)

// ErrEnvironmentNotHydrated: streaming requires an environment that
// already has a delta cache; callers translate this to a 403.
var ErrEnvironmentNotHydrated = errors.New("broadcast: environment not hydrated")

// TokenChecker re-checks a subscriber's token on every dispatch so
// invalidated tokens lose their stream.
type TokenChecker interface {
	IsValid(raw string) bool
}

const frameBacklog = 16

// Frame is one SSE message ready for the wire.
type Frame struct {
	Event string
	ID    uint64
	Delta domain.ClientFeaturesDelta
}

// Subscriber is one live streaming connection.
type Subscriber struct {
	environment string
	projects    []string
	namePrefix  string
	token       string

	mu          sync.Mutex
	lastEventID uint64
	closed      bool
	frames      chan Frame
}

// Frames is the subscriber's event channel; it is closed when the
// subscription ends.
func (s *Subscriber) Frames() <-chan Frame {
	return s.frames
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

// send delivers a frame without blocking and advances the subscriber's
// revision cursor. A full backlog drops the frame; the cursor stays put so
// the next dispatch recomputes everything the subscriber missed.
func (s *Subscriber) send(frame Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.frames <- frame:
		if frame.ID > s.lastEventID {
			s.lastEventID = frame.ID
		}
	default:
	}
}

// advance moves the cursor without delivering a frame, used when every
// event past the cursor was filtered out of the subscriber's scope.
func (s *Subscriber) advance(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id > s.lastEventID {
		s.lastEventID = id
	}
}

func (s *Subscriber) revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// Broadcaster owns subscriber state; the delta cache manager only knows
// its notifier channel.
type Broadcaster struct {
	deltas  *cache.DeltaManager
	checker TokenChecker

	updates       <-chan cache.Update
	cancelUpdates func()

	mu   sync.Mutex
	subs map[*Subscriber]struct{}

	log *logging.Entry
}

func New(deltas *cache.DeltaManager, notifier *cache.Notifier, checker TokenChecker) *Broadcaster {
	updates, cancel := notifier.Subscribe()
	return &Broadcaster{
		deltas:        deltas,
		checker:       checker,
		updates:       updates,
		cancelUpdates: cancel,
		subs:          make(map[*Subscriber]struct{}),
		log:           logging.WithField("component", "broadcaster"),
	}
}

// Connect registers a streaming subscriber and returns its initial frame.
// With no usable resume revision the initial frame is a single hydration
// event covering the subscriber's scope, never a replay of the window.
func (b *Broadcaster) Connect(token tokens.EdgeToken, namePrefix string, lastEventID uint64) (*Subscriber, Frame, error) {
	environment := token.CacheKey()
	dc := b.deltas.Get(environment)
	if dc == nil {
		return nil, Frame{}, ErrEnvironmentNotHydrated
	}

	sub := &Subscriber{
		environment: environment,
		projects:    token.Projects,
		namePrefix:  namePrefix,
		token:       token.Token,
		frames:      make(chan Frame, frameBacklog),
	}

	initial := b.frameSince(dc, sub, lastEventID, EventConnected)
	sub.lastEventID = initial.ID

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	connectedSubscribers.Set(float64(count))
	b.log.Debugf("subscriber connected to %s at revision %d", environment, initial.ID)

	return sub, initial, nil
}

// Disconnect removes a subscriber (stream handler returned).
func (b *Broadcaster) Disconnect(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	count := len(b.subs)
	b.mu.Unlock()
	connectedSubscribers.Set(float64(count))
	sub.close()
}

// Connected returns the number of live subscribers.
func (b *Broadcaster) Connected() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// frameSince assembles the events a subscriber is owed past the given
// revision, compressed to a single hydration when the revision is not
// resumable from the window.
func (b *Broadcaster) frameSince(dc *cache.DeltaCache, sub *Subscriber, since uint64, eventName string) Frame {
	if since == 0 {
		return b.hydrationFrame(dc, sub, eventName)
	}
	events, resumable := dc.EventsSince(since)
	if !resumable {
		return b.hydrationFrame(dc, sub, eventName)
	}
	filtered := filterEvents(events, sub.projects, sub.namePrefix)
	// The cursor advances over filtered-out events too, so out-of-scope
	// revisions are not recomputed on every wake.
	id := since
	for _, e := range events {
		if e.EventID > id {
			id = e.EventID
		}
	}
	return Frame{
		Event: eventName,
		ID:    id,
		Delta: domain.ClientFeaturesDelta{Events: filtered},
	}
}

func (b *Broadcaster) hydrationFrame(dc *cache.DeltaCache, sub *Subscriber, eventName string) Frame {
	hydration := dc.Hydration()
	hydration.Features = filterHydrationFeatures(hydration.Features, sub.projects, sub.namePrefix)
	return Frame{
		Event: eventName,
		ID:    hydration.EventID,
		Delta: domain.ClientFeaturesDelta{Events: []domain.DeltaEvent{hydration}},
	}
}

// Run dispatches cache updates to subscribers until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	defer b.cancelUpdates()
	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case update, ok := <-b.updates:
			if !ok {
				b.closeAll()
				return
			}
			b.dispatch(update)
		}
	}
}

func (b *Broadcaster) dispatch(update cache.Update) {
	subs := b.subscribersFor(update.Environment)
	if len(subs) == 0 {
		return
	}

	if update.Kind == cache.Deletion {
		for _, sub := range subs {
			b.Disconnect(sub)
		}
		b.log.Infof("environment %s deleted, closed %d streams", update.Environment, len(subs))
		return
	}

	dc := b.deltas.Get(update.Environment)
	if dc == nil {
		return
	}
	for _, sub := range subs {
		if b.checker != nil && !b.checker.IsValid(sub.token) {
			b.log.Infof("token invalidated, closing stream for %s", update.Environment)
			b.Disconnect(sub)
			continue
		}
		frame := b.frameSince(dc, sub, sub.revision(), EventUpdated)
		if len(frame.Delta.Events) == 0 {
			sub.advance(frame.ID)
			continue
		}
		sub.send(frame)
		broadcastFrames.WithLabelValues(update.Environment).Inc()
	}
}

func (b *Broadcaster) subscribersFor(environment string) []*Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Subscriber
	for sub := range b.subs {
		if sub.environment == environment {
			out = append(out, sub)
		}
	}
	return out
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscriber]struct{})
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	connectedSubscribers.Set(0)
}
