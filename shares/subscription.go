package shares

import (
	"sync"

	log "github.com/sirupsen/logrus"
	se "wuyrush.io/locket/errors"
	md "wuyrush.io/locket/models"
	"wuyrush.io/locket/realtime"
)

// Composer assembles a user's full push feed out of the realtime channel's
// narrow subscriptions: the four (side, kind) feed channels, plus one
// coordinate watch per live share the feed learns about. Callers get the
// whole thing behind a single unsubscribe.
type Composer struct {
	RT realtime.Channel
}

// FeedSubscription is a composed feed attachment. Unsubscribe is idempotent
// and guarantees no callback fires after it returns.
type FeedSubscription struct {
	rt      realtime.Channel
	mu      sync.Mutex
	closed  bool
	feeds   []realtime.Subscription
	watches map[string]realtime.Subscription
	once    sync.Once
}

// Subscribe attaches the caller to their feed. onInstant receives instant
// share events; onLive receives live share events and, for active live
// shares, every coordinate push. Views are tagged with the side the event
// arrived on.
//
// Delivery starts with the next published event; there is no snapshot
// replay. Consumers seed their state from the list endpoints first, and a
// live share already active at attach time gets its coordinate watch on its
// next feed event.
func (cp *Composer) Subscribe(userID string, onInstant, onLive func(md.ShareView)) (*FeedSubscription, *se.Err) {
	if userID == "" {
		return nil, se.ErrUnauthenticated("authentication required to subscribe")
	}
	sub := &FeedSubscription{
		rt:      cp.RT,
		watches: map[string]realtime.Subscription{},
	}
	for _, f := range []struct {
		side md.ShareSide
		kind md.ShareKind
	}{
		{md.SideSent, md.ShareInstant},
		{md.SideReceived, md.ShareInstant},
		{md.SideSent, md.ShareLive},
		{md.SideReceived, md.ShareLive},
	} {
		side, kind := f.side, f.kind
		w, err := cp.RT.SubscribeShareEvents(userID, side, kind, func(ev realtime.ShareEvent) {
			sub.dispatch(side, kind, ev, onInstant, onLive)
		})
		if err != nil {
			sub.Unsubscribe()
			return nil, err
		}
		sub.feeds = append(sub.feeds, w)
	}
	return sub, nil
}

func (s *FeedSubscription) dispatch(side md.ShareSide, kind md.ShareKind, ev realtime.ShareEvent, onInstant, onLive func(md.ShareView)) {
	view := ev.Share.ViewAs(side)
	if kind == md.ShareInstant {
		onInstant(view)
		return
	}
	switch ev.Type {
	case realtime.ShareStopped:
		s.detachWatch(ev.Share.ID)
	default:
		if ev.Share.Status == md.ShareStatusActive {
			s.attachWatch(side, ev.Share, onLive)
		}
	}
	onLive(view)
}

// attachWatch starts a coordinate watch for a live share the feed just
// learned about. At most one watch per share; duplicate feed events are
// common and must not stack watches.
func (s *FeedSubscription) attachWatch(side md.ShareSide, sh md.LocationShare, onLive func(md.ShareView)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.watches[sh.ID]; ok {
		return
	}
	w, err := s.rt.Watch(sh.ID, func(c md.Coordinate) {
		v := sh.ViewAs(side)
		coord := c
		v.Coordinate = &coord
		v.UpdatedAt = c.Timestamp
		onLive(v)
	})
	if err != nil {
		log.WithError(err).WithField("shareId", sh.ID).Error("error watching live share coordinates")
		return
	}
	s.watches[sh.ID] = w
}

func (s *FeedSubscription) detachWatch(shareID string) {
	s.mu.Lock()
	w := s.watches[shareID]
	delete(s.watches, shareID)
	s.mu.Unlock()
	// close outside the lock: Close waits out the watch's delivery loop,
	// which may itself be waiting on the lock
	if w != nil {
		w.Close()
	}
}

// Unsubscribe detaches everything the subscription holds. After it returns
// neither callback fires again.
func (s *FeedSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		feeds := s.feeds
		s.feeds = nil
		watches := make([]realtime.Subscription, 0, len(s.watches))
		for _, w := range s.watches {
			watches = append(watches, w)
		}
		s.watches = map[string]realtime.Subscription{}
		s.mu.Unlock()
		// feeds first so no new watches get attached mid-teardown
		for _, f := range feeds {
			f.Close()
		}
		for _, w := range watches {
			w.Close()
		}
	})
}
