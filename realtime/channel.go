// Package realtime vends the high-write-rate side of locket: the per-share
// latest-coordinate store and the pub/sub fabric carrying coordinate
// watches, share feed events and tracker control commands. It is kept apart
// from the document store so coordinate churn never touches the queryable
// metadata path.
package realtime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"
	se "wuyrush.io/locket/errors"
	md "wuyrush.io/locket/models"
)

const (
	fieldNameLat       = "lat"
	fieldNameLon       = "lon"
	fieldNameAccuracy  = "accuracyM"
	fieldNameAltitude  = "altitudeM"
	fieldNameHeading   = "heading"
	fieldNameSpeed     = "speedMPS"
	fieldNameTimestamp = "timestampNanos"

	// redis key (and pubsub channel) of a share's latest coordinate
	keyTmplLoc = `loc.%s`
	// pubsub channel of one side of a user's share feed
	chTmplFeed = `feed.%s.%s.%s`
	// pubsub channel carrying tracking commands to a user's device
	chTmplTracker = `trk.%s`
)

// ShareEventType enumerates the feed events pushed to subscribers.
type ShareEventType string

const (
	ShareCreated ShareEventType = "created"
	ShareUpdated ShareEventType = "updated"
	ShareStopped ShareEventType = "stopped"
)

// ShareEvent is a share metadata change pushed on the feed channels.
// Delivery is at least once; consumers must tolerate duplicates.
type ShareEvent struct {
	Type  ShareEventType   `json:"type"`
	Share md.LocationShare `json:"share"`
}

// TrackingOp enumerates tracker control commands.
type TrackingOp string

const (
	TrackingStart TrackingOp = "start"
	TrackingStop  TrackingOp = "stop"
)

// TrackingCommand instructs a device's tracking worker to start or stop a
// session.
type TrackingCommand struct {
	Op      TrackingOp `json:"op"`
	UserID  string     `json:"userId"`
	ShareID string     `json:"shareId"`
	EndTime time.Time  `json:"endTime,omitempty"`
}

// Channel vends the realtime coordinate store and its push fabric. The
// coordinate payload keeps no history: each write overwrites, and the
// payload must not outlive its owning share.
type Channel interface {
	SetCoordinate(shareID string, c md.Coordinate) *se.Err
	GetCoordinate(shareID string) (*md.Coordinate, *se.Err)
	// Delete removes a share's coordinate payload. Idempotent
	Delete(shareID string) *se.Err
	// Watch invokes fn on every coordinate write for the share until the
	// returned watch is closed
	Watch(shareID string, fn func(md.Coordinate)) (Subscription, *se.Err)
	PublishShareEvent(ev ShareEvent) *se.Err
	SubscribeShareEvents(userID string, side md.ShareSide, kind md.ShareKind, fn func(ShareEvent)) (Subscription, *se.Err)
	// PublishTrackingCommand returns the number of listening devices;
	// zero tells the caller no background tracker picked the command up
	PublishTrackingCommand(cmd TrackingCommand) (int64, *se.Err)
	SubscribeTrackingCommands(userID string, fn func(TrackingCommand)) (Subscription, *se.Err)
	Close() *se.Err
}

// Subscription is a detachable listener attachment. Close is idempotent; no
// callback fires after it returns.
type Subscription interface {
	Close()
}

// Watch is a live pubsub attachment. Close is idempotent and guarantees no
// further callback invocations once it returns. Do not call Close from
// inside the callback.
type Watch struct {
	ps     *redis.PubSub
	mu     sync.Mutex
	closed bool
	once   sync.Once
	done   chan struct{}
}

func newWatch(ps *redis.PubSub, deliver func(payload string)) *Watch {
	w := &Watch{ps: ps, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		for msg := range ps.Channel() {
			w.mu.Lock()
			if w.closed {
				w.mu.Unlock()
				return
			}
			deliver(msg.Payload)
			w.mu.Unlock()
		}
	}()
	return w
}

func (w *Watch) Close() {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		if err := w.ps.Close(); err != nil {
			log.WithError(err).Error("error detaching pubsub watch")
		}
		// wait out the delivery loop so callers observe zero callbacks
		// after Close returns
		<-w.done
	})
}

// RedisChannel is a Channel implementation driven by Redis.
type RedisChannel struct {
	DB *redis.Client
}

func (ch *RedisChannel) SetCoordinate(shareID string, c md.Coordinate) *se.Err {
	const errMsg = "error writing coordinate"
	clog := log.WithField("shareId", shareID)
	key := locKey(shareID)
	if _, err := ch.DB.HMSet(key, map[string]interface{}{
		fieldNameLat:       c.Lat,
		fieldNameLon:       c.Lon,
		fieldNameAccuracy:  c.AccuracyM,
		fieldNameAltitude:  c.AltitudeM,
		fieldNameHeading:   c.Heading,
		fieldNameSpeed:     c.SpeedMPS,
		fieldNameTimestamp: c.Timestamp.UnixNano(),
	}).Result(); err != nil {
		clog.WithError(err).Error("SetCoordinate: error calling redis to save coordinate")
		return se.ErrServiceFailure(errMsg).WithCause(err)
	}
	// fan the write out to watchers
	cb, err := json.Marshal(&c)
	if err != nil {
		clog.WithError(err).Error("SetCoordinate: error marshalling coordinate")
		return se.ErrServiceFailure(errMsg).WithCause(err)
	}
	if _, err := ch.DB.Publish(key, string(cb)).Result(); err != nil {
		clog.WithError(err).Error("SetCoordinate: error publishing coordinate to watchers")
		return se.ErrServiceFailure(errMsg).WithCause(err)
	}
	return nil
}

func (ch *RedisChannel) GetCoordinate(shareID string) (*md.Coordinate, *se.Err) {
	clog := log.WithField("shareId", shareID)
	m, err := ch.DB.HGetAll(locKey(shareID)).Result()
	if err != nil {
		msg := "error getting coordinate"
		clog.WithError(err).Error(msg)
		return nil, se.ErrServiceFailure(msg).WithCause(err)
	}
	if len(m) == 0 {
		return nil, se.ErrNotFound(fmt.Sprintf("no coordinate for share %s", shareID))
	}
	c := &md.Coordinate{}
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{fieldNameLat, &c.Lat},
		{fieldNameLon, &c.Lon},
		{fieldNameAccuracy, &c.AccuracyM},
		{fieldNameAltitude, &c.AltitudeM},
		{fieldNameHeading, &c.Heading},
		{fieldNameSpeed, &c.SpeedMPS},
	} {
		v, err := strconv.ParseFloat(m[f.name], 64)
		if err != nil {
			msg := "error unmarshalling coordinate field " + f.name
			clog.WithError(err).Error(msg)
			return nil, se.ErrServiceFailure(msg).WithCause(err)
		}
		*f.dst = v
	}
	nanos, err := strconv.ParseInt(m[fieldNameTimestamp], 10, 64)
	if err != nil {
		msg := "error unmarshalling coordinate timestamp"
		clog.WithError(err).Error(msg)
		return nil, se.ErrServiceFailure(msg).WithCause(err)
	}
	c.Timestamp = time.Unix(0, nanos)
	return c, nil
}

func (ch *RedisChannel) Delete(shareID string) *se.Err {
	// redis ignores the error upon DEL if the key is non-existent
	if _, err := ch.DB.Del(locKey(shareID)).Result(); err != nil && err != redis.Nil {
		msg := "error deleting coordinate payload"
		log.WithError(err).WithField("shareId", shareID).Error(msg)
		return se.ErrServiceFailure(msg).WithCause(err)
	}
	return nil
}

func (ch *RedisChannel) Watch(shareID string, fn func(md.Coordinate)) (Subscription, *se.Err) {
	clog := log.WithField("shareId", shareID)
	ps := ch.DB.Subscribe(locKey(shareID))
	return newWatch(ps, func(payload string) {
		var c md.Coordinate
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			clog.WithError(err).Error("dropping malformed coordinate push")
			return
		}
		fn(c)
	}), nil
}

func (ch *RedisChannel) PublishShareEvent(ev ShareEvent) *se.Err {
	clog := log.WithFields(log.Fields{"shareId": ev.Share.ID, "eventType": ev.Type})
	eb, err := json.Marshal(&ev)
	if err != nil {
		clog.WithError(err).Error("error marshalling share event")
		return se.ErrServiceFailure("error marshalling share event").WithCause(err)
	}
	// the same record feeds both parties: the sender's sent-side feed and
	// the receiver's received-side feed
	for _, chName := range []string{
		feedChannel(md.SideSent, ev.Share.Kind, ev.Share.SenderID),
		feedChannel(md.SideReceived, ev.Share.Kind, ev.Share.ReceiverID),
	} {
		if _, err := ch.DB.Publish(chName, string(eb)).Result(); err != nil {
			clog.WithError(err).WithField("channel", chName).Error("error publishing share event")
			return se.ErrServiceFailure("error publishing share event").WithCause(err)
		}
	}
	return nil
}

func (ch *RedisChannel) SubscribeShareEvents(userID string, side md.ShareSide, kind md.ShareKind, fn func(ShareEvent)) (Subscription, *se.Err) {
	clog := log.WithFields(log.Fields{"userId": userID, "side": side, "kind": kind})
	ps := ch.DB.Subscribe(feedChannel(side, kind, userID))
	return newWatch(ps, func(payload string) {
		var ev ShareEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			clog.WithError(err).Error("dropping malformed share event")
			return
		}
		fn(ev)
	}), nil
}

func (ch *RedisChannel) PublishTrackingCommand(cmd TrackingCommand) (int64, *se.Err) {
	clog := log.WithFields(log.Fields{"userId": cmd.UserID, "shareId": cmd.ShareID, "op": cmd.Op})
	cb, err := json.Marshal(&cmd)
	if err != nil {
		clog.WithError(err).Error("error marshalling tracking command")
		return 0, se.ErrServiceFailure("error marshalling tracking command").WithCause(err)
	}
	n, err := ch.DB.Publish(fmt.Sprintf(chTmplTracker, cmd.UserID), string(cb)).Result()
	if err != nil {
		clog.WithError(err).Error("error publishing tracking command")
		return 0, se.ErrServiceFailure("error publishing tracking command").WithCause(err)
	}
	return n, nil
}

func (ch *RedisChannel) SubscribeTrackingCommands(userID string, fn func(TrackingCommand)) (Subscription, *se.Err) {
	clog := log.WithField("userId", userID)
	ps := ch.DB.Subscribe(fmt.Sprintf(chTmplTracker, userID))
	return newWatch(ps, func(payload string) {
		var cmd TrackingCommand
		if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
			clog.WithError(err).Error("dropping malformed tracking command")
			return
		}
		fn(cmd)
	}), nil
}

func (ch *RedisChannel) Close() *se.Err {
	if err := ch.DB.Close(); err != nil {
		return se.ErrServiceFailure("failed close Redis client").WithCause(err)
	}
	return nil
}

func locKey(shareID string) string {
	return fmt.Sprintf(keyTmplLoc, shareID)
}

func feedChannel(side md.ShareSide, kind md.ShareKind, userID string) string {
	return fmt.Sprintf(chTmplFeed, side, kind, userID)
}
