// Package shares vends the location-share workflows: instant snapshots,
// live share lifecycle and the composed per-user feed. It orchestrates the
// metadata store (source of truth) and the realtime channel (latest
// coordinate plus push fabric) so handlers never touch either directly.
package shares

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	se "wuyrush.io/locket/errors"
	"wuyrush.io/locket/geocode"
	md "wuyrush.io/locket/models"
	"wuyrush.io/locket/realtime"
	"wuyrush.io/locket/stores"
)

const (
	defaultMaxLiveMinutes = 480
)

// Directory resolves user display snapshots frozen into share records.
type Directory interface {
	Resolve(userID string) md.PartySnapshot
}

// Registry runs the share workflows.
type Registry struct {
	Shares stores.ShareStore
	RT     realtime.Channel
	Dir    Directory
	Places geocode.Resolver
	// MaxLiveMinutes caps startLive duration; zero means the default cap
	MaxLiveMinutes int
	// Now is the authoritative clock; share windows are never computed
	// from client-supplied timestamps
	Now func() time.Time
}

func NewRegistry(shares stores.ShareStore, rt realtime.Channel, dir Directory, places geocode.Resolver) *Registry {
	return &Registry{
		Shares: shares,
		RT:     rt,
		Dir:    dir,
		Places: places,
		Now:    time.Now,
	}
}

// LiveStart is the outcome of starting a live share. BackgroundTracking
// reports whether a device-side tracking worker picked the session up; when
// false the client must fall back to foreground polling.
type LiveStart struct {
	Share              *md.LocationShare `json:"share"`
	BackgroundTracking bool              `json:"backgroundTracking"`
}

// ShareInstant creates a one-shot share embedding the sender's current fix.
// The record is immediately terminal: it never updates after creation.
func (r *Registry) ShareInstant(senderID, receiverID string, c md.Coordinate) (*md.LocationShare, *se.Err) {
	clog := log.WithFields(log.Fields{"senderId": senderID, "receiverId": receiverID})
	if senderID == "" {
		return nil, se.ErrUnauthenticated("authentication required to share location")
	}
	if receiverID == "" {
		return nil, se.ErrBadInput("share receiver is required")
	}
	if receiverID == senderID {
		return nil, se.ErrBadInput("cannot share location with yourself")
	}
	if !c.Point().Valid() {
		return nil, se.ErrBadInput("invalid coordinate")
	}
	now := r.Now()
	coord := c
	coord.Timestamp = now
	draft := &md.LocationShare{
		Kind:             md.ShareInstant,
		SenderID:         senderID,
		ReceiverID:       receiverID,
		SenderSnapshot:   r.Dir.Resolve(senderID),
		ReceiverSnapshot: r.Dir.Resolve(receiverID),
		Coordinate:       &coord,
		Place:            r.placeLabel(coord.Point()),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	sh, err := r.Shares.Create(draft)
	if err != nil {
		clog.WithError(err).Error("error creating instant share")
		return nil, err
	}
	r.notify(realtime.ShareCreated, sh)
	return sh, nil
}

// StartLive opens a live share window and asks the sender's device to start
// background tracking.
func (r *Registry) StartLive(senderID, receiverID string, durationMinutes int) (*LiveStart, *se.Err) {
	clog := log.WithFields(log.Fields{"senderId": senderID, "receiverId": receiverID})
	if senderID == "" {
		return nil, se.ErrUnauthenticated("authentication required to share location")
	}
	if receiverID == "" {
		return nil, se.ErrBadInput("share receiver is required")
	}
	if receiverID == senderID {
		return nil, se.ErrBadInput("cannot share location with yourself")
	}
	maxMinutes := r.MaxLiveMinutes
	if maxMinutes == 0 {
		maxMinutes = defaultMaxLiveMinutes
	}
	if durationMinutes <= 0 || durationMinutes > maxMinutes {
		return nil, se.ErrBadInput(fmt.Sprintf("share duration must be between 1 and %d minutes", maxMinutes))
	}
	now := r.Now()
	draft := &md.LocationShare{
		Kind:             md.ShareLive,
		SenderID:         senderID,
		ReceiverID:       receiverID,
		SenderSnapshot:   r.Dir.Resolve(senderID),
		ReceiverSnapshot: r.Dir.Resolve(receiverID),
		StartTime:        now,
		EndTime:          now.Add(time.Duration(durationMinutes) * time.Minute),
		DurationMinutes:  durationMinutes,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	sh, err := r.Shares.Create(draft)
	if err != nil {
		clog.WithError(err).Error("error creating live share")
		return nil, err
	}
	// no realtime payload exists until the first device fix lands;
	// Coordinate reports NotFound meanwhile rather than a made-up position
	r.notify(realtime.ShareCreated, sh)
	n, err := r.RT.PublishTrackingCommand(realtime.TrackingCommand{
		Op:      realtime.TrackingStart,
		UserID:  sh.SenderID,
		ShareID: sh.ID,
		EndTime: sh.EndTime,
	})
	if err != nil {
		// the share itself is live; the sender just has to poll in the
		// foreground
		clog.WithError(err).Error("error dispatching tracking start")
		n = 0
	}
	return &LiveStart{Share: sh, BackgroundTracking: n > 0}, nil
}

// Stop terminates a share. Idempotent: stopping an already-stopped share
// succeeds without effect. Only the share's parties may stop it.
func (r *Registry) Stop(kind md.ShareKind, shareID, requesterID string) *se.Err {
	clog := log.WithFields(log.Fields{"shareId": shareID, "kind": kind})
	if requesterID == "" {
		return se.ErrUnauthenticated("authentication required to stop a share")
	}
	sh, err := r.Shares.Get(kind, shareID)
	if err != nil {
		return err
	}
	if requesterID != sh.SenderID && requesterID != sh.ReceiverID {
		return se.ErrUnauthorized("only the share's parties may stop it")
	}
	stopped, err := r.Shares.Stop(kind, shareID, r.Now())
	if err != nil {
		clog.WithError(err).Error("error stopping share")
		return err
	}
	if kind == md.ShareLive {
		// the coordinate payload must not outlive its share
		if err := r.RT.Delete(shareID); err != nil {
			clog.WithError(err).Error("error deleting realtime payload")
		}
		if _, err := r.RT.PublishTrackingCommand(realtime.TrackingCommand{
			Op:      realtime.TrackingStop,
			UserID:  stopped.SenderID,
			ShareID: shareID,
		}); err != nil {
			clog.WithError(err).Error("error dispatching tracking stop")
		}
	}
	r.notify(realtime.ShareStopped, stopped)
	return nil
}

// UpdateLocation ingests a device fix for a live share: it overwrites the
// realtime payload, refreshes the share metadata and fans the fix out to
// watchers. Fixes landing after the window closed stop the share instead.
func (r *Registry) UpdateLocation(shareID string, c md.Coordinate) *se.Err {
	clog := log.WithField("shareId", shareID)
	if !c.Point().Valid() {
		return se.ErrBadInput("invalid coordinate")
	}
	sh, err := r.Shares.Get(md.ShareLive, shareID)
	if err != nil {
		return err
	}
	if !sh.Status.CanStop() {
		// stopped share, drop the fix
		return nil
	}
	now := r.Now()
	if sh.Expired(now) {
		clog.Debug("share window elapsed, stopping instead of updating")
		return r.Stop(md.ShareLive, shareID, sh.SenderID)
	}
	coord := c
	if coord.Timestamp.IsZero() {
		coord.Timestamp = now
	}
	if err := r.RT.SetCoordinate(shareID, coord); err != nil {
		clog.WithError(err).Error("error writing realtime coordinate")
		return err
	}
	// metadata freshness is best effort; the realtime write is what counts
	if err := r.Shares.Touch(md.ShareLive, shareID, now); err != nil {
		clog.WithError(err).Warn("error refreshing share metadata")
	}
	sh.UpdatedAt = now
	r.notify(realtime.ShareUpdated, sh)
	return nil
}

// Get returns a share rendered for the requester's side of it.
func (r *Registry) Get(kind md.ShareKind, shareID, requesterID string) (*md.ShareView, *se.Err) {
	if requesterID == "" {
		return nil, se.ErrUnauthenticated("authentication required to view a share")
	}
	sh, err := r.Shares.Get(kind, shareID)
	if err != nil {
		return nil, err
	}
	switch requesterID {
	case sh.SenderID:
		v := sh.ViewAs(md.SideSent)
		return &v, nil
	case sh.ReceiverID:
		v := sh.ViewAs(md.SideReceived)
		return &v, nil
	}
	return nil, se.ErrUnauthorized("only the share's parties may view it")
}

// List returns the requester's shares on one side, newest first ordering is
// left to callers.
func (r *Registry) List(kind md.ShareKind, side md.ShareSide, userID string, status md.ShareStatus) ([]md.ShareView, *se.Err) {
	if userID == "" {
		return nil, se.ErrUnauthenticated("authentication required to list shares")
	}
	var (
		shs []*md.LocationShare
		err *se.Err
	)
	if side == md.SideSent {
		shs, err = r.Shares.ListBySender(kind, userID, status)
	} else {
		shs, err = r.Shares.ListByReceiver(kind, userID, status)
	}
	if err != nil {
		return nil, err
	}
	views := make([]md.ShareView, len(shs))
	for i, sh := range shs {
		views[i] = sh.ViewAs(side)
	}
	return views, nil
}

// Coordinate returns the latest realtime fix of a live share, party-only.
func (r *Registry) Coordinate(shareID, requesterID string) (*md.Coordinate, *se.Err) {
	sh, err := r.Shares.Get(md.ShareLive, shareID)
	if err != nil {
		return nil, err
	}
	if requesterID != sh.SenderID && requesterID != sh.ReceiverID {
		return nil, se.ErrUnauthorized("only the share's parties may view it")
	}
	return r.RT.GetCoordinate(shareID)
}

// Subscribe composes the requester's full push feed. See Composer.
func (r *Registry) Subscribe(userID string, onInstant, onLive func(md.ShareView)) (*FeedSubscription, *se.Err) {
	cp := &Composer{RT: r.RT}
	return cp.Subscribe(userID, onInstant, onLive)
}

func (r *Registry) notify(typ realtime.ShareEventType, sh *md.LocationShare) {
	if err := r.RT.PublishShareEvent(realtime.ShareEvent{Type: typ, Share: *sh}); err != nil {
		// feed pushes are at-least-once with no replay; a lost event only
		// delays the parties until their next list query
		log.WithError(err).WithFields(log.Fields{"shareId": sh.ID, "eventType": typ}).Error("error publishing share event")
	}
}

func (r *Registry) placeLabel(p md.GeoPoint) string {
	if r.Places == nil {
		return ""
	}
	return r.Places.Label(p)
}
