// Package tracking runs the device-side background tracking session: the
// long-lived task that keeps pushing fixes for a live share while the app is
// away. The session persists to disk so a restart resumes tracking instead
// of silently orphaning the share.
package tracking

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	se "wuyrush.io/locket/errors"
	md "wuyrush.io/locket/models"
)

// SessionStore persists the at-most-one tracking session across process
// restarts.
type SessionStore interface {
	// Load returns the persisted session, or (nil, nil) when none exists
	Load() (*md.TrackingSession, *se.Err)
	Save(s *md.TrackingSession) *se.Err
	Clear() *se.Err
}

// FileSessionStore keeps the session as a JSON file. Writes go through a
// temp file plus rename so a crash mid-write never leaves a torn session.
type FileSessionStore struct {
	Path string
}

func (f *FileSessionStore) Load() (*md.TrackingSession, *se.Err) {
	b, err := ioutil.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, se.ErrServiceFailure("error reading tracking session").WithCause(err)
	}
	s := &md.TrackingSession{}
	if err := json.Unmarshal(b, s); err != nil {
		return nil, se.ErrServiceFailure("error unmarshalling tracking session").WithCause(err)
	}
	return s, nil
}

func (f *FileSessionStore) Save(s *md.TrackingSession) *se.Err {
	b, err := json.Marshal(s)
	if err != nil {
		return se.ErrServiceFailure("error marshalling tracking session").WithCause(err)
	}
	tmp, err := ioutil.TempFile(filepath.Dir(f.Path), ".session-*")
	if err != nil {
		return se.ErrServiceFailure("error creating tracking session file").WithCause(err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return se.ErrServiceFailure("error writing tracking session").WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		return se.ErrServiceFailure("error writing tracking session").WithCause(err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return se.ErrServiceFailure("error persisting tracking session").WithCause(err)
	}
	return nil
}

func (f *FileSessionStore) Clear() *se.Err {
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return se.ErrServiceFailure("error clearing tracking session").WithCause(err)
	}
	return nil
}

// LocationSource yields the device's current fix. Current may fail with a
// PermissionDenied error when the OS location permission is revoked; that is
// recoverable once the user re-grants it.
type LocationSource interface {
	Current() (*md.Coordinate, *se.Err)
}

// ShareControl is the slice of the share registry the supervisor drives.
type ShareControl interface {
	UpdateLocation(shareID string, c md.Coordinate) *se.Err
	Stop(kind md.ShareKind, shareID, requesterID string) *se.Err
}

// Supervisor is the tracking state machine: idle, or tracking exactly one
// live share. Ticks push fixes while the window is open and retire the
// session once it elapses. All methods are safe for concurrent use.
type Supervisor struct {
	Sessions SessionStore
	Source   LocationSource
	Shares   ShareControl
	Now      func() time.Time

	mu  sync.Mutex
	cur *md.TrackingSession
}

func NewSupervisor(sessions SessionStore, src LocationSource, shares ShareControl) *Supervisor {
	return &Supervisor{
		Sessions: sessions,
		Source:   src,
		Shares:   shares,
		Now:      time.Now,
	}
}

// Start begins tracking a share, superseding any prior session. The session
// is persisted before tracking begins so a crash right after still resumes.
func (sv *Supervisor) Start(s md.TrackingSession) *se.Err {
	clog := log.WithFields(log.Fields{"shareId": s.ShareID, "endTime": s.EndTime})
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if prev := sv.session(); prev != nil && prev.ShareID != s.ShareID {
		// the device tracks one share at a time; retire the superseded one
		clog.WithField("prevShareId", prev.ShareID).Info("superseding tracking session")
		if err := sv.Shares.Stop(md.ShareLive, prev.ShareID, prev.UserID); err != nil {
			clog.WithError(err).Error("error stopping superseded share")
		}
	}
	if err := sv.Sessions.Save(&s); err != nil {
		clog.WithError(err).Error("error persisting tracking session")
		return err
	}
	sv.cur = &s
	clog.Info("tracking session started")
	return nil
}

// Stop retires the session for the share, if it is the one being tracked.
// No-op when idle or tracking a different share.
func (sv *Supervisor) Stop(shareID string) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	s := sv.session()
	if s == nil || s.ShareID != shareID {
		return
	}
	sv.retire()
	log.WithField("shareId", shareID).Info("tracking session stopped")
}

// Tick advances the state machine once: resume a persisted session if idle,
// retire an elapsed one, otherwise push the current fix. Push failures are
// logged and retried on the next tick.
func (sv *Supervisor) Tick() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	s := sv.session()
	if s == nil {
		return
	}
	clog := log.WithField("shareId", s.ShareID)
	if s.Expired(sv.Now()) {
		clog.Info("tracking window elapsed, stopping share")
		if err := sv.Shares.Stop(md.ShareLive, s.ShareID, s.UserID); err != nil {
			clog.WithError(err).Error("error stopping elapsed share")
			// retire anyway; the server also stops the share on its own
			// next observation of the record
		}
		sv.retire()
		return
	}
	c, err := sv.Source.Current()
	if err != nil {
		if err.Code == se.ErrCodePermissionDenied {
			// keep the session; tracking resumes once permission returns
			clog.Warn("location permission revoked, skipping fix")
			return
		}
		clog.WithError(err).Error("error reading device location")
		return
	}
	if err := sv.Shares.UpdateLocation(s.ShareID, *c); err != nil {
		clog.WithError(err).Error("error pushing fix, will retry next tick")
	}
}

// Tracking reports whether a session is live.
func (sv *Supervisor) Tracking() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.cur != nil
}

// session returns the live session, falling back to the persisted one when
// the process restarted since it was written. Only the durable record
// survives a restart, so stop and supersede must consult it too, not just
// memory. Caller must hold mu.
func (sv *Supervisor) session() *md.TrackingSession {
	if sv.cur != nil {
		return sv.cur
	}
	s, err := sv.Sessions.Load()
	if err != nil {
		log.WithError(err).Error("error loading tracking session")
		return nil
	}
	if s == nil {
		return nil
	}
	log.WithField("shareId", s.ShareID).Info("resuming persisted tracking session")
	sv.cur = s
	return s
}

func (sv *Supervisor) retire() {
	if err := sv.Sessions.Clear(); err != nil {
		log.WithError(err).Error("error clearing tracking session")
	}
	sv.cur = nil
}
