package tracking

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	se "wuyrush.io/locket/errors"
	md "wuyrush.io/locket/models"
)

type fakeSource struct {
	c   *md.Coordinate
	err *se.Err
}

func (f *fakeSource) Current() (*md.Coordinate, *se.Err) { return f.c, f.err }

type fakeControl struct {
	pushes  []md.Coordinate
	stopped []string
	pushErr *se.Err
}

func (f *fakeControl) UpdateLocation(shareID string, c md.Coordinate) *se.Err {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushes = append(f.pushes, c)
	return nil
}

func (f *fakeControl) Stop(kind md.ShareKind, shareID, requesterID string) *se.Err {
	f.stopped = append(f.stopped, shareID)
	return nil
}

func tempSessionStore(t *testing.T) (*FileSessionStore, func()) {
	dir, err := ioutil.TempDir("", "locket-tracking")
	if err != nil {
		t.Fatal(err)
	}
	return &FileSessionStore{Path: filepath.Join(dir, "session.json")}, func() { os.RemoveAll(dir) }
}

func newTestSupervisor(t *testing.T, now time.Time) (*Supervisor, *fakeSource, *fakeControl, func()) {
	store, cleanup := tempSessionStore(t)
	src := &fakeSource{c: &md.Coordinate{Lat: 40.7, Lon: -74.0, Timestamp: now}}
	ctl := &fakeControl{}
	sv := NewSupervisor(store, src, ctl)
	sv.Now = func() time.Time { return now }
	return sv, src, ctl, cleanup
}

func TestSupervisorTicksPushFixes(t *testing.T) {
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sv, _, ctl, cleanup := newTestSupervisor(t, t0)
	defer cleanup()

	assert.Nil(t, sv.Start(md.TrackingSession{UserID: "alice", ShareID: "sh1", EndTime: t0.Add(time.Hour)}))
	assert.True(t, sv.Tracking())

	sv.Now = func() time.Time { return t0.Add(30 * time.Minute) }
	sv.Tick()
	sv.Tick()
	assert.Len(t, ctl.pushes, 2)
	assert.Empty(t, ctl.stopped)
}

func TestSupervisorStopsElapsedShare(t *testing.T) {
	// a 60-minute share observed 61 minutes in gets stopped, not updated
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sv, _, ctl, cleanup := newTestSupervisor(t, t0)
	defer cleanup()

	assert.Nil(t, sv.Start(md.TrackingSession{UserID: "alice", ShareID: "sh1", EndTime: t0.Add(time.Hour)}))
	sv.Now = func() time.Time { return t0.Add(61 * time.Minute) }
	sv.Tick()

	assert.Empty(t, ctl.pushes)
	assert.Equal(t, []string{"sh1"}, ctl.stopped)
	assert.False(t, sv.Tracking())

	// session cleared: further ticks stay idle
	sv.Tick()
	assert.Equal(t, []string{"sh1"}, ctl.stopped)
}

func TestSupervisorResumesAfterRestart(t *testing.T) {
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store, cleanup := tempSessionStore(t)
	defer cleanup()
	ctl := &fakeControl{}
	src := &fakeSource{c: &md.Coordinate{Lat: 1, Lon: 1}}

	sv := NewSupervisor(store, src, ctl)
	sv.Now = func() time.Time { return t0 }
	assert.Nil(t, sv.Start(md.TrackingSession{UserID: "alice", ShareID: "sh1", EndTime: t0.Add(time.Hour)}))

	// a fresh supervisor on the same store stands in for the restarted
	// process
	sv2 := NewSupervisor(store, src, ctl)
	sv2.Now = func() time.Time { return t0.Add(time.Minute) }
	sv2.Tick()
	assert.True(t, sv2.Tracking())
	assert.Len(t, ctl.pushes, 1)
}

func TestSupervisorStopAfterRestart(t *testing.T) {
	// only the durable session survives a restart; stop must retire it even
	// before the first tick reloads it into memory
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store, cleanup := tempSessionStore(t)
	defer cleanup()
	ctl := &fakeControl{}
	src := &fakeSource{c: &md.Coordinate{Lat: 1, Lon: 1}}

	sv := NewSupervisor(store, src, ctl)
	sv.Now = func() time.Time { return t0 }
	assert.Nil(t, sv.Start(md.TrackingSession{UserID: "alice", ShareID: "sh1", EndTime: t0.Add(time.Hour)}))

	sv2 := NewSupervisor(store, src, ctl)
	sv2.Now = func() time.Time { return t0.Add(time.Minute) }
	sv2.Stop("sh1")
	assert.False(t, sv2.Tracking())
	s, err := store.Load()
	assert.Nil(t, err)
	assert.Nil(t, s, "stop clears the persisted session")

	// nothing left to resume: ticking stays idle
	sv2.Tick()
	assert.Empty(t, ctl.pushes)
}

func TestSupervisorStartAfterRestartSupersedes(t *testing.T) {
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store, cleanup := tempSessionStore(t)
	defer cleanup()
	ctl := &fakeControl{}
	src := &fakeSource{c: &md.Coordinate{Lat: 1, Lon: 1}}

	sv := NewSupervisor(store, src, ctl)
	sv.Now = func() time.Time { return t0 }
	assert.Nil(t, sv.Start(md.TrackingSession{UserID: "alice", ShareID: "sh1", EndTime: t0.Add(time.Hour)}))

	// a start on the restarted process must stop the persisted prior share
	sv2 := NewSupervisor(store, src, ctl)
	sv2.Now = func() time.Time { return t0.Add(time.Minute) }
	assert.Nil(t, sv2.Start(md.TrackingSession{UserID: "alice", ShareID: "sh2", EndTime: t0.Add(2 * time.Hour)}))
	assert.Equal(t, []string{"sh1"}, ctl.stopped)

	sv2.Tick()
	assert.Len(t, ctl.pushes, 1)
}

func TestSupervisorStart(t *testing.T) {
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("SupersedesPriorSession", func(t *testing.T) {
		sv, _, ctl, cleanup := newTestSupervisor(t, t0)
		defer cleanup()
		assert.Nil(t, sv.Start(md.TrackingSession{UserID: "alice", ShareID: "sh1", EndTime: t0.Add(time.Hour)}))
		assert.Nil(t, sv.Start(md.TrackingSession{UserID: "alice", ShareID: "sh2", EndTime: t0.Add(time.Hour)}))
		assert.Equal(t, []string{"sh1"}, ctl.stopped, "one tracked share at a time")

		sv.Tick()
		assert.Len(t, ctl.pushes, 1)
	})

	t.Run("RestartedSameShareIsNotASupersede", func(t *testing.T) {
		sv, _, ctl, cleanup := newTestSupervisor(t, t0)
		defer cleanup()
		s := md.TrackingSession{UserID: "alice", ShareID: "sh1", EndTime: t0.Add(time.Hour)}
		assert.Nil(t, sv.Start(s))
		assert.Nil(t, sv.Start(s))
		assert.Empty(t, ctl.stopped)
	})
}

func TestSupervisorStopIsNoopWhenIdle(t *testing.T) {
	t0 := time.Now()
	sv, _, ctl, cleanup := newTestSupervisor(t, t0)
	defer cleanup()

	sv.Stop("sh1")
	assert.False(t, sv.Tracking())
	assert.Empty(t, ctl.stopped)
}

func TestSupervisorKeepsSessionOnPermissionDenied(t *testing.T) {
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sv, src, ctl, cleanup := newTestSupervisor(t, t0)
	defer cleanup()

	assert.Nil(t, sv.Start(md.TrackingSession{UserID: "alice", ShareID: "sh1", EndTime: t0.Add(time.Hour)}))
	src.c, src.err = nil, se.ErrPermissionDenied("location permission revoked")
	sv.Tick()
	assert.Empty(t, ctl.pushes)
	assert.True(t, sv.Tracking(), "permission refusal is recoverable, session stays")

	// permission re-granted: pushing resumes on the next tick
	src.c, src.err = &md.Coordinate{Lat: 1, Lon: 1}, nil
	sv.Tick()
	assert.Len(t, ctl.pushes, 1)
}

func TestFileSessionStoreRoundTrip(t *testing.T) {
	store, cleanup := tempSessionStore(t)
	defer cleanup()

	s, err := store.Load()
	assert.Nil(t, err)
	assert.Nil(t, s, "empty store loads to no session")

	want := &md.TrackingSession{UserID: "alice", ShareID: "sh1", EndTime: time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)}
	assert.Nil(t, store.Save(want))
	got, err := store.Load()
	assert.Nil(t, err)
	assert.Equal(t, want, got)

	assert.Nil(t, store.Clear())
	got, err = store.Load()
	assert.Nil(t, err)
	assert.Nil(t, got)
	assert.Nil(t, store.Clear(), "clearing twice is fine")
}
