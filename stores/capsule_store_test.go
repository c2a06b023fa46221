package stores

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	se "wuyrush.io/locket/errors"
	"wuyrush.io/locket/geo"
	md "wuyrush.io/locket/models"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	args := m.Called(r)
	resp, _ := args.Get(0).(*http.Response)
	return resp, args.Error(1)
}

func jsonResp(code int, v interface{}) *http.Response {
	b, _ := json.Marshal(v)
	return &http.Response{
		StatusCode: code,
		Body:       ioutil.NopCloser(bytes.NewReader(b)),
	}
}

func isMethod(method string) func(*http.Request) bool {
	return func(r *http.Request) bool { return r.Method == method }
}

func newTestCapsuleStore(rt http.RoundTripper, now time.Time) *CouchCapsuleStore {
	s := NewCouchCapsuleStore(&CouchConfig{
		DBAddr:     "http://fake-db:5984",
		DBUsername: "fakeusername",
		DBPasswd:   "fakepasswd",
		RT:         rt,
	}, "capsules")
	s.Now = func() time.Time { return now }
	return s
}

func TestCapsuleStoreCreateRejectsInvalidCondition(t *testing.T) {
	rt := &mockTransport{}
	s := newTestCapsuleStore(rt, time.Now())
	tcs := []struct {
		name  string
		draft md.Capsule
	}{
		{
			name:  "TimeWithoutOpenAt",
			draft: md.Capsule{OwnerID: "alice", Type: md.CapsuleTypeTime},
		},
		{
			name:  "LocationWithoutCenter",
			draft: md.Capsule{OwnerID: "alice", Type: md.CapsuleTypeLocation, Condition: md.OpenCondition{RadiusM: 50}},
		},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			draft := c.draft
			_, err := s.Create(&draft)
			if assert.NotNil(t, err) {
				assert.Equal(t, se.ErrCodeInvalidCondition, err.Code)
			}
		})
	}
	// validation fails fast: nothing may reach the DB
	rt.AssertNotCalled(t, "RoundTrip", mock.Anything)
}

func TestCapsuleStoreCreateAssignsPending(t *testing.T) {
	rt := &mockTransport{}
	rt.On("RoundTrip", mock.MatchedBy(isMethod(http.MethodPut))).
		Return(jsonResp(http.StatusCreated, map[string]interface{}{"ok": true}), nil)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newTestCapsuleStore(rt, now)

	openAt := now.Add(time.Hour)
	c, err := s.Create(&md.Capsule{
		OwnerID:   "alice",
		Type:      md.CapsuleTypeTime,
		Title:     "graduation",
		Condition: md.OpenCondition{OpenAt: &openAt},
	})
	assert.Nil(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, md.CapsuleStatusPending, c.Status)
	assert.Equal(t, now, c.CreatedAt)
	assert.Nil(t, c.OpenedAt)
	rt.AssertExpectations(t)
}

func pendingTimeCapsuleDoc(id, owner string, openAt time.Time, rev string) *capsuleDoc {
	return &capsuleDoc{
		DocID: id,
		Rev:   rev,
		Capsule: md.Capsule{
			ID:        id,
			OwnerID:   owner,
			Type:      md.CapsuleTypeTime,
			Status:    md.CapsuleStatusPending,
			Condition: md.OpenCondition{OpenAt: &openAt},
			Contents:  []md.ContentItem{{Kind: md.ContentText, Body: "hi"}},
		},
	}
}

func TestCapsuleStoreOpenTimeCondition(t *testing.T) {
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	id := "0ujsszwN8NRY24YaXiTIE2VWDTS"

	t.Run("TooEarly", func(t *testing.T) {
		rt := &mockTransport{}
		rt.On("RoundTrip", mock.MatchedBy(isMethod(http.MethodGet))).
			Return(jsonResp(http.StatusOK, pendingTimeCapsuleDoc(id, "alice", t0, "1-a")), nil)
		s := newTestCapsuleStore(rt, t0.Add(-time.Second))
		_, err := s.Open(id, "alice", nil)
		if assert.NotNil(t, err) {
			assert.Equal(t, se.ErrCodeConditionNotMet, err.Code)
		}
		// the capsule must stay untouched
		rt.AssertNotCalled(t, "RoundTrip", mock.MatchedBy(isMethod(http.MethodPut)))
	})

	t.Run("ExactlyAtOpenAt", func(t *testing.T) {
		rt := &mockTransport{}
		rt.On("RoundTrip", mock.MatchedBy(isMethod(http.MethodGet))).
			Return(jsonResp(http.StatusOK, pendingTimeCapsuleDoc(id, "alice", t0, "1-a")), nil)
		rt.On("RoundTrip", mock.MatchedBy(isMethod(http.MethodPut))).
			Return(jsonResp(http.StatusCreated, map[string]interface{}{"ok": true}), nil)
		s := newTestCapsuleStore(rt, t0)
		c, err := s.Open(id, "alice", nil)
		assert.Nil(t, err)
		assert.Equal(t, md.CapsuleStatusOpened, c.Status)
		assert.Equal(t, "alice", c.OpenedBy)
		if assert.NotNil(t, c.OpenedAt) {
			assert.Equal(t, t0, *c.OpenedAt)
		}
		assert.True(t, c.Opened())
	})

	t.Run("Unauthorized", func(t *testing.T) {
		rt := &mockTransport{}
		rt.On("RoundTrip", mock.MatchedBy(isMethod(http.MethodGet))).
			Return(jsonResp(http.StatusOK, pendingTimeCapsuleDoc(id, "alice", t0, "1-a")), nil)
		s := newTestCapsuleStore(rt, t0)
		_, err := s.Open(id, "mallory", nil)
		if assert.NotNil(t, err) {
			assert.Equal(t, se.ErrCodeUnauthorized, err.Code)
		}
	})

	t.Run("Unauthenticated", func(t *testing.T) {
		rt := &mockTransport{}
		s := newTestCapsuleStore(rt, t0)
		_, err := s.Open(id, "", nil)
		if assert.NotNil(t, err) {
			assert.Equal(t, se.ErrCodeUnauthenticated, err.Code)
		}
		rt.AssertNotCalled(t, "RoundTrip", mock.Anything)
	})
}

func TestCapsuleStoreOpenIsNoopWhenAlreadyOpened(t *testing.T) {
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	id := "cap1"
	doc := pendingTimeCapsuleDoc(id, "alice", t0, "2-b")
	doc.Status = md.CapsuleStatusOpened
	openedAt := t0.Add(-time.Minute)
	doc.OpenedAt = &openedAt
	doc.OpenedBy = "bob"
	doc.Recipients = md.RecipientPolicy{Mode: md.RecipientPublic}

	rt := &mockTransport{}
	rt.On("RoundTrip", mock.MatchedBy(isMethod(http.MethodGet))).
		Return(jsonResp(http.StatusOK, doc), nil)
	s := newTestCapsuleStore(rt, t0)

	c, err := s.Open(id, "carol", nil)
	assert.Nil(t, err)
	assert.Equal(t, "bob", c.OpenedBy, "the loser observes the winner's open, not an error")
	rt.AssertNotCalled(t, "RoundTrip", mock.MatchedBy(isMethod(http.MethodPut)))
}

func TestCapsuleStoreOpenLosesRevisionRace(t *testing.T) {
	// first write hits a 409; the reload observes the concurrent winner's
	// open and returns it without erroring
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	id := "cap1"
	pending := pendingTimeCapsuleDoc(id, "alice", t0, "1-a")
	pending.Recipients = md.RecipientPolicy{Mode: md.RecipientPublic}
	opened := pendingTimeCapsuleDoc(id, "alice", t0, "2-b")
	opened.Recipients = md.RecipientPolicy{Mode: md.RecipientPublic}
	opened.Status = md.CapsuleStatusOpened
	opened.OpenedAt = &t0
	opened.OpenedBy = "bob"

	rt := &mockTransport{}
	rt.On("RoundTrip", mock.MatchedBy(isMethod(http.MethodGet))).
		Return(jsonResp(http.StatusOK, pending), nil).Once()
	rt.On("RoundTrip", mock.MatchedBy(isMethod(http.MethodPut))).
		Return(jsonResp(http.StatusConflict, map[string]interface{}{"error": "conflict"}), nil).Once()
	rt.On("RoundTrip", mock.MatchedBy(isMethod(http.MethodGet))).
		Return(jsonResp(http.StatusOK, opened), nil).Once()
	s := newTestCapsuleStore(rt, t0)

	c, err := s.Open(id, "carol", nil)
	assert.Nil(t, err)
	assert.Equal(t, "bob", c.OpenedBy)
	assert.True(t, c.Opened())
	rt.AssertExpectations(t)
}

func TestCapsuleStoreDeleteOwnerOnly(t *testing.T) {
	t0 := time.Now()
	rt := &mockTransport{}
	rt.On("RoundTrip", mock.MatchedBy(isMethod(http.MethodGet))).
		Return(jsonResp(http.StatusOK, pendingTimeCapsuleDoc("cap1", "alice", t0, "1-a")), nil)
	s := newTestCapsuleStore(rt, t0)

	err := s.Delete("cap1", "bob")
	if assert.NotNil(t, err) {
		assert.Equal(t, se.ErrCodeUnauthorized, err.Code)
	}
	rt.AssertNotCalled(t, "RoundTrip", mock.MatchedBy(isMethod(http.MethodDelete)))
}

func TestCapsuleStoreNearby(t *testing.T) {
	p := md.GeoPoint{Lat: 0, Lon: 0}
	mkDoc := func(id string, lon float64, status md.CapsuleStatus, mode md.RecipientMode) capsuleDoc {
		return capsuleDoc{
			DocID: id,
			Capsule: md.Capsule{
				ID:         id,
				OwnerID:    "owner",
				Type:       md.CapsuleTypeLocation,
				Status:     status,
				Recipients: md.RecipientPolicy{Mode: mode},
				Condition:  md.OpenCondition{Center: &md.GeoPoint{Lat: 0, Lon: lon}, RadiusM: 10},
			},
		}
	}
	near := mkDoc("near", 0.0005, md.CapsuleStatusPending, md.RecipientPublic)
	boundary := mkDoc("boundary", 0.001, md.CapsuleStatusPending, md.RecipientPublic)
	far := mkDoc("far", 0.01, md.CapsuleStatusPending, md.RecipientPublic)
	private := mkDoc("private", 0.0001, md.CapsuleStatusPending, md.RecipientSelf)

	// the query radius lands exactly on the boundary capsule's center
	radius := geo.DistanceMeters(p, *boundary.Condition.Center)

	rt := &mockTransport{}
	rt.On("RoundTrip", mock.MatchedBy(isMethod(http.MethodPost))).
		Return(jsonResp(http.StatusOK, map[string]interface{}{
			"docs": []capsuleDoc{far, boundary, private, near},
		}), nil)
	s := newTestCapsuleStore(rt, time.Now())

	cs, err := s.Nearby(p, radius, "visitor")
	assert.Nil(t, err)
	if assert.Len(t, cs, 2, "boundary capsule included, farther and invisible ones excluded") {
		assert.Equal(t, "near", cs[0].ID, "results sorted ascending by distance")
		assert.Equal(t, "boundary", cs[1].ID)
	}
}
