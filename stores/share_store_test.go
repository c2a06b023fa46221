package stores

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	se "wuyrush.io/locket/errors"
	md "wuyrush.io/locket/models"
)

func newTestShareStore(rt http.RoundTripper) *CouchShareStore {
	return NewCouchShareStore(&CouchConfig{
		DBAddr:     "http://fake-db:5984",
		DBUsername: "fakeusername",
		DBPasswd:   "fakepasswd",
		RT:         rt,
	}, "instant_shares", "live_shares")
}

func liveShareDoc(id string, status md.ShareStatus, rev string) *shareDoc {
	return &shareDoc{
		DocID: id,
		Rev:   rev,
		LocationShare: md.LocationShare{
			ID:         id,
			Kind:       md.ShareLive,
			SenderID:   "alice",
			ReceiverID: "bob",
			Status:     status,
		},
	}
}

func TestShareStoreCreateRoutesPerKind(t *testing.T) {
	rt := &mockTransport{}
	rt.On("RoundTrip", mock.MatchedBy(func(r *http.Request) bool {
		return r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/live_shares/")
	})).Return(jsonResp(http.StatusCreated, map[string]interface{}{"ok": true}), nil)
	s := newTestShareStore(rt)

	sh, err := s.Create(&md.LocationShare{Kind: md.ShareLive, SenderID: "alice", ReceiverID: "bob"})
	assert.Nil(t, err)
	assert.NotEmpty(t, sh.ID)
	assert.Equal(t, md.ShareStatusActive, sh.Status)
	rt.AssertExpectations(t)
}

func TestShareStoreStopIdempotent(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("ActiveToStopped", func(t *testing.T) {
		rt := &mockTransport{}
		rt.On("RoundTrip", mock.MatchedBy(isMethod(http.MethodGet))).
			Return(jsonResp(http.StatusOK, liveShareDoc("sh1", md.ShareStatusActive, "1-a")), nil)
		rt.On("RoundTrip", mock.MatchedBy(isMethod(http.MethodPut))).
			Return(jsonResp(http.StatusCreated, map[string]interface{}{"ok": true}), nil)
		s := newTestShareStore(rt)

		sh, err := s.Stop(md.ShareLive, "sh1", now)
		assert.Nil(t, err)
		assert.Equal(t, md.ShareStatusStopped, sh.Status)
		assert.Equal(t, now, sh.UpdatedAt)
	})

	t.Run("SecondStopIsNoop", func(t *testing.T) {
		rt := &mockTransport{}
		rt.On("RoundTrip", mock.MatchedBy(isMethod(http.MethodGet))).
			Return(jsonResp(http.StatusOK, liveShareDoc("sh1", md.ShareStatusStopped, "2-b")), nil)
		s := newTestShareStore(rt)

		sh, err := s.Stop(md.ShareLive, "sh1", now)
		assert.Nil(t, err, "stopping a stopped share is a no-op, never an error")
		assert.Equal(t, md.ShareStatusStopped, sh.Status)
		rt.AssertNotCalled(t, "RoundTrip", mock.MatchedBy(isMethod(http.MethodPut)))
	})

	t.Run("LosesRevisionRace", func(t *testing.T) {
		rt := &mockTransport{}
		rt.On("RoundTrip", mock.MatchedBy(isMethod(http.MethodGet))).
			Return(jsonResp(http.StatusOK, liveShareDoc("sh1", md.ShareStatusActive, "1-a")), nil).Once()
		rt.On("RoundTrip", mock.MatchedBy(isMethod(http.MethodPut))).
			Return(jsonResp(http.StatusConflict, map[string]interface{}{"error": "conflict"}), nil).Once()
		rt.On("RoundTrip", mock.MatchedBy(isMethod(http.MethodGet))).
			Return(jsonResp(http.StatusOK, liveShareDoc("sh1", md.ShareStatusStopped, "2-b")), nil).Once()
		s := newTestShareStore(rt)

		sh, err := s.Stop(md.ShareLive, "sh1", now)
		assert.Nil(t, err)
		assert.Equal(t, md.ShareStatusStopped, sh.Status)
		rt.AssertExpectations(t)
	})
}

func TestShareStoreGetUnknown(t *testing.T) {
	rt := &mockTransport{}
	rt.On("RoundTrip", mock.MatchedBy(isMethod(http.MethodGet))).
		Return(jsonResp(http.StatusNotFound, map[string]interface{}{"error": "not_found"}), nil)
	s := newTestShareStore(rt)

	_, err := s.Get(md.ShareInstant, "nope")
	if assert.NotNil(t, err) {
		assert.Equal(t, se.ErrCodeNotFound, err.Code)
	}
}

func TestShareStoreTouchSkipsStoppedShare(t *testing.T) {
	rt := &mockTransport{}
	rt.On("RoundTrip", mock.MatchedBy(isMethod(http.MethodGet))).
		Return(jsonResp(http.StatusOK, liveShareDoc("sh1", md.ShareStatusStopped, "2-b")), nil)
	s := newTestShareStore(rt)

	err := s.Touch(md.ShareLive, "sh1", time.Now())
	assert.Nil(t, err)
	rt.AssertNotCalled(t, "RoundTrip", mock.MatchedBy(isMethod(http.MethodPut)))
}
