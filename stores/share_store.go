package stores

import (
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
	log "github.com/sirupsen/logrus"
	se "wuyrush.io/locket/errors"
	md "wuyrush.io/locket/models"
)

// ShareStore vends the interface to manage location share metadata. Instant
// and live shares live in separate databases so that their query patterns
// stay independent; both are flat collections filterable by sender,
// receiver and status.
type ShareStore interface {
	Create(s *md.LocationShare) (*md.LocationShare, *se.Err)
	Get(kind md.ShareKind, id string) (*md.LocationShare, *se.Err)
	// Stop transitions the share Active->Stopped. Idempotent: stopping an
	// already-stopped share returns the stopped record, never an error
	Stop(kind md.ShareKind, id string, now time.Time) (*md.LocationShare, *se.Err)
	// Touch refreshes the share's UpdatedAt after a coordinate write
	Touch(kind md.ShareKind, id string, t time.Time) *se.Err
	ListBySender(kind md.ShareKind, senderID string, status md.ShareStatus) ([]*md.LocationShare, *se.Err)
	ListByReceiver(kind md.ShareKind, receiverID string, status md.ShareStatus) ([]*md.LocationShare, *se.Err)
	Close() *se.Err
}

// CouchShareStore implements ShareStore with CouchDB.
type CouchShareStore struct {
	*couchClient
	InstantDBName string
	LiveDBName    string
}

func NewCouchShareStore(cfg *CouchConfig, instantDB, liveDB string) *CouchShareStore {
	return &CouchShareStore{
		couchClient:   newCouchClient(cfg),
		InstantDBName: instantDB,
		LiveDBName:    liveDB,
	}
}

type shareDoc struct {
	DocID string `json:"_id"`
	Rev   string `json:"_rev,omitempty"`
	md.LocationShare
}

func (s *CouchShareStore) db(kind md.ShareKind) string {
	if kind == md.ShareLive {
		return s.LiveDBName
	}
	return s.InstantDBName
}

func (s *CouchShareStore) Create(sh *md.LocationShare) (*md.LocationShare, *se.Err) {
	clog := log.WithFields(log.Fields{"senderId": sh.SenderID, "kind": sh.Kind})
	kid, err := ksuid.NewRandom()
	if err != nil {
		clog.WithError(err).Error("error generating share id")
		return nil, se.ErrServiceFailure("error generating share id").WithCause(err)
	}
	rec := *sh
	rec.ID = kid.String()
	rec.Status = md.ShareStatusActive
	conflict, serr := s.putDoc(s.db(rec.Kind), rec.ID, &shareDoc{DocID: rec.ID, LocationShare: rec})
	if serr != nil {
		clog.WithError(serr).Error("error saving share")
		return nil, serr
	}
	if conflict {
		return nil, se.ErrServiceFailure("share id collided")
	}
	return &rec, nil
}

func (s *CouchShareStore) Get(kind md.ShareKind, id string) (*md.LocationShare, *se.Err) {
	doc, err := s.getShareDoc(kind, id)
	if err != nil {
		return nil, err
	}
	sh := doc.LocationShare
	return &sh, nil
}

func (s *CouchShareStore) Stop(kind md.ShareKind, id string, now time.Time) (*md.LocationShare, *se.Err) {
	clog := log.WithFields(log.Fields{"shareId": id, "kind": kind})
	for i := 0; i < maxOptLockAttempt; i++ {
		doc, err := s.getShareDoc(kind, id)
		if err != nil {
			return nil, err
		}
		if !doc.Status.CanStop() {
			// already stopped, nothing to write
			sh := doc.LocationShare
			return &sh, nil
		}
		doc.Status = md.ShareStatusStopped
		doc.UpdatedAt = now
		conflict, err := s.putDoc(s.db(kind), id, doc)
		if err != nil {
			clog.WithError(err).Error("error writing share stop transition")
			return nil, err
		}
		if !conflict {
			sh := doc.LocationShare
			return &sh, nil
		}
		clog.Debug("share revision conflict on stop, reloading")
	}
	return nil, se.ErrServiceFailure("too much write contention on share")
}

func (s *CouchShareStore) Touch(kind md.ShareKind, id string, t time.Time) *se.Err {
	clog := log.WithFields(log.Fields{"shareId": id, "kind": kind})
	for i := 0; i < maxOptLockAttempt; i++ {
		doc, err := s.getShareDoc(kind, id)
		if err != nil {
			return err
		}
		if doc.Status != md.ShareStatusActive {
			// coordinate updates are only meaningful while active
			return nil
		}
		doc.UpdatedAt = t
		conflict, err := s.putDoc(s.db(kind), id, doc)
		if err != nil {
			clog.WithError(err).Error("error refreshing share metadata")
			return err
		}
		if !conflict {
			return nil
		}
	}
	// a lost touch is harmless; the next coordinate write refreshes it
	clog.Debug("giving up share touch after repeated conflicts")
	return nil
}

func (s *CouchShareStore) ListBySender(kind md.ShareKind, senderID string, status md.ShareStatus) ([]*md.LocationShare, *se.Err) {
	return s.list(kind, map[string]interface{}{"senderId": senderID, "status": string(status)})
}

func (s *CouchShareStore) ListByReceiver(kind md.ShareKind, receiverID string, status md.ShareStatus) ([]*md.LocationShare, *se.Err) {
	return s.list(kind, map[string]interface{}{"receiverId": receiverID, "status": string(status)})
}

func (s *CouchShareStore) list(kind md.ShareKind, selector map[string]interface{}) ([]*md.LocationShare, *se.Err) {
	var docs []shareDoc
	if err := s.find(s.db(kind), selector, &docs); err != nil {
		log.WithError(err).WithField("kind", kind).Error("error listing shares")
		return nil, err
	}
	out := make([]*md.LocationShare, len(docs))
	for i := range docs {
		sh := docs[i].LocationShare
		out[i] = &sh
	}
	return out, nil
}

func (s *CouchShareStore) Close() *se.Err {
	return s.close()
}

func (s *CouchShareStore) getShareDoc(kind md.ShareKind, id string) (*shareDoc, *se.Err) {
	doc := &shareDoc{}
	if err := s.getDoc(s.db(kind), id, doc); err != nil {
		if err.Code == se.ErrCodeNotFound {
			return nil, se.ErrNotFound(fmt.Sprintf("share %s not found", id))
		}
		return nil, err
	}
	return doc, nil
}
