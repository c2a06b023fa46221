package stores

import (
	"fmt"
	"sort"
	"time"

	"github.com/segmentio/ksuid"
	log "github.com/sirupsen/logrus"
	se "wuyrush.io/locket/errors"
	"wuyrush.io/locket/geo"
	md "wuyrush.io/locket/models"
)

// how many times we retry an optimistic-lock write before giving up
const maxOptLockAttempt = 3

type CapsuleFilter string

const (
	CapsuleFilterAll     CapsuleFilter = "all"
	CapsuleFilterPending CapsuleFilter = "pending"
	CapsuleFilterOpened  CapsuleFilter = "opened"
)

// CapsuleStore vends the interface to manage capsule data and its state
// machine. Time conditions are evaluated against the store's own clock, not
// a caller-supplied timestamp.
type CapsuleStore interface {
	// Create validates the type-specific condition fields, assigns id and
	// creation time and persists the capsule Pending
	Create(draft *md.Capsule) (*md.Capsule, *se.Err)
	Get(id string) (*md.Capsule, *se.Err)
	// AttachContents appends content descriptors to a pending capsule.
	// Additive only; existing items keep their order
	AttachContents(id string, items []md.ContentItem) (*md.Capsule, *se.Err)
	// Open transitions the capsule to Opened iff the requester is
	// authorized and the open condition holds. The transition is
	// conditional on the capsule still being Pending; a concurrent loser
	// observes the already-opened record instead of an error
	Open(id, requesterID string, at *md.GeoPoint) (*md.Capsule, *se.Err)
	// Delete removes the capsule. Owner-only
	Delete(id, requesterID string) *se.Err
	ListByOwner(ownerID string, filter CapsuleFilter) ([]*md.Capsule, *se.Err)
	// Nearby returns pending location capsules visible to the requester
	// within radiusM of p, ascending by distance
	Nearby(p md.GeoPoint, radiusM float64, requesterID string) ([]*md.Capsule, *se.Err)
	Close() *se.Err
}

// CouchCapsuleStore implements CapsuleStore with CouchDB.
type CouchCapsuleStore struct {
	*couchClient
	DBName string
	// Now is the store's clock, injectable for tests
	Now func() time.Time
}

func NewCouchCapsuleStore(cfg *CouchConfig, dbName string) *CouchCapsuleStore {
	return &CouchCapsuleStore{
		couchClient: newCouchClient(cfg),
		DBName:      dbName,
		Now:         time.Now,
	}
}

type capsuleDoc struct {
	DocID string `json:"_id"`
	Rev   string `json:"_rev,omitempty"`
	md.Capsule
}

func (s *CouchCapsuleStore) Create(draft *md.Capsule) (*md.Capsule, *se.Err) {
	clog := log.WithField("ownerId", draft.OwnerID)
	if draft.OwnerID == "" {
		return nil, se.ErrUnauthenticated("capsule creation requires an authenticated owner")
	}
	if !draft.ValidCondition() {
		return nil, se.ErrInvalidCondition(fmt.Sprintf("capsule type %s misses required condition fields", draft.Type))
	}
	for _, it := range draft.Contents {
		if !it.Valid() {
			return nil, se.ErrBadInput(fmt.Sprintf("malformed %s content item", it.Kind))
		}
	}
	kid, err := ksuid.NewRandom()
	if err != nil {
		clog.WithError(err).Error("error generating capsule id")
		return nil, se.ErrServiceFailure("error generating capsule id").WithCause(err)
	}
	c := *draft
	c.ID = kid.String()
	c.Status = md.CapsuleStatusPending
	c.CreatedAt = s.Now()
	c.OpenedAt, c.OpenedBy = nil, ""
	conflict, serr := s.putDoc(s.DBName, c.ID, &capsuleDoc{DocID: c.ID, Capsule: c})
	if serr != nil {
		clog.WithError(serr).Error("error saving capsule")
		return nil, serr
	}
	if conflict {
		// ksuid collision is not a thing in practice; treat as failure
		return nil, se.ErrServiceFailure("capsule id collided")
	}
	return &c, nil
}

func (s *CouchCapsuleStore) Get(id string) (*md.Capsule, *se.Err) {
	doc, err := s.getCapsuleDoc(id)
	if err != nil {
		return nil, err
	}
	c := doc.Capsule
	return &c, nil
}

func (s *CouchCapsuleStore) AttachContents(id string, items []md.ContentItem) (*md.Capsule, *se.Err) {
	clog := log.WithField("capsuleId", id)
	for _, it := range items {
		if !it.Valid() {
			return nil, se.ErrBadInput(fmt.Sprintf("malformed %s content item", it.Kind))
		}
	}
	for i := 0; i < maxOptLockAttempt; i++ {
		doc, err := s.getCapsuleDoc(id)
		if err != nil {
			return nil, err
		}
		if doc.Status != md.CapsuleStatusPending {
			return nil, se.ErrBadInput("cannot attach contents to an opened capsule")
		}
		doc.Contents = append(doc.Contents, items...)
		conflict, err := s.putDoc(s.DBName, id, doc)
		if err != nil {
			clog.WithError(err).Error("error saving capsule contents")
			return nil, err
		}
		if !conflict {
			c := doc.Capsule
			return &c, nil
		}
		clog.Debug("capsule revision conflict on attach, retrying")
	}
	return nil, se.ErrServiceFailure("too much write contention on capsule")
}

func (s *CouchCapsuleStore) Open(id, requesterID string, at *md.GeoPoint) (*md.Capsule, *se.Err) {
	clog := log.WithFields(log.Fields{"capsuleId": id, "requesterId": requesterID})
	if requesterID == "" {
		return nil, se.ErrUnauthenticated("open requires an authenticated requester")
	}
	for i := 0; i < maxOptLockAttempt; i++ {
		doc, err := s.getCapsuleDoc(id)
		if err != nil {
			return nil, err
		}
		if !doc.OpenableBy(requesterID) {
			return nil, se.ErrUnauthorized(fmt.Sprintf("user %s may not open capsule %s", requesterID, id))
		}
		if !doc.Status.CanOpen() {
			// already opened: the transition happened exactly once
			// elsewhere, hand back the settled record
			c := doc.Capsule
			return &c, nil
		}
		now := s.Now()
		if !geo.ConditionMet(&doc.Capsule, now, at) {
			return nil, se.ErrConditionNotMet(fmt.Sprintf("capsule %s open condition not satisfied", id))
		}
		doc.Status = md.CapsuleStatusOpened
		openedAt := now
		doc.OpenedAt = &openedAt
		doc.OpenedBy = requesterID
		conflict, err := s.putDoc(s.DBName, id, doc)
		if err != nil {
			clog.WithError(err).Error("error writing capsule open transition")
			return nil, err
		}
		if !conflict {
			c := doc.Capsule
			return &c, nil
		}
		// lost the race; reload and either observe the winner's open or
		// try again
		clog.Debug("capsule revision conflict on open, reloading")
	}
	return nil, se.ErrServiceFailure("too much write contention on capsule")
}

func (s *CouchCapsuleStore) Delete(id, requesterID string) *se.Err {
	clog := log.WithFields(log.Fields{"capsuleId": id, "requesterId": requesterID})
	if requesterID == "" {
		return se.ErrUnauthenticated("delete requires an authenticated requester")
	}
	doc, err := s.getCapsuleDoc(id)
	if err != nil {
		return err
	}
	if doc.OwnerID != requesterID {
		return se.ErrUnauthorized(fmt.Sprintf("user %s does not own capsule %s", requesterID, id))
	}
	if err := s.deleteDoc(s.DBName, id, doc.Rev); err != nil {
		clog.WithError(err).Error("error deleting capsule")
		return err
	}
	return nil
}

func (s *CouchCapsuleStore) ListByOwner(ownerID string, filter CapsuleFilter) ([]*md.Capsule, *se.Err) {
	selector := map[string]interface{}{"ownerId": ownerID}
	switch filter {
	case CapsuleFilterPending:
		selector["status"] = string(md.CapsuleStatusPending)
	case CapsuleFilterOpened:
		selector["status"] = string(md.CapsuleStatusOpened)
	}
	var docs []capsuleDoc
	if err := s.find(s.DBName, selector, &docs); err != nil {
		log.WithError(err).WithField("ownerId", ownerID).Error("error listing capsules")
		return nil, err
	}
	cs := make([]*md.Capsule, len(docs))
	for i := range docs {
		c := docs[i].Capsule
		cs[i] = &c
	}
	return cs, nil
}

func (s *CouchCapsuleStore) Nearby(p md.GeoPoint, radiusM float64, requesterID string) ([]*md.Capsule, *se.Err) {
	if requesterID == "" {
		return nil, se.ErrUnauthenticated("nearby requires an authenticated requester")
	}
	selector := map[string]interface{}{
		"type":   string(md.CapsuleTypeLocation),
		"status": string(md.CapsuleStatusPending),
	}
	var docs []capsuleDoc
	if err := s.find(s.DBName, selector, &docs); err != nil {
		log.WithError(err).Error("error querying pending location capsules")
		return nil, err
	}
	// geo filtering happens here; mango has no great-circle operator
	type hit struct {
		c *md.Capsule
		d float64
	}
	hits := make([]hit, 0, len(docs))
	for i := range docs {
		c := docs[i].Capsule
		if !c.OpenableBy(requesterID) || c.Condition.Center == nil {
			continue
		}
		if !geo.ProximityConditionMet(*c.Condition.Center, p, radiusM) {
			continue
		}
		hits = append(hits, hit{c: &c, d: geo.DistanceMeters(p, *c.Condition.Center)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].d < hits[j].d })
	cs := make([]*md.Capsule, len(hits))
	for i, h := range hits {
		cs[i] = h.c
	}
	return cs, nil
}

func (s *CouchCapsuleStore) Close() *se.Err {
	return s.close()
}

func (s *CouchCapsuleStore) getCapsuleDoc(id string) (*capsuleDoc, *se.Err) {
	doc := &capsuleDoc{}
	if err := s.getDoc(s.DBName, id, doc); err != nil {
		if err.Code == se.ErrCodeNotFound {
			return nil, se.ErrNotFound(fmt.Sprintf("capsule %s not found", id))
		}
		return nil, err
	}
	return doc, nil
}
