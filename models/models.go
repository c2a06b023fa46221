package models

import (
	"math"
	"time"
)

/*
 Application layer data models.
*/

// GeoPoint is a WGS84 latitude/longitude pair.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the point carries usable coordinates. Condition
// evaluation treats invalid points as never-matching, so a malformed client
// payload can only keep a capsule closed, not open it.
func (p GeoPoint) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// Coordinate is the payload held in the realtime channel: the single latest
// device fix of a live share, or the one embedded fix of an instant share.
type Coordinate struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	AccuracyM float64   `json:"accuracyM"`
	AltitudeM float64   `json:"altitudeM"`
	Heading   float64   `json:"heading"`
	SpeedMPS  float64   `json:"speedMPS"`
	Timestamp time.Time `json:"timestamp"`
}

func (c Coordinate) Point() GeoPoint {
	return GeoPoint{Lat: c.Lat, Lon: c.Lon}
}

type CapsuleType string

const (
	CapsuleTypeTime     CapsuleType = "time"
	CapsuleTypeLocation CapsuleType = "location"
)

type CapsuleStatus string

const (
	CapsuleStatusPending CapsuleStatus = "pending"
	CapsuleStatusOpened  CapsuleStatus = "opened"
)

// CanOpen reports whether the Pending->Opened transition is legal from s.
// A capsule never re-enters Pending.
func (s CapsuleStatus) CanOpen() bool {
	return s == CapsuleStatusPending
}

type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentImage ContentKind = "image"
	ContentVideo ContentKind = "video"
	ContentAudio ContentKind = "audio"
	ContentFile  ContentKind = "file"
)

// ContentItem is one entry of a capsule's ordered contents list. Text items
// embed their body; all other kinds reference an already-uploaded blob URL.
type ContentItem struct {
	Kind      ContentKind `json:"kind"`
	Body      string      `json:"body,omitempty"`
	URL       string      `json:"url,omitempty"`
	Name      string      `json:"name,omitempty"`
	SizeBytes int64       `json:"sizeBytes,omitempty"`
}

func (i ContentItem) Valid() bool {
	switch i.Kind {
	case ContentText:
		return i.Body != ""
	case ContentImage, ContentVideo:
		return i.URL != ""
	case ContentAudio:
		return i.URL != "" && i.Name != ""
	case ContentFile:
		return i.URL != "" && i.Name != "" && i.SizeBytes >= 0
	}
	return false
}

type RecipientMode string

const (
	RecipientSelf     RecipientMode = "self"
	RecipientPublic   RecipientMode = "public"
	RecipientSpecific RecipientMode = "specific"
)

type RecipientPolicy struct {
	Mode    RecipientMode `json:"mode"`
	UserIDs []string      `json:"userIds,omitempty"`
}

// Allows reports whether userID may open a capsule owned by ownerID under
// this policy. The owner may always open their own capsule.
func (p RecipientPolicy) Allows(ownerID, userID string) bool {
	if userID == "" {
		return false
	}
	if userID == ownerID {
		return true
	}
	switch p.Mode {
	case RecipientPublic:
		return true
	case RecipientSpecific:
		for _, id := range p.UserIDs {
			if id == userID {
				return true
			}
		}
	}
	return false
}

// OpenCondition is the unlock predicate of a capsule. Time capsules carry
// OpenAt; location capsules carry Center+RadiusM and optionally ValidUntil.
type OpenCondition struct {
	OpenAt     *time.Time `json:"openAt,omitempty"`
	Center     *GeoPoint  `json:"center,omitempty"`
	RadiusM    float64    `json:"radiusM,omitempty"`
	ValidUntil *time.Time `json:"validUntil,omitempty"`
}

type Capsule struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"ownerId"`
	Type       CapsuleType     `json:"type"`
	Title      string          `json:"title"`
	Contents   []ContentItem   `json:"contents"`
	Recipients RecipientPolicy `json:"recipients"`
	Condition  OpenCondition   `json:"condition"`
	Status     CapsuleStatus   `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
	OpenedAt   *time.Time      `json:"openedAt,omitempty"`
	OpenedBy   string          `json:"openedBy,omitempty"`
}

// ValidCondition checks the type-specific condition fields required at
// creation time.
func (c *Capsule) ValidCondition() bool {
	switch c.Type {
	case CapsuleTypeTime:
		return c.Condition.OpenAt != nil
	case CapsuleTypeLocation:
		return c.Condition.Center != nil && c.Condition.Center.Valid() && c.Condition.RadiusM > 0
	}
	return false
}

// OpenableBy is the authorization predicate of open(): requester is owner,
// or named in a specific policy, or the capsule is public.
func (c *Capsule) OpenableBy(userID string) bool {
	return c.Recipients.Allows(c.OwnerID, userID)
}

// Opened holds iff both open markers are set, the invariant checked by tests
// and maintained by the store's conditional transition.
func (c *Capsule) Opened() bool {
	return c.Status == CapsuleStatusOpened && c.OpenedAt != nil && c.OpenedBy != ""
}

type ShareKind string

const (
	ShareInstant ShareKind = "instant"
	ShareLive    ShareKind = "live"
)

type ShareStatus string

const (
	ShareStatusActive  ShareStatus = "active"
	ShareStatusStopped ShareStatus = "stopped"
)

// CanStop reports whether the Active->Stopped transition is legal from s.
// Stopping an already-stopped share is a no-op for callers, never an error.
func (s ShareStatus) CanStop() bool {
	return s == ShareStatusActive
}

// PartySnapshot is counterpart display data frozen into a share record at
// creation time. It is a read optimization and explicitly goes stale.
type PartySnapshot struct {
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoUrl,omitempty"`
}

type LocationShare struct {
	ID               string        `json:"id"`
	Kind             ShareKind     `json:"kind"`
	SenderID         string        `json:"senderId"`
	ReceiverID       string        `json:"receiverId"`
	Status           ShareStatus   `json:"status"`
	SenderSnapshot   PartySnapshot `json:"senderSnapshot"`
	ReceiverSnapshot PartySnapshot `json:"receiverSnapshot"`
	// Coordinate is only set for instant shares; live shares keep their
	// latest fix in the realtime channel instead
	Coordinate *Coordinate `json:"coordinate,omitempty"`
	// Place is a reverse-geocoded label, cosmetic only
	Place           string    `json:"place,omitempty"`
	StartTime       time.Time `json:"startTime,omitempty"`
	EndTime         time.Time `json:"endTime,omitempty"`
	DurationMinutes int       `json:"durationMinutes,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Expired reports whether a live share ran past its window. Expiry is soft:
// it is enforced when a tracker tick or a reader next observes the record.
func (s *LocationShare) Expired(now time.Time) bool {
	return s.Kind == ShareLive && now.After(s.EndTime)
}

type ShareSide string

const (
	SideSent     ShareSide = "sent"
	SideReceived ShareSide = "received"
)

// ShareView is the read-boundary shape of a share: the same stored record
// tagged by query side, rendered with the counterpart's display data.
type ShareView struct {
	LocationShare
	IsSent      bool          `json:"isSent,omitempty"`
	IsReceived  bool          `json:"isReceived,omitempty"`
	Counterpart PartySnapshot `json:"counterpart"`
}

// ViewAs renders the share for one query side. Sent-side views show the
// receiver's snapshot; received-side views show the sender's.
func (s LocationShare) ViewAs(side ShareSide) ShareView {
	v := ShareView{LocationShare: s}
	switch side {
	case SideSent:
		v.IsSent = true
		v.Counterpart = s.ReceiverSnapshot
	case SideReceived:
		v.IsReceived = true
		v.Counterpart = s.SenderSnapshot
	}
	return v
}

// TrackingSession is the tracking supervisor's persisted state. At most one
// session exists per device; a new start supersedes any prior session.
type TrackingSession struct {
	UserID  string    `json:"userId"`
	ShareID string    `json:"shareId"`
	EndTime time.Time `json:"endTime"`
}

func (ts *TrackingSession) Expired(now time.Time) bool {
	return now.After(ts.EndTime)
}
