// Package directory vends user display-profile lookup. Shares freeze the
// counterpart's profile into their record at creation time, so lookups are
// read-mostly and tolerate staleness; a missing profile yields placeholder
// values, never a failure.
package directory

import (
	"fmt"
	"time"

	"github.com/bluele/gcache"
	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"
	md "wuyrush.io/locket/models"
)

const (
	fieldNameDisplayName = "displayName"
	fieldNamePhotoURL    = "photoUrl"

	keyTmplProfile = `profile.%s`
)

// PlaceholderName is shown when a user has no directory record.
const PlaceholderName = "Someone"

type Directory interface {
	// Resolve returns the display snapshot for the user. It always
	// returns a usable snapshot; unknown users get placeholder values
	Resolve(userID string) md.PartySnapshot
}

// RedisDirectory reads profiles from Redis hashes.
type RedisDirectory struct {
	DB *redis.Client
}

func (d *RedisDirectory) Resolve(userID string) md.PartySnapshot {
	clog := log.WithField("userId", userID)
	m, err := d.DB.HGetAll(fmt.Sprintf(keyTmplProfile, userID)).Result()
	if err != nil && err != redis.Nil {
		clog.WithError(err).Error("error loading profile, using placeholder")
	}
	snap := md.PartySnapshot{
		DisplayName: m[fieldNameDisplayName],
		PhotoURL:    m[fieldNamePhotoURL],
	}
	if snap.DisplayName == "" {
		snap.DisplayName = PlaceholderName
	}
	return snap
}

// Put writes a profile record; vended for registration and tests.
func (d *RedisDirectory) Put(userID string, snap md.PartySnapshot) error {
	_, err := d.DB.HMSet(fmt.Sprintf(keyTmplProfile, userID), map[string]interface{}{
		fieldNameDisplayName: snap.DisplayName,
		fieldNamePhotoURL:    snap.PhotoURL,
	}).Result()
	return err
}

// Cached wraps a Directory with an in-process LRU. Snapshots are frozen
// into shares anyway, so serving a slightly stale profile here is fine.
type Cached struct {
	Inner Directory
	TTL   time.Duration
	cache gcache.Cache
}

func NewCached(inner Directory, size int, ttl time.Duration) *Cached {
	return &Cached{
		Inner: inner,
		TTL:   ttl,
		cache: gcache.New(size).LRU().Build(),
	}
}

func (c *Cached) Resolve(userID string) md.PartySnapshot {
	if v, err := c.cache.Get(userID); err == nil {
		if snap, ok := v.(md.PartySnapshot); ok {
			return snap
		}
	} else if err != gcache.KeyNotFoundError {
		log.WithError(err).WithField("userId", userID).Error("error reading profile cache")
	}
	snap := c.Inner.Resolve(userID)
	if err := c.cache.SetWithExpire(userID, snap, c.TTL); err != nil {
		log.WithError(err).WithField("userId", userID).Error("error caching profile")
	}
	return snap
}
