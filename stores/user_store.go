package stores

import (
	"fmt"
	"time"

	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	se "wuyrush.io/locket/errors"
)

const (
	bcryptCost                int = 8
	fieldNameUserID               = "id"
	fieldNameUserPasswdHash       = "hash"
	fieldNameUserCreationTime     = "creationTime"
	keyTmplUser                   = `user.%s`
)

// UserStore vends credential management backing the identity provider. It
// only answers "who is the caller"; all richer profile data lives in the
// directory.
type UserStore interface {
	// Register creates credentials for a new user id
	Register(userID, passwd string) *se.Err
	// Authenticate verifies the password for the user id, yielding an
	// Unauthenticated error on mismatch or unknown user
	Authenticate(userID, passwd string) *se.Err
}

type RedisUserStore struct {
	DB *redis.Client
}

func (r *RedisUserStore) Register(userID, passwd string) *se.Err {
	clog := log.WithField("userId", userID)
	if userID == "" || passwd == "" {
		return se.ErrBadInput("user id and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(passwd), bcryptCost)
	if err != nil {
		clog.WithError(err).Error("error creating user password hash")
		return se.ErrServiceFailure("error processing user password").WithCause(err)
	}
	key := fmt.Sprintf(keyTmplUser, userID)
	if _, err = r.DB.TxPipelined(func(p redis.Pipeliner) error {
		// check if user had already existed
		if id, err := p.HGet(key, fieldNameUserID).Result(); err != nil && err != redis.Nil {
			clog.Error("error checking the existence of user")
			return err
		} else if id != "" {
			return se.ErrBadInput("user id already taken")
		}
		p.HMSet(key, map[string]interface{}{
			fieldNameUserID:           userID,
			fieldNameUserPasswdHash:   string(hash),
			fieldNameUserCreationTime: time.Now().Unix(),
		})
		return nil
	}); err != nil {
		if serr, ok := err.(*se.Err); ok {
			return serr
		}
		clog.WithError(err).Error("error registering user")
		return se.ErrServiceFailure("error registering user").WithCause(err)
	}
	return nil
}

func (r *RedisUserStore) Authenticate(userID, passwd string) *se.Err {
	clog := log.WithField("userId", userID)
	hash, err := r.DB.HGet(fmt.Sprintf(keyTmplUser, userID), fieldNameUserPasswdHash).Result()
	if err == redis.Nil {
		return se.ErrUnauthenticated("unknown user")
	}
	if err != nil {
		clog.WithError(err).Error("error loading user credentials")
		return se.ErrServiceFailure("error loading user credentials").WithCause(err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(passwd)); err != nil {
		return se.ErrUnauthenticated("bad credentials")
	}
	return nil
}
