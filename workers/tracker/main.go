// Package tracker vends the device-side background tracking worker: it
// listens for tracking commands addressed to its user, runs the tracking
// supervisor and keeps pushing fixes for the active live share even while
// the app itself is gone. The persisted session lets a restarted worker
// resume mid-share.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bluele/gcache"
	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"wuyrush.io/locket/common/logging"
	rt "wuyrush.io/locket/common/retry"
	cst "wuyrush.io/locket/constants"
	dr "wuyrush.io/locket/directory"
	se "wuyrush.io/locket/errors"
	md "wuyrush.io/locket/models"
	"wuyrush.io/locket/realtime"
	sh "wuyrush.io/locket/shares"
	st "wuyrush.io/locket/stores"
	"wuyrush.io/locket/tracking"
)

const (
	defaultTickInterval = 15 * time.Second
	defaultCtlCacheSize = 256
	// how long a seen command id stays in the dedupe cache
	ctlDedupeTTL = time.Minute
)

func main() {
	if err := runTracker(); err != nil {
		log.WithError(err).Fatal("error running tracker")
	}
}

func setupRedis() (*redis.Client, error) {
	retryOpts := []rt.RetryOption{
		rt.WithTimeout(3 * time.Second),
		rt.WithBaseDelay(100 * time.Millisecond),
		rt.WithExp(2.0),
		rt.WithRetryOn(rt.IsDepOffline),
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:       fmt.Sprintf("%s:%s", viper.GetString(cst.EnvRedisHost), viper.GetString(cst.EnvRedisPort)),
		Password:   viper.GetString(cst.EnvRedisPasswd),
		DB:         viper.GetInt(cst.EnvRedisDB),
		MaxRetries: 3,
	})
	// verify the client is up correctly
	pingFn := func() error {
		_, err := redisClient.Ping().Result()
		return err
	}
	if err := rt.Retry(pingFn, retryOpts...); err != nil {
		return nil, se.ErrServiceFailure("failed initializing Redis").WithCause(err)
	}
	return redisClient, nil
}

type tracker struct {
	userID   string
	sv       *tracking.Supervisor
	channel  realtime.Channel
	tick     time.Duration
	ctlCache gcache.Cache
}

func runTracker() error {
	viper.AutomaticEnv()
	logging.SetupLog("LocketTracker", viper.GetBool(cst.EnvVerbose))
	clog := logging.WithFuncName()
	userID := viper.GetString(cst.EnvTrackerUserID)
	if userID == "" {
		clog.Fatal("got empty tracker user id")
	}
	sessionFile := viper.GetString(cst.EnvTrackerSessionFile)
	if sessionFile == "" {
		clog.Fatal("got empty tracker session file path")
	}
	locationFile := viper.GetString(cst.EnvTrackerLocationFile)
	if locationFile == "" {
		clog.Fatal("got empty tracker location file path")
	}
	redisClient, err := setupRedis()
	if err != nil {
		clog.WithError(err).Error("error setting up Redis")
		return err
	}
	ss := st.NewCouchShareStore(&st.CouchConfig{
		DBAddr:     viper.GetString(cst.EnvCouchAddr),
		DBUsername: viper.GetString(cst.EnvCouchUser),
		DBPasswd:   viper.GetString(cst.EnvCouchPasswd),
	}, "instant_shares", "live_shares")
	defer ss.Close()
	channel := &realtime.RedisChannel{DB: redisClient}
	defer channel.Close()
	reg := sh.NewRegistry(ss, channel, &dr.RedisDirectory{DB: redisClient}, nil)

	tick := viper.GetDuration(cst.EnvTrackerTickInterval)
	if tick <= 0 {
		tick = defaultTickInterval
	}
	ctlCacheSize := viper.GetInt(cst.EnvTrackerCtlCacheSize)
	if ctlCacheSize <= 0 {
		ctlCacheSize = defaultCtlCacheSize
	}
	t := &tracker{
		userID: userID,
		sv: tracking.NewSupervisor(
			&tracking.FileSessionStore{Path: sessionFile},
			&tracking.FileLocationSource{Path: locationFile},
			reg,
		),
		channel:  channel,
		tick:     tick,
		ctlCache: gcache.New(ctlCacheSize).LRU().Build(),
	}
	return t.Run()
}

func (t *tracker) Run() error {
	clog := logging.WithFuncName().WithField("userId", t.userID)
	sub, serr := t.channel.SubscribeTrackingCommands(t.userID, t.handleCommand)
	if serr != nil {
		clog.WithError(serr).Error("error subscribing to tracking commands")
		return serr
	}
	defer sub.Close()
	tkr := time.NewTicker(t.tick)
	defer tkr.Stop()
	// ensure the worker can be responsive to system signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	clog.WithField("tickInterval", t.tick).Info("tracker is up")
LoopRun:
	for {
		select {
		case <-tkr.C:
			t.sv.Tick()
		case <-sigChan:
			clog.Info("got termination signal from kernel. Stopping")
			break LoopRun
		}
	}
	return nil
}

// handleCommand applies one tracking command. Command delivery is at least
// once, so replays within the dedupe window are dropped.
func (t *tracker) handleCommand(cmd realtime.TrackingCommand) {
	clog := logging.WithFuncName().WithFields(log.Fields{"shareId": cmd.ShareID, "op": cmd.Op})
	key := fmt.Sprintf("%s.%s", cmd.Op, cmd.ShareID)
	if _, err := t.ctlCache.Get(key); err == nil {
		clog.Debug("dropping duplicate tracking command")
		return
	} else if err != gcache.KeyNotFoundError {
		clog.WithError(err).Error("error querying command dedupe cache")
	}
	if err := t.ctlCache.SetWithExpire(key, struct{}{}, ctlDedupeTTL); err != nil {
		clog.WithError(err).Error("error caching command id")
	}
	switch cmd.Op {
	case realtime.TrackingStart:
		if err := t.sv.Start(md.TrackingSession{UserID: cmd.UserID, ShareID: cmd.ShareID, EndTime: cmd.EndTime}); err != nil {
			clog.WithError(err).Error("error starting tracking session")
		}
	case realtime.TrackingStop:
		t.sv.Stop(cmd.ShareID)
	default:
		clog.Error("got unknown tracking command op")
	}
}
