package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis"
	"github.com/gorilla/sessions"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"wuyrush.io/locket/common/logging"
	rt "wuyrush.io/locket/common/retry"
	cst "wuyrush.io/locket/constants"
	dr "wuyrush.io/locket/directory"
	se "wuyrush.io/locket/errors"
	"wuyrush.io/locket/geocode"
	"wuyrush.io/locket/realtime"
	sh "wuyrush.io/locket/shares"
	st "wuyrush.io/locket/stores"
)

const (
	defaultDirectoryCacheSize = 1024
	defaultDirectoryCacheTTL  = 5 * time.Minute
)

// locketServer serves the application's write path: capsule lifecycle, share
// lifecycle and the live feed. Read-mostly traffic goes to the reader
// component instead.
type locketServer struct {
	CS       st.CapsuleStore
	BS       st.BlobStore
	US       st.UserStore
	Profiles *dr.RedisDirectory
	Reg      *sh.Registry
	Sessions sessions.Store
	Router   *httprouter.Router
}

func (s *locketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// start up application server and serve incoming requests
func serve() error {
	// read configuration from env vars
	viper.AutomaticEnv()
	logging.SetupLog("LocketServer", viper.GetBool(cst.EnvVerbose))
	// initialize dependencies in data layer
	// NOTE docker compose's depends_on feature only guarantee the startup order of *service containers*,
	// instead of the services themselves - It is us who define when the services are ready
	redisClient, err := setupRedis()
	if err != nil {
		return err
	}
	cs, err := setupCapsuleStore()
	if err != nil {
		return err
	}
	defer cs.Close()
	ss, err := setupShareStore()
	if err != nil {
		return err
	}
	defer ss.Close()

	profiles := &dr.RedisDirectory{DB: redisClient}
	channel := &realtime.RedisChannel{DB: redisClient}
	defer channel.Close()
	reg := sh.NewRegistry(ss, channel, setupDirectory(profiles), setupGeocoder())
	reg.MaxLiveMinutes = viper.GetInt(cst.EnvLiveShareMaxMinutes)

	svr := &locketServer{
		CS:       cs,
		BS:       &st.LocalBlobStore{},
		US:       &st.RedisUserStore{DB: redisClient},
		Profiles: profiles,
		Reg:      reg,
		Sessions: sessions.NewCookieStore([]byte(viper.GetString(cst.EnvSessionSecret))),
	}
	svr.SetupMux()

	host, port := viper.GetString(cst.EnvAppHost), viper.GetString(cst.EnvAppPort)
	log.WithFields(log.Fields{
		"host": host,
		"port": port,
	}).Infof("locket server is starting up")
	addr := fmt.Sprintf("%s:%s", host, port)
	return http.ListenAndServe(addr, svr)
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

func couchConfig() *st.CouchConfig {
	return &st.CouchConfig{
		DBAddr:     viper.GetString(cst.EnvCouchAddr),
		DBUsername: viper.GetString(cst.EnvCouchUser),
		DBPasswd:   viper.GetString(cst.EnvCouchPasswd),
	}
}

func setupCapsuleStore() (st.CapsuleStore, error) {
	return st.NewCouchCapsuleStore(couchConfig(), "capsules"), nil
}

func setupShareStore() (st.ShareStore, error) {
	return st.NewCouchShareStore(couchConfig(), "instant_shares", "live_shares"), nil
}

func setupDirectory(profiles *dr.RedisDirectory) sh.Directory {
	size := viper.GetInt(cst.EnvDirectoryCacheSize)
	if size <= 0 {
		size = defaultDirectoryCacheSize
	}
	ttl := viper.GetDuration(cst.EnvDirectoryCacheTTL)
	if ttl <= 0 {
		ttl = defaultDirectoryCacheTTL
	}
	return dr.NewCached(profiles, size, ttl)
}

func setupGeocoder() geocode.Resolver {
	addr := viper.GetString(cst.EnvGeocoderAddr)
	if addr == "" {
		// place labels are cosmetic; run fine without a geocoder
		return geocode.NoopResolver{}
	}
	return geocode.NewClient(&geocode.Config{Addr: addr})
}
