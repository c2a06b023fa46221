package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis"
	"github.com/gorilla/sessions"
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
)

const (
	sessionName      = "locket_session"
	sessionKeyUserID = "userId"
)

// reader handles read traffic of locket. Multiple readers form the service
// component answering the application's read operations: capsule browsing,
// share views and the latest live coordinate
type reader struct {
	CS       st.CapsuleStore
	Reg      *sh.Registry
	Dir      sh.Directory
	Sessions sessions.Store
	Router   *gin.Engine
}

func main() {
	if err := serve(); err != nil {
		log.WithError(err).Fatal("error running reader")
	}
}

func serve() error {
	viper.AutomaticEnv()
	logging.SetupLog("LocketReader", viper.GetBool(cst.EnvVerbose))
	redisClient, err := setupRedis()
	if err != nil {
		return err
	}
	couchCfg := &st.CouchConfig{
		DBAddr:     viper.GetString(cst.EnvCouchAddr),
		DBUsername: viper.GetString(cst.EnvCouchUser),
		DBPasswd:   viper.GetString(cst.EnvCouchPasswd),
	}
	cs := st.NewCouchCapsuleStore(couchCfg, "capsules")
	defer cs.Close()
	ss := st.NewCouchShareStore(couchCfg, "instant_shares", "live_shares")
	defer ss.Close()
	dir := &dr.RedisDirectory{DB: redisClient}
	channel := &realtime.RedisChannel{DB: redisClient}
	defer channel.Close()

	r := &reader{
		CS:       cs,
		Reg:      sh.NewRegistry(ss, channel, dir, nil),
		Dir:      dir,
		Sessions: sessions.NewCookieStore([]byte(viper.GetString(cst.EnvSessionSecret))),
	}
	r.SetupRoutes()
	return r.Router.Run()
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
	pingFn := func() error {
		_, err := redisClient.Ping().Result()
		return err
	}
	if err := rt.Retry(pingFn, retryOpts...); err != nil {
		return nil, se.ErrServiceFailure("failed initializing Redis").WithCause(err)
	}
	return redisClient, nil
}

func (r *reader) SetupRoutes() {
	rt := gin.Default()

	rt.GET("/capsule/:id", r.HandleTaskGetCapsule)
	rt.GET("/capsules", r.HandleTaskListCapsules)
	rt.GET("/capsules/nearby", r.HandleTaskNearbyCapsules)
	rt.GET("/share/:kind/:id", r.HandleTaskGetShare)
	rt.GET("/share/:kind/:id/coordinate", r.HandleTaskShareCoordinate)
	rt.GET("/shares/:kind", r.HandleTaskListShares)
	rt.GET("/user/:id", r.HandleTaskGetUserProfile)
	r.Router = rt
	return
}

func (r *reader) HandleTaskGetCapsule(ctx *gin.Context) {
	uid, serr := r.identity(ctx)
	if serr != nil {
		abortErr(ctx, serr)
		return
	}
	c, serr := r.CS.Get(ctx.Param("id"))
	if serr != nil {
		abortErr(ctx, serr)
		return
	}
	if c.OwnerID != uid {
		if !c.OpenableBy(uid) {
			abortErr(ctx, se.ErrUnauthorized("capsule is not addressed to you"))
			return
		}
		if !c.Opened() {
			c.Contents = nil
		}
	}
	ctx.JSON(http.StatusOK, c)
}

func (r *reader) HandleTaskListCapsules(ctx *gin.Context) {
	uid, serr := r.identity(ctx)
	if serr != nil {
		abortErr(ctx, serr)
		return
	}
	filter := st.CapsuleFilter(ctx.DefaultQuery("filter", string(st.CapsuleFilterAll)))
	cs, serr := r.CS.ListByOwner(uid, filter)
	if serr != nil {
		abortErr(ctx, serr)
		return
	}
	ctx.JSON(http.StatusOK, cs)
}

func (r *reader) HandleTaskNearbyCapsules(ctx *gin.Context) {
	uid, serr := r.identity(ctx)
	if serr != nil {
		abortErr(ctx, serr)
		return
	}
	// lat/lon bind as pointers; zero is a legitimate coordinate
	var q struct {
		Lat     *float64 `form:"lat" binding:"required"`
		Lon     *float64 `form:"lon" binding:"required"`
		RadiusM float64  `form:"radiusM" binding:"required,gt=0"`
	}
	if err := ctx.ShouldBindQuery(&q); err != nil {
		abortErr(ctx, se.ErrBadInput("nearby requires numeric lat, lon and positive radiusM").WithCause(err))
		return
	}
	cs, serr := r.CS.Nearby(md.GeoPoint{Lat: *q.Lat, Lon: *q.Lon}, q.RadiusM, uid)
	if serr != nil {
		abortErr(ctx, serr)
		return
	}
	ctx.JSON(http.StatusOK, cs)
}

func (r *reader) HandleTaskGetShare(ctx *gin.Context) {
	uid, serr := r.identity(ctx)
	if serr != nil {
		abortErr(ctx, serr)
		return
	}
	kind, serr := parseShareKind(ctx.Param("kind"))
	if serr != nil {
		abortErr(ctx, serr)
		return
	}
	v, serr := r.Reg.Get(kind, ctx.Param("id"), uid)
	if serr != nil {
		abortErr(ctx, serr)
		return
	}
	ctx.JSON(http.StatusOK, v)
}

func (r *reader) HandleTaskShareCoordinate(ctx *gin.Context) {
	uid, serr := r.identity(ctx)
	if serr != nil {
		abortErr(ctx, serr)
		return
	}
	if kind, serr := parseShareKind(ctx.Param("kind")); serr != nil {
		abortErr(ctx, serr)
		return
	} else if kind != md.ShareLive {
		abortErr(ctx, se.ErrBadInput("only live shares carry a realtime coordinate"))
		return
	}
	c, serr := r.Reg.Coordinate(ctx.Param("id"), uid)
	if serr != nil {
		abortErr(ctx, serr)
		return
	}
	ctx.JSON(http.StatusOK, c)
}

func (r *reader) HandleTaskListShares(ctx *gin.Context) {
	uid, serr := r.identity(ctx)
	if serr != nil {
		abortErr(ctx, serr)
		return
	}
	kind, serr := parseShareKind(ctx.Param("kind"))
	if serr != nil {
		abortErr(ctx, serr)
		return
	}
	side := md.ShareSide(ctx.Query("side"))
	if side != md.SideSent && side != md.SideReceived {
		abortErr(ctx, se.ErrBadInput("side must be sent or received"))
		return
	}
	status := md.ShareStatus(ctx.DefaultQuery("status", string(md.ShareStatusActive)))
	views, serr := r.Reg.List(kind, side, uid, status)
	if serr != nil {
		abortErr(ctx, serr)
		return
	}
	ctx.JSON(http.StatusOK, views)
}

func (r *reader) HandleTaskGetUserProfile(ctx *gin.Context) {
	if _, serr := r.identity(ctx); serr != nil {
		abortErr(ctx, serr)
		return
	}
	ctx.JSON(http.StatusOK, r.Dir.Resolve(ctx.Param("id")))
}

func (r *reader) identity(ctx *gin.Context) (string, *se.Err) {
	sess, err := r.Sessions.Get(ctx.Request, sessionName)
	if err != nil {
		return "", se.ErrUnauthenticated("invalid session").WithCause(err)
	}
	uid, ok := sess.Values[sessionKeyUserID].(string)
	if !ok || uid == "" {
		return "", se.ErrUnauthenticated("login required")
	}
	return uid, nil
}

func parseShareKind(raw string) (md.ShareKind, *se.Err) {
	switch k := md.ShareKind(raw); k {
	case md.ShareInstant, md.ShareLive:
		return k, nil
	}
	return "", se.ErrBadInput(fmt.Sprintf("unknown share kind %q", raw))
}

func abortErr(ctx *gin.Context, serr *se.Err) {
	ctx.AbortWithStatusJSON(serr.StatusCode(), gin.H{
		"code":  string(serr.Code),
		"error": serr.Error(),
	})
}
