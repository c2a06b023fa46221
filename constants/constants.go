// Package constants vends constants used in various components of locket service, e.g., env var names
package constants

const (
	// -------------- env vars --------------
	// common
	EnvVerbose = "LOCKET_VERBOSE"
	// stores
	EnvRedisHost   = "REDIS_HOST"
	EnvRedisPort   = "REDIS_PORT"
	EnvRedisPasswd = "REDIS_PASSWD"
	EnvRedisDB     = "REDIS_DB"
	EnvCouchAddr   = "COUCH_ADDR"
	EnvCouchUser   = "COUCH_USER"
	EnvCouchPasswd = "COUCH_PASSWD"
	// server
	EnvAppHost             = "LOCKET_HOST"
	EnvAppPort             = "LOCKET_PORT"
	EnvReaderAddr          = "LOCKET_READER_ADDR"
	EnvSessionSecret       = "LOCKET_SESSION_SECRET"
	EnvReqBodySizeMaxByte  = "LOCKET_REQ_BODY_SIZE_MAX_BYTE"
	EnvCapsuleItemCntMax   = "LOCKET_CAPSULE_ITEM_COUNT_MAX"
	EnvCapsuleItemSizeMax  = "LOCKET_CAPSULE_ITEM_SIZE_MAX_BYTE"
	EnvBlobRoot            = "LOCKET_BLOB_ROOT"
	EnvBlobBaseURL         = "LOCKET_BLOB_BASE_URL"
	EnvGeocoderAddr        = "LOCKET_GEOCODER_ADDR"
	EnvDirectoryCacheSize  = "LOCKET_DIRECTORY_CACHE_SIZE"
	EnvDirectoryCacheTTL   = "LOCKET_DIRECTORY_CACHE_TTL"
	EnvLiveShareMaxMinutes = "LOCKET_LIVE_SHARE_MAX_MINUTES"
	// tracker worker
	EnvTrackerUserID       = "LOCKET_TRACKER_USER_ID"
	EnvTrackerSessionFile  = "LOCKET_TRACKER_SESSION_FILE"
	EnvTrackerLocationFile = "LOCKET_TRACKER_LOCATION_FILE"
	EnvTrackerTickInterval = "LOCKET_TRACKER_TICK_INTERVAL"
	EnvTrackerCtlCacheSize = "LOCKET_TRACKER_CTL_CACHE_SIZE"

	// -------------- error messages --------------
	ErrMsgRequestBodyTooLarge = "request body too large"

	// -------------- log fields --------------
	LogFieldFuncName = "funcName"
)
