package common

// Environment variable keys
const (
	EnvConfigFile        = "CONFIG_FILE"
	EnvAPIKey            = "BROKER_API_KEY"
	EnvSecretKey         = "BROKER_SECRET_KEY"
	EnvBaseURL           = "BASE_URL"
	EnvWsURL             = "WS_URL"
	EnvSymbols           = "SYMBOLS"
	EnvDataPath          = "DATA_PATH"
	EnvMetricsPort       = "METRICS_PORT"
	EnvDryRun            = "DRY_RUN"
	EnvPingInterval      = "PING_INTERVAL"
	EnvRESTTimeout       = "REST_TIMEOUT"
	EnvStaleTickBound    = "STALE_TICK_BOUND"
	EnvReconcileInterval = "RECONCILE_INTERVAL"
	EnvMaxRetries        = "MAX_RETRIES"
	EnvBackoffBase       = "BACKOFF_BASE"
	EnvTrailFraction     = "TRAIL_FRACTION"
	EnvFatalWindow       = "FATAL_WINDOW"
	EnvFatalThreshold    = "FATAL_THRESHOLD"
	EnvConnFailureLimit  = "CONN_FAILURE_LIMIT"
)
