package pan

import "time"

// ConfigInfo holds the global knobs shared by the upstream adapter and
// the gateway.  The zero value is not usable - use NewConfig.
type ConfigInfo struct {
	LogLevel       LogLevel
	UseJSONLog     bool
	ConnectTimeout time.Duration // dialer timeout for all upstream connections
	Timeout        time.Duration // idle read/write timeout for control-plane calls
	UploadTimeout  time.Duration // idle read/write timeout for chunk uploads
	UserAgent      string
	TPSLimit       float64 // if > 0 limit upstream transactions per second
	TPSLimitBurst  int
	PoolIdleConns  int // idle connections kept per upstream host
	PoolMaxConns   int // hard ceiling of connections per upstream host
	ScratchDir     string
	TokenFile      string
}

// NewConfig returns a ConfigInfo with the defaults the upstream
// tolerates well: 30s to connect everywhere, 30s idle reads on the
// dispatcher, 300s idle reads on the chunk upload origin, and a
// keep-alive pool sized 10/20 so chunk uploads reuse connections.
func NewConfig() *ConfigInfo {
	return &ConfigInfo{
		LogLevel:       LogLevelNotice,
		ConnectTimeout: 30 * time.Second,
		Timeout:        30 * time.Second,
		UploadTimeout:  300 * time.Second,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36 Edg/114.0.1823.37",
		TPSLimitBurst:  1,
		PoolIdleConns:  10,
		PoolMaxConns:   20,
		ScratchDir:     "uploads",
		TokenFile:      "tokens.json",
	}
}

// Config is the global configuration, mutated by the command line flags
// before any component starts.
var Config = NewConfig()
