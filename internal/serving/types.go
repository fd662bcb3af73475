package serving

import (
	"time"

	"github.com/Brownie44l1/classify-api/internal/config"
)

// MaxBatchSize bounds the number of requests in one batch call.
const MaxBatchSize = 100

// DefaultCacheTTL applies when neither the request nor the service
// configures a TTL.
const DefaultCacheTTL = 3600

type Request struct {
	Rows     [][]float32
	UseCache bool
	CacheTTL int // seconds; 0 means the service default
}

// TTL returns how long a result of this request may stay cached. def is
// the service default in seconds.
func (r Request) TTL(def int) time.Duration {
	switch {
	case r.CacheTTL != 0:
		return time.Duration(r.CacheTTL) * time.Second
	case def != 0:
		return time.Duration(def) * time.Second
	default:
		return DefaultCacheTTL * time.Second
	}
}

// Result is both the response body and the cached value.
type Result struct {
	Labels        []int64     `json:"predictions"`
	Probabilities [][]float32 `json:"probabilities"`
	Meta          Meta        `json:"model_info"`
}

type Meta struct {
	ModelName      string  `json:"model_name"`
	ElapsedSeconds float64 `json:"prediction_time"`
	InputShape     [2]int  `json:"input_shape"`
	Cached         bool    `json:"cached"`
}

// BatchItem is one positional slot of a batch response.
type BatchItem struct {
	Result *Result
	Err    error
}

// Health is the liveness summary.
type Health struct {
	Status         string  `json:"status"`
	ModelLoaded    bool    `json:"model_loaded"`
	CacheConnected bool    `json:"cache_connected"`
	CacheBackend   string  `json:"cache_backend"`
	ModelName      string  `json:"model_name,omitempty"`
	Version        string  `json:"version"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

func validTTL(ttl int) bool {
	return ttl == 0 || (ttl >= config.MinCacheTTL && ttl <= config.MaxCacheTTL)
}
