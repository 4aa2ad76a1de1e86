package cachekit

import (
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvTTL       = "CACHEKIT_TTL"
	EnvMaxSize   = "CACHEKIT_MAX_SIZE"
	EnvNamespace = "CACHEKIT_NAMESPACE"
)

// ConfigFromEnv builds a Config from the environment. CACHEKIT_TTL accepts
// extended duration strings such as "90m" or "1d12h". Unset variables
// leave the zero value; malformed ones fail construction.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if val := os.Getenv(EnvTTL); val != "" {
		ttl, err := str2duration.ParseDuration(val)
		if err != nil {
			return Config{}, errors.Wrapf(err, "cachekit: invalid %s %q", EnvTTL, val)
		}
		cfg.TTL = ttl
	}
	if val := os.Getenv(EnvMaxSize); val != "" {
		size, err := strconv.Atoi(val)
		if err != nil || size < 0 {
			return Config{}, errors.Newf("cachekit: invalid %s %q", EnvMaxSize, val)
		}
		cfg.MaxSize = size
	}
	cfg.Namespace = os.Getenv(EnvNamespace)
	return cfg, nil
}
