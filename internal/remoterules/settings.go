// Package remoterules fetches, verifies and caches remote rulesets and merges
// them into the local configuration.
package remoterules

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	MergeRemoteWins = "remote_wins"
	MergeLocalWins  = "local_wins"

	defaultTTL         = 300
	defaultMaxTTL      = 86400
	defaultMaxJSONSize = 10 << 20
	defaultCacheFile   = "ruleset.json"
	defaultSigField    = "signature"
	algoEd25519        = "ed25519"
)

type Settings struct {
	Enabled         bool              `yaml:"enabled"`
	Endpoint        string            `yaml:"endpoint"`
	Headers         map[string]string `yaml:"headers"`
	CacheDir        string            `yaml:"cache_dir"`
	CacheFile       string            `yaml:"cache_file"`
	UseCacheOnError *bool             `yaml:"use_cache_on_error"`
	// MaxTTL caps the ruleset TTL in seconds. Zero disables the cap.
	MaxTTL        *int              `yaml:"max_ttl"`
	MaxJSONSize   int               `yaml:"max_json_size"`
	Signature     SignatureSettings `yaml:"signature"`
	MergeStrategy string            `yaml:"merge_strategy"`
}

type SignatureSettings struct {
	Enabled         bool   `yaml:"enabled"`
	PublicKeyBase64 string `yaml:"public_key_base64"`
	Field           string `yaml:"field"`
	Algo            string `yaml:"algo"`
}

func (s Settings) cacheDir() string {
	if s.CacheDir != "" {
		return s.CacheDir
	}
	return filepath.Join(os.TempDir(), "wafu-cache")
}

func (s Settings) cacheFile() string {
	if s.CacheFile != "" {
		return s.CacheFile
	}
	return defaultCacheFile
}

func (s Settings) useCacheOnError() bool {
	return s.UseCacheOnError == nil || *s.UseCacheOnError
}

func (s Settings) maxTTL() int64 {
	if s.MaxTTL == nil {
		return defaultMaxTTL
	}
	return int64(*s.MaxTTL)
}

func (s Settings) maxJSONSize() int {
	if s.MaxJSONSize > 0 {
		return s.MaxJSONSize
	}
	return defaultMaxJSONSize
}

// Strategy returns the merge strategy; anything but local_wins is remote_wins.
func (s Settings) Strategy() string {
	if strings.TrimSpace(s.MergeStrategy) == MergeLocalWins {
		return MergeLocalWins
	}
	return MergeRemoteWins
}

func (s SignatureSettings) field() string {
	if s.Field != "" {
		return s.Field
	}
	return defaultSigField
}

func (s SignatureSettings) algo() string {
	if s.Algo != "" {
		return s.Algo
	}
	return algoEd25519
}

func clampTTL(ttl, maxTTL int64) int64 {
	if maxTTL > 0 && ttl > maxTTL {
		return maxTTL
	}
	return ttl
}
