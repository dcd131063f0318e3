package config

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// Version is the content hash of cfg as a short hex string. Snapshots built from the same
// content share a version.
func Version(cfg *Config) string {
	return fmt.Sprintf("%016x", hashConfig(cfg))
}
