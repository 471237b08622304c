package env

import (
	"os"
	"strings"
)

// Prefix namespaces process-level switches read outside the config struct.
const Prefix = "BAZAAR_"

// Get returns BAZAAR_<key>, then the bare key, then fallback.
func Get(key, fallback string) string {
	for _, name := range []string{Prefix + key, key} {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return fallback
}
