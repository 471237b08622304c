package instance

import (
	"os"

	"github.com/angelmondragon/bazaar-backend/pkg/env"
)

const fallbackID = "worker-0"

// GetID names this process in cron lock values. BAZAAR_WORKER_ID or
// WORKER_ID wins, then the container hostname.
func GetID() string {
	if id := env.Get("WORKER_ID", ""); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fallbackID
}
