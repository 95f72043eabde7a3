package instance

import (
	"os"
	"strings"
)

// ID names this process in logs. STREAMFAIR_INSTANCE_ID wins, then the
// platform dyno name, then the hostname.
func ID() string {
	for _, key := range []string{"STREAMFAIR_INSTANCE_ID", "DYNO"} {
		if id := strings.TrimSpace(os.Getenv(key)); id != "" {
			return id
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}
