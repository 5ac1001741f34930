package httpengine

import (
	"os"
	"strconv"

	"github.com/google/uuid"
)

// generateSessionID returns a unique string for this engine instance
// (hostname+pid+random). It prefixes the partial files the instance creates.
func generateSessionID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "engine"
	}

	return sanitize(host) + "-" + strconv.Itoa(os.Getpid()) + "-" + uuid.NewString()[:8]
}

func sanitize(s string) string {
	out := []byte(s)

	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
		default:
			out[i] = '_'
		}
	}

	return string(out)
}
