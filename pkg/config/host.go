package config

import (
	"fmt"
	"os"
	"sync"
)

// containerMarkers exist at the filesystem root inside Docker and Podman.
var containerMarkers = []string{"/.dockerenv", "/run/.containerenv"}

// inContainer is checked once per process; tests replace it.
var inContainer = sync.OnceValue(func() bool {
	for _, path := range containerMarkers {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
})

// DialHost is the host the backend is reached at. A loopback host becomes
// host.docker.internal inside a container, where loopback is the
// container itself rather than the machine running the database.
func (b *BackendConfig) DialHost() string {
	switch b.Host {
	case "localhost", "127.0.0.1", "::1":
		if inContainer() {
			return "host.docker.internal"
		}
	}
	return b.Host
}

// Address returns host:port for networked backends, substituting
// defaultPort when none is configured.
func (b *BackendConfig) Address(defaultPort int) string {
	port := b.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", b.DialHost(), port)
}
