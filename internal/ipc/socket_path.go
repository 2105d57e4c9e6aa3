package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// socketCounter provides unique socket paths when several sockets are created concurrently.
var socketCounter atomic.Uint64

// maxSocketPath is the usable length of sockaddr_un.sun_path.
const maxSocketPath = 107

// SocketPath returns a fresh socket path under the temp dir with the given prefix.
func SocketPath(prefix string) string {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d-%d-%d.sock",
		prefix, os.Getpid(), time.Now().UnixNano(), socketCounter.Add(1)))
	if len(path) <= maxSocketPath {
		return path
	}
	// Long TMPDIRs overflow sun_path; fall back to a shorter name format.
	return filepath.Join("/tmp", fmt.Sprintf("%s-%d-%d.sock", prefix, os.Getpid(), socketCounter.Add(1)))
}

func checkSocketPath(path string) error {
	if path == "" {
		return fmt.Errorf("ipc: empty socket path")
	}
	if len(path) > maxSocketPath {
		return fmt.Errorf("ipc: socket path %q exceeds %d bytes", path, maxSocketPath)
	}
	return nil
}
