package api

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/fosrl/tunnelctl/logger"
)

// createSocketListener creates a Unix domain socket listener
func createSocketListener(socketPath string) (net.Listener, error) {
	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on Unix socket: %w", err)
	}

	// Only root and the socket group may drive the tunnel.
	if err := os.Chmod(socketPath, 0o660); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}

	logger.Debug("api: created Unix socket at %s", socketPath)
	return listener, nil
}

// cleanupSocket removes the Unix socket file
func cleanupSocket(socketPath string) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		logger.Error("api: failed to remove socket file %s: %v", socketPath, err)
	} else {
		logger.Debug("api: removed Unix socket at %s", socketPath)
	}
}
