package procpool

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// socketDirMode restricts workDir to the owning user; worker sockets
// carry no transport-level auth of their own.
const socketDirMode = 0o700

// ensureWorkDir creates workDir recursively with socketDirMode.
func ensureWorkDir(workDir string) error {
	if err := os.MkdirAll(workDir, socketDirMode); err != nil {
		return fmt.Errorf("create work dir %s: %w", workDir, err)
	}
	// MkdirAll does not change the mode of a directory that already
	// existed; enforce it explicitly.
	if err := os.Chmod(workDir, socketDirMode); err != nil {
		return fmt.Errorf("chmod work dir %s: %w", workDir, err)
	}
	return nil
}

// newHandleID generates a 16-hex-char identifier used both as the
// WorkerHandle's id and as its socket's basename.
func newHandleID() string {
	id := uuid.New()
	hexStr := id.String()
	// strip hyphens, keep the first 16 hex characters.
	compact := make([]byte, 0, 32)
	for i := 0; i < len(hexStr); i++ {
		if hexStr[i] != '-' {
			compact = append(compact, hexStr[i])
		}
	}
	return string(compact[:16])
}

// socketPathFor returns the absolute socket path for a handle under
// workDir.
func socketPathFor(workDir, handleID string) string {
	return filepath.Join(workDir, handleID+".sock")
}

// removeSocket deletes a socket file if present. Not an error if already
// gone: the owning handle may have exited and cleaned it up first.
func removeSocket(socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove socket %s: %w", socketPath, err)
	}
	return nil
}
