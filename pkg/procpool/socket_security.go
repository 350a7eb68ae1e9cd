package procpool

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// SocketSecurityConfig defines peer-verification settings for the
// per-handle compute sockets. This hardens the workDir 0700 filesystem
// permission model with an additional identity check on connect.
type SocketSecurityConfig struct {
	// RequireSameUser, if true, only allows connections from the same UID
	// the supervisor is running as.
	RequireSameUser bool

	// AllowedUIDs, if non-empty, additionally restricts connections to
	// these UIDs.
	AllowedUIDs []uint32
}

// DefaultSocketSecurityConfig returns the default: same-user only.
func DefaultSocketSecurityConfig() SocketSecurityConfig {
	return SocketSecurityConfig{RequireSameUser: true}
}

// VerifyPeerCredentials checks a connection's peer credentials against the
// configured policy. If the platform doesn't support peer credential
// lookup, verification is skipped and the connection is trusted on the
// strength of filesystem permissions alone (workDir is mode 0700, owned by
// the supervisor's user).
func VerifyPeerCredentials(conn net.Conn, config SocketSecurityConfig) error {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return errors.New("connection is not a Unix domain socket")
	}

	rawConn, err := unixConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("get raw connection: %w", err)
	}

	var peerCreds *PeerCredentials
	var credErr error
	err = rawConn.Control(func(fd uintptr) {
		peerCreds, credErr = getPeerCredentials(int(fd))
	})
	if err != nil {
		return fmt.Errorf("control connection: %w", err)
	}
	if credErr != nil {
		// Unsupported platform: fail open, trust filesystem permissions.
		return nil
	}
	if peerCreds == nil {
		return errors.New("peer credentials are nil")
	}

	if config.RequireSameUser {
		currentUID := uint32(os.Geteuid())
		if peerCreds.UID != currentUID {
			return fmt.Errorf("peer uid %d does not match supervisor uid %d", peerCreds.UID, currentUID)
		}
	}

	if len(config.AllowedUIDs) > 0 {
		allowed := false
		for _, uid := range config.AllowedUIDs {
			if peerCreds.UID == uid {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("peer uid %d is not in allowed list", peerCreds.UID)
		}
	}

	return nil
}

// SecureListener wraps a *net.UnixListener and verifies peer credentials on
// Accept, closing any connection that fails the check.
type SecureListener struct {
	*net.UnixListener
	config SocketSecurityConfig
}

// NewSecureListener listens on socketPath and wraps it with peer
// verification. socketPath's parent directory is expected to already exist
// with the correct mode (ensureWorkDir handles that at the pool level).
func NewSecureListener(socketPath string, config SocketSecurityConfig) (*SecureListener, error) {
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("resolve unix addr: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	return &SecureListener{UnixListener: ln, config: config}, nil
}

// Accept accepts a connection and verifies its peer credentials before
// returning it.
func (l *SecureListener) Accept() (net.Conn, error) {
	conn, err := l.UnixListener.Accept()
	if err != nil {
		return nil, err
	}
	if err := VerifyPeerCredentials(conn, l.config); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("peer verification failed: %w", err)
	}
	return conn, nil
}
