//go:build !linux && !darwin

package procpool

import "errors"

// getPeerCredentials is unsupported on platforms without SO_PEERCRED or
// LOCAL_PEERCRED. VerifyPeerCredentials treats this as "unsupported" and
// falls back to trusting filesystem permissions on the socket.
func getPeerCredentials(fd int) (*PeerCredentials, error) {
	return nil, errors.New("peer credential verification unsupported on this platform")
}
