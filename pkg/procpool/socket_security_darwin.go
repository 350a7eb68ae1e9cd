//go:build darwin

package procpool

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// getPeerCredentials retrieves the peer's credentials via LOCAL_PEERCRED.
// Darwin's xucred does not carry a PID.
func getPeerCredentials(fd int) (*PeerCredentials, error) {
	xucred, err := unix.GetsockoptXucred(fd, unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	if err != nil {
		return nil, fmt.Errorf("getsockopt LOCAL_PEERCRED: %w", err)
	}
	var gid uint32
	if xucred.Ngroups > 0 {
		gid = xucred.Groups[0]
	}
	return &PeerCredentials{
		UID: xucred.Uid,
		GID: gid,
		PID: 0,
	}, nil
}
