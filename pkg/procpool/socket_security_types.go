package procpool

// PeerCredentials is the platform-independent shape of a Unix-domain-socket
// peer's identity, as reported by SO_PEERCRED (Linux) or LOCAL_PEERCRED
// (Darwin).
type PeerCredentials struct {
	UID uint32
	GID uint32
	PID int32
}
