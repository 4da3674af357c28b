package host

import (
	"errors"
	"fmt"
	"net"

	"github.com/libp2p/go-libp2p/core/crypto"
	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"pool_validator/pkg/data"
)

var ErrNoIdentity = errors.New("worker has no identity key")

// hostPortMultiaddr maps host:port onto a TCP multiaddr
func hostPortMultiaddr(host string, port int) (multiaddr.Multiaddr, error) {
	var proto string
	if ip := net.ParseIP(host); ip != nil {
		proto = "ip4"
		if ip.To4() == nil {
			proto = "ip6"
		}
	} else {
		proto = "dns"
	}
	return multiaddr.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%d", proto, host, port))
}

// PeerIDFromIdentityKey derives the libp2p peer id of a marshaled public key
func PeerIDFromIdentityKey(key []byte) (libp2pPeer.ID, error) {
	if len(key) == 0 {
		return "", ErrNoIdentity
	}
	pub, err := crypto.UnmarshalPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("unmarshaling identity key: %w", err)
	}
	return libp2pPeer.IDFromPublicKey(pub)
}

// WorkerAddrInfo resolves a registry handle into a dialable peer
func WorkerAddrInfo(worker data.WorkerHandle) (libp2pPeer.AddrInfo, error) {
	id, err := PeerIDFromIdentityKey(worker.IdentityKey)
	if err != nil {
		return libp2pPeer.AddrInfo{}, err
	}
	addr, err := hostPortMultiaddr(worker.Host, worker.Port)
	if err != nil {
		return libp2pPeer.AddrInfo{}, fmt.Errorf("building worker address: %w", err)
	}
	return libp2pPeer.AddrInfo{ID: id, Addrs: []multiaddr.Multiaddr{addr}}, nil
}
