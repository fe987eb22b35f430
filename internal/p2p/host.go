// Package p2p implements the PSK-gated, Noise-authenticated libp2p overlay:
// host construction, the two sync/push protocols, dial policy with relay
// fallback and hole-punching, and a route cache.
package p2p

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/pnet"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	multiaddr "github.com/multiformats/go-multiaddr"
)

// pskSizeBytes is the swarm pre-shared key length spec.md §6 pins: a
// 32-byte value rendered in the overlay's canonical hex text form.
const pskSizeBytes = 32

// HostConfig configures a libp2p host for rustory's overlay.
type HostConfig struct {
	ListenAddrs []string
	PSK         pnet.PSK
	Identity    crypto.PrivKey
	EnableRelay bool
	RelayAddr   string // relay server multiaddr, required to use the relay client
}

// Host wraps a libp2p host plus the services rustory always runs on it:
// identify (implicit in go-libp2p's BasicHost), ping keep-alive, relay
// client, and hole-punching (dcutr).
type Host struct {
	host.Host
	Ping *ping.PingService
}

// NewHost builds and starts a gated libp2p host. The PSK gate, Noise
// handshake, relay client, and hole-punch service are wired per spec.md
// §4.4; any stream whose peer cannot complete the PSK handshake never
// reaches application code.
func NewHost(cfg HostConfig) (*Host, error) {
	if len(cfg.PSK) != pskSizeBytes {
		return nil, fmt.Errorf("p2p: swarm PSK must be %d bytes, got %d", pskSizeBytes, len(cfg.PSK))
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, a := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			return nil, fmt.Errorf("p2p: invalid listen addr %q: %w", a, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	opts := []libp2p.Option{
		libp2p.Identity(cfg.Identity),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.PrivateNetwork(cfg.PSK),
		libp2p.Security(noise.ID, noise.New),
		libp2p.EnableHolePunching(),
	}
	if cfg.EnableRelay {
		opts = append(opts, libp2p.EnableRelay())
		if cfg.RelayAddr != "" {
			relayInfo, err := peerInfoFromMultiaddr(cfg.RelayAddr)
			if err != nil {
				return nil, fmt.Errorf("p2p: invalid relay addr: %w", err)
			}
			opts = append(opts, libp2p.EnableAutoRelayWithStaticRelays([]peer.AddrInfo{relayInfo}))
		}
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("p2p: build host: %w", err)
	}

	pingSvc := ping.NewPingService(h)

	return &Host{Host: h, Ping: pingSvc}, nil
}

func peerInfoFromMultiaddr(addr string) (peer.AddrInfo, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return peer.AddrInfo{}, err
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return peer.AddrInfo{}, err
	}
	return *info, nil
}

// LoadOrGenerateIdentity reads an Ed25519 identity keypair from path, or
// generates one and writes it with owner-only permissions if the file
// doesn't exist, per spec.md §6's key-file auto-generation rule.
func LoadOrGenerateIdentity(path string) (crypto.PrivKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return crypto.UnmarshalPrivateKey(raw)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("p2p: read identity key: %w", err)
	}

	priv, _, genErr := crypto.GenerateEd25519Key(rand.Reader)
	if genErr != nil {
		return nil, fmt.Errorf("p2p: generate identity key: %w", genErr)
	}
	marshaled, marshalErr := crypto.MarshalPrivateKey(priv)
	if marshalErr != nil {
		return nil, fmt.Errorf("p2p: marshal identity key: %w", marshalErr)
	}
	if writeErr := os.WriteFile(path, marshaled, 0o600); writeErr != nil {
		return nil, fmt.Errorf("p2p: write identity key: %w", writeErr)
	}
	return priv, nil
}

// pskEnvelopeHeader is libp2p's canonical swarm.key envelope per spec.md
// §6: "/key/swarm/psk/1.0.0/" followed by the encoding name, each on its
// own line, then the key text.
const pskEnvelopeHeader = "/key/swarm/psk/1.0.0/\n/base16/\n"

// LoadOrGeneratePSK reads the swarm key from path in libp2p's canonical
// base-16 envelope form (/key/swarm/psk/1.0.0/.../base16/...), or
// generates one and writes it in that form if the file doesn't exist.
func LoadOrGeneratePSK(path string) (pnet.PSK, error) {
	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		psk, decodeErr := pnet.DecodeV1PSK(f)
		if decodeErr != nil {
			return nil, fmt.Errorf("p2p: decode swarm key: %w", decodeErr)
		}
		return psk, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("p2p: read swarm key: %w", err)
	}

	key := make([]byte, pskSizeBytes)
	if _, genErr := rand.Read(key); genErr != nil {
		return nil, fmt.Errorf("p2p: generate swarm key: %w", genErr)
	}
	envelope := pskEnvelopeHeader + hex.EncodeToString(key) + "\n"
	if writeErr := os.WriteFile(path, []byte(envelope), 0o600); writeErr != nil {
		return nil, fmt.Errorf("p2p: write swarm key: %w", writeErr)
	}
	return pnet.PSK(key), nil
}
