package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	libp2pHost "github.com/libp2p/go-libp2p/core/host"
	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"pool_validator/pkg/config"
)

const (
	// FetchProtocol carries task requests to workers
	FetchProtocol = "/pool-validator/fetch/1.0.0"

	defaultMaxResponseBytes = 32 << 20
)

// Host wraps the libp2p host used to reach workers and to gossip round summaries
type Host struct {
	host    libp2pHost.Host
	privKey crypto.PrivKey
	logger  *zap.Logger

	maxResponseBytes int64
	dialTimeout      time.Duration

	// ctx bounds the lifetime of pubsub
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	pubsub *pubsub.PubSub
	topics map[string]*pubsub.Topic

	metrics *Metrics
}

// Option configures a Host
type Option func(*Host)

// WithMaxResponseBytes bounds worker response bodies
func WithMaxResponseBytes(n int64) Option {
	return func(h *Host) {
		if n > 0 {
			h.maxResponseBytes = n
		}
	}
}

// NewHost creates a libp2p host listening on the configured TCP port
func NewHost(cfg *config.P2PConfig, privKey crypto.PrivKey, logger *zap.Logger, opts ...Option) (*Host, error) {
	listen := cfg.ListenAddress
	if listen == "" {
		listen = "0.0.0.0"
	}
	listenAddr, err := hostPortMultiaddr(listen, cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("building listen address: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddr),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	host := &Host{
		ctx:              ctx,
		cancel:           cancel,
		host:             h,
		privKey:          privKey,
		logger:           logger,
		maxResponseBytes: defaultMaxResponseBytes,
		dialTimeout:      cfg.DialTimeout,
		topics:           make(map[string]*pubsub.Topic),
		metrics:          NewMetrics(),
	}
	for _, opt := range opts {
		opt(host)
	}

	logger.Info("P2P host created",
		zap.String("peerID", h.ID().String()),
		zap.Any("listenAddrs", h.Addrs()))
	return host, nil
}

// Close shuts down topics and the libp2p host
func (h *Host) Close() error {
	h.mu.Lock()
	for name, topic := range h.topics {
		if err := topic.Close(); err != nil {
			h.logger.Warn("Failed to close topic", zap.String("topic", name), zap.Error(err))
		}
	}
	h.topics = make(map[string]*pubsub.Topic)
	h.mu.Unlock()
	h.cancel()

	if err := h.host.Close(); err != nil {
		return fmt.Errorf("failed to close libp2p host: %w", err)
	}

	snapshot := h.metrics.GetMetrics()
	h.logger.Info("P2P host stopped",
		zap.Int64("streamsOpened", snapshot.StreamsOpened),
		zap.Int64("streamsFailed", snapshot.StreamsFailed))
	return nil
}

// ID returns the peer ID of the host
func (h *Host) ID() libp2pPeer.ID {
	return h.host.ID()
}

// PublicKey returns the marshaled public identity key, the form the registry stores
func (h *Host) PublicKey() ([]byte, error) {
	return crypto.MarshalPublicKey(h.privKey.GetPublic())
}

// Addrs returns the listen addresses of the host
func (h *Host) Addrs() []multiaddr.Multiaddr {
	return h.host.Addrs()
}

// Metrics returns the host's stream counters
func (h *Host) Metrics() *Metrics {
	return h.metrics
}

// GetTopic returns a pubsub topic by name, joining it on first use
func (h *Host) GetTopic(name string) (*pubsub.Topic, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if topic, exists := h.topics[name]; exists {
		return topic, nil
	}

	if h.pubsub == nil {
		ps, err := pubsub.NewGossipSub(h.ctx, h.host)
		if err != nil {
			return nil, fmt.Errorf("failed to create pubsub: %w", err)
		}
		h.pubsub = ps
	}

	topic, err := h.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic %s: %w", name, err)
	}

	h.topics[name] = topic
	return topic, nil
}
