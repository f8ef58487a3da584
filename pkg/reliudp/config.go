package reliudp

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default ports for the transport.
const (
	DefaultServerPort uint16 = 7777
	DefaultClientPort uint16 = 7778
)

// Config holds the protocol tunables. The zero value is not usable; obtain a
// baseline with DefaultConfig and override fields as needed. The env tags are
// consumed by the binaries via envconfig.
type Config struct {
	// ResendTimeout is how long a sent Data packet may stay unacknowledged
	// before it is retransmitted.
	ResendTimeout time.Duration `env:"HKTNET_RESEND_TIMEOUT,default=200ms" yaml:"resendTimeout"`

	// MaxRetries is the number of retransmissions of a single packet before
	// the peer is considered gone.
	MaxRetries int `env:"HKTNET_MAX_RETRIES,default=10" yaml:"maxRetries"`

	// PeerTimeout is how long a peer may stay silent before the server drops
	// it.
	PeerTimeout time.Duration `env:"HKTNET_PEER_TIMEOUT,default=5s" yaml:"peerTimeout"`

	// PingInterval is how long the client lets the connection idle before it
	// sends a keep-alive Ping. Zero disables keep-alives.
	PingInterval time.Duration `env:"HKTNET_PING_INTERVAL,default=2s" yaml:"pingInterval"`

	// MaxClients caps the number of concurrently connected peers on the
	// server. Zero means unlimited.
	MaxClients int `env:"HKTNET_MAX_CLIENTS,default=0" yaml:"maxClients"`

	// QueueDepth is the capacity of the raw-datagram queue between the
	// receiver goroutine and Tick, and of the client's inbound payload queue.
	QueueDepth int `env:"HKTNET_QUEUE_DEPTH,default=1024" yaml:"queueDepth"`

	// ClientPort is the local port the client binds to. Zero picks an
	// ephemeral port.
	ClientPort uint16 `env:"HKTNET_CLIENT_PORT,default=7778" yaml:"clientPort"`
}

// DefaultConfig returns the tunables that the protocol was designed around.
func DefaultConfig() Config {
	return Config{
		ResendTimeout: 200 * time.Millisecond,
		MaxRetries:    10,
		PeerTimeout:   5 * time.Second,
		PingInterval:  2 * time.Second,
		QueueDepth:    1024,
		ClientPort:    DefaultClientPort,
	}
}

// LoadConfig reads a YAML config file and applies it on top of the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("unable to read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("unable to parse config file %s: %w", path, err)
	}
	return cfg, nil
}
