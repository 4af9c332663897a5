package env

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	// ProtocolVersion overrides the protocol version the room accepts.
	// Zero keeps the compiled-in version.
	ProtocolVersion int `env:"NETVR_PROTOCOL_VERSION"`

	// TickMillis is the broadcast interval in milliseconds.
	TickMillis int `env:"NETVR_TICK_MILLIS,default=20"`

	// SnapshotPath is where room state is persisted. Empty disables
	// persistence.
	SnapshotPath string `env:"NETVR_SNAPSHOT_PATH,default=netvr-state.json"`

	// HandshakeSeconds is how long an unidentified connection may linger.
	HandshakeSeconds int `env:"NETVR_HANDSHAKE_SECONDS,default=15"`

	// ReceiveSeconds treats a silent connection as disconnected. Zero
	// disables the deadline.
	ReceiveSeconds int `env:"NETVR_RECEIVE_SECONDS"`

	// SelfEcho sends clients their own device info and poses back.
	SelfEcho bool `env:"NETVR_SELF_ECHO"`

	DebugHTTP bool `env:"NETVR_DEBUG_HTTP"`
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickMillis) * time.Millisecond
}

func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeSeconds) * time.Second
}

func (c *Config) ReceiveTimeout() time.Duration {
	return time.Duration(c.ReceiveSeconds) * time.Second
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			panic(err)
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
