package core

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// ErrConfigInvalid is returned for any malformed or contradictory settings
// detected before the servers touch the network.
var ErrConfigInvalid = errors.New("invalid configuration")

// Role declares which half of the session this process is running.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// PrivateKeySize is the required length of the shared secret in bytes.
const PrivateKeySize = 32

// TransportConfig describes one concrete transport binding. Kind must be one
// of the transport kinds understood by the transport package ("datagram" or
// "framed_stream"); a LocalPort of 0 means "any free port", resolved by the
// OS at bind time.
type TransportConfig struct {
	Kind      string `mapstructure:"kind" yaml:"kind"`
	LocalPort uint16 `mapstructure:"local_port" yaml:"local_port"`
}

// Config contains all of the configuration options available to either of the
// tether roles. It is parsed exactly once at process start and treated as
// immutable afterwards.
type Config struct {
	Shared struct {
		// Identifier distinguishing incompatible protocol versions.
		ProtocolID uint32 `mapstructure:"protocol_id" yaml:"protocol_id"`
		// Hex-encoded 32 byte secret shared out-of-band between every
		// client and the server. Never logged.
		PrivateKey string `mapstructure:"private_key" yaml:"private_key"`
	} `mapstructure:"shared" yaml:"shared"`

	Client struct {
		// Run the diagnostic overlay alongside the session.
		Inspector bool `mapstructure:"inspector" yaml:"inspector"`
		// Identifier for this client; 0 requests one from the server.
		ClientID uint64 `mapstructure:"client_id" yaml:"client_id"`
		// Local port to bind; 0 for an OS-assigned ephemeral port.
		ClientPort uint16 `mapstructure:"client_port" yaml:"client_port"`
		// Remote endpoint to connect to.
		ServerAddr string `mapstructure:"server_addr" yaml:"server_addr"`
		ServerPort uint16 `mapstructure:"server_port" yaml:"server_port"`
		// The one transport this client will use.
		Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	} `mapstructure:"client" yaml:"client"`

	Server struct {
		// Omit the display/render surface entirely.
		Headless bool `mapstructure:"headless" yaml:"headless"`
		// Run the diagnostic overlay alongside the listeners.
		Inspector bool `mapstructure:"inspector" yaml:"inspector"`
		// One listener is bound per entry, all of them concurrently.
		Transports []TransportConfig `mapstructure:"transports" yaml:"transports"`
	} `mapstructure:"server" yaml:"server"`

	Logging struct {
		// Full path to file to which logs will be written. Blank writes to stdout.
		LogFilePath string `mapstructure:"log_file_path" yaml:"log_file_path"`
		// Minimum level of a log required to be written. Options: debug, info, warn, error
		LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	} `mapstructure:"logging" yaml:"logging"`

	Database struct {
		// Engine backing the client identity registry: sqlite or postgres.
		Engine string `mapstructure:"engine" yaml:"engine"`
		// Path of the sqlite database file (":memory:" for a throwaway registry).
		Filename string `mapstructure:"filename" yaml:"filename"`
		// Connection parameters for the postgres engine.
		Host     string `mapstructure:"host" yaml:"host"`
		Port     int    `mapstructure:"port" yaml:"port"`
		Name     string `mapstructure:"name" yaml:"name"`
		Username string `mapstructure:"username" yaml:"username"`
		Password string `mapstructure:"password" yaml:"password"`
		SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
	} `mapstructure:"database" yaml:"database"`

	Debugging struct {
		// Port on which the inspector HTTP server listens when enabled.
		InspectorPort int `mapstructure:"inspector_port" yaml:"inspector_port"`
		// Enable database-level query logging.
		DatabaseLoggingEnabled bool `mapstructure:"database_logging_enabled" yaml:"database_logging_enabled"`
	} `mapstructure:"debugging" yaml:"debugging"`

	Conditioner struct {
		// Artificial latency/jitter/loss applied to the client's connection
		// for testing under imperfect network conditions. Zero values disable it.
		LatencyMs int     `mapstructure:"latency_ms" yaml:"latency_ms"`
		JitterMs  int     `mapstructure:"jitter_ms" yaml:"jitter_ms"`
		Loss      float64 `mapstructure:"loss" yaml:"loss"`
	} `mapstructure:"conditioner" yaml:"conditioner"`
}

const envVarPrefix = "TETHER"

// LoadConfig initializes Viper with the contents of the config file under
// configPath and unmarshals it into a Config.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(configPath)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envVarPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &notFoundErr) {
			return nil, fmt.Errorf("no config file in path %s", configPath)
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, server.headless can be set using: <envVarPrefix>_SERVER_HEADLESS
	for _, k := range v.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := v.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			return nil, fmt.Errorf("error binding %s to %s: %w", k, envVarPrefix+"_"+envVar, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return config, nil
}

// Validate checks the settings for contradictions that would otherwise only
// surface once sockets are involved. It must pass before any network activity.
func (c *Config) Validate(role Role) error {
	if _, err := c.SharedSecret(); err != nil {
		return err
	}

	switch role {
	case RoleClient:
		if err := validateTransportKind(c.Client.Transport.Kind); err != nil {
			return err
		}
		if c.Client.ServerAddr == "" {
			return fmt.Errorf("%w: client.server_addr is required", ErrConfigInvalid)
		}
		if c.Client.ServerPort == 0 {
			return fmt.Errorf("%w: client.server_port is required", ErrConfigInvalid)
		}
	case RoleServer:
		if len(c.Server.Transports) == 0 {
			return fmt.Errorf("%w: server.transports must declare at least one listener", ErrConfigInvalid)
		}
		seen := make(map[TransportConfig]bool)
		for _, t := range c.Server.Transports {
			if err := validateTransportKind(t.Kind); err != nil {
				return err
			}
			if seen[t] {
				return fmt.Errorf("%w: duplicate listener %s on port %d", ErrConfigInvalid, t.Kind, t.LocalPort)
			}
			seen[t] = true
		}
	default:
		return fmt.Errorf("%w: unknown role %q", ErrConfigInvalid, role)
	}

	return nil
}

func validateTransportKind(kind string) error {
	switch kind {
	case "datagram", "framed_stream":
		return nil
	}
	return fmt.Errorf("%w: unknown transport kind %q", ErrConfigInvalid, kind)
}

// SharedSecret decodes the configured private key into its fixed-length form.
func (c *Config) SharedSecret() ([PrivateKeySize]byte, error) {
	var key [PrivateKeySize]byte

	decoded, err := hex.DecodeString(c.Shared.PrivateKey)
	if err != nil {
		return key, fmt.Errorf("%w: shared.private_key is not valid hex", ErrConfigInvalid)
	}
	if len(decoded) != PrivateKeySize {
		return key, fmt.Errorf("%w: shared.private_key must be %d bytes, got %d",
			ErrConfigInvalid, PrivateKeySize, len(decoded))
	}

	copy(key[:], decoded)
	return key, nil
}

// ServerAddress returns the remote endpoint the client connects to.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Client.ServerAddr, c.Client.ServerPort)
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns a database URL generated from the provided config values.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		databaseURITemplate,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}

// Hostname returns the local hostname, used to tag inspector metrics.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
