package env

import (
	"context"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// EnvFile is loaded into the environment, if present, before the
// environment is read.
var EnvFile = ".env.local"

type Config struct {
	// Transport is one of tcp, unix, ws, quic or stdio.
	Transport string `toml:"transport" env:"DTALK_TRANSPORT, overwrite"`
	Addr      string `toml:"addr" env:"DTALK_ADDR, overwrite"`

	// HTTPAddr is where serve exposes its status endpoints. Empty disables it.
	HTTPAddr  string `toml:"http_addr" env:"DTALK_HTTP_ADDR, overwrite"`
	DebugHTTP bool   `toml:"debug_http" env:"DTALK_DEBUG_HTTP, overwrite"`

	Reuseport      bool   `toml:"reuseport" env:"DTALK_REUSEPORT, overwrite"`
	LogLevel       string `toml:"log_level" env:"DTALK_LOG_LEVEL, overwrite"`
	ReadBufferSize int    `toml:"read_buffer_size" env:"DTALK_READ_BUFFER_SIZE, overwrite"`

	// Echo makes serve send every received value back to its sender.
	Echo bool `toml:"echo" env:"DTALK_ECHO, overwrite"`
}

func DefaultConfig() Config {
	return Config{
		Transport:      "tcp",
		Addr:           "127.0.0.1:7363",
		HTTPAddr:       "127.0.0.1:7362",
		LogLevel:       "info",
		ReadBufferSize: 32 * 1024,
	}
}

// LoadConfig layers the defaults, the TOML file at path (skipped when path
// is empty), EnvFile and finally DTALK_* environment variables.
func LoadConfig(ctx context.Context, path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &config); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(EnvFile); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("env file %s: %w", EnvFile, err)
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
