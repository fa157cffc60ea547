package polyepoxide

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/polyepoxide/polyepoxide/pkg/logging"
)

// Config configures a database instance. Only Paths[0] is used at the
// moment; future versions may use multiple paths for sharding or
// tiering. An empty Paths keeps everything in memory.
type Config struct {
	// Paths contains data directories. Currently only Paths[0] is used.
	Paths []string `yaml:"paths"`
	// MinimumFreeGB is a free-space threshold for on-disk operation.
	MinimumFreeGB uint `yaml:"minimumFreeGB"`
	// ListenAddr exposes the store to peers over QUIC when non-empty.
	ListenAddr string `yaml:"listen"`
	// Peers lists remote replica addresses in priority order.
	Peers []string `yaml:"peers"`
	// Debug raises the log level of the default logger.
	Debug bool `yaml:"debug"`
	// Logger is an optional structured logger. If nil, a stderr logger
	// is used.
	Logger *slog.Logger `yaml:"-"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func defaultLogger(debug bool) *slog.Logger {
	return logging.New(debug)
}
