package envconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// FileConfig is the layout of the optional TOML configuration file. Values
// set in the environment take precedence over the file.
type FileConfig struct {
	Server struct {
		Host string `toml:"host"`
	} `toml:"server"`

	Models struct {
		Path         string `toml:"path"`
		Quantization string `toml:"quantization"`
	} `toml:"models"`

	Performance struct {
		NumParallel int    `toml:"num_parallel"`
		NumThreads  int    `toml:"num_threads"`
		KVCacheType string `toml:"kv_cache_type"`
	} `toml:"performance"`

	Logging struct {
		Debug  int    `toml:"debug"`
		Format string `toml:"format"`
	} `toml:"logging"`
}

var (
	fileMu     sync.Mutex
	fileConfig *FileConfig
	fileKey    string
	fileLoaded bool
)

// ConfigPaths lists the locations searched for a configuration file.
// WHISPER_CONFIG, when set, is the only location.
func ConfigPaths() []string {
	if s := os.Getenv("WHISPER_CONFIG"); s != "" {
		return []string{s}
	}

	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "whisper", "config.toml"))
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "whisper", "config.toml"),
			filepath.Join(home, ".whisper", "config.toml"),
		)
	}

	return paths
}

// LoadFile decodes the first configuration file found in [ConfigPaths].
// It returns a nil config and an empty path when no file exists.
func LoadFile() (*FileConfig, string, error) {
	for _, path := range ConfigPaths() {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, "", err
		}

		var cfg FileConfig
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
		}

		for _, key := range md.Undecoded() {
			slog.Warn("unknown config key", "path", path, "key", key.String())
		}

		return &cfg, path, nil
	}

	return nil, "", nil
}

func loadedFile() *FileConfig {
	fileMu.Lock()
	defer fileMu.Unlock()

	// search paths follow the environment so reload when they move
	key := strings.Join(ConfigPaths(), string(os.PathListSeparator))
	if !fileLoaded || key != fileKey {
		cfg, path, err := LoadFile()
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if cfg != nil {
			slog.Debug("loaded config file", "path", path)
		}

		fileConfig, fileKey, fileLoaded = cfg, key, true
	}

	return fileConfig
}

func fileValue(key string) string {
	if b, _ := strconv.ParseBool(os.Getenv("WHISPER_NO_CONFIG_FILE")); b {
		return ""
	}

	cfg := loadedFile()
	if cfg == nil {
		return ""
	}

	positive := func(n int) string {
		if n > 0 {
			return strconv.Itoa(n)
		}
		return ""
	}

	switch key {
	case "WHISPER_HOST":
		return cfg.Server.Host
	case "WHISPER_MODELS":
		return cfg.Models.Path
	case "WHISPER_QUANTIZATION":
		return cfg.Models.Quantization
	case "WHISPER_NUM_PARALLEL":
		return positive(cfg.Performance.NumParallel)
	case "WHISPER_NUM_THREADS":
		return positive(cfg.Performance.NumThreads)
	case "WHISPER_KV_CACHE_TYPE":
		return cfg.Performance.KVCacheType
	case "WHISPER_DEBUG":
		return positive(cfg.Logging.Debug)
	case "WHISPER_LOG_FORMAT":
		return cfg.Logging.Format
	}

	return ""
}

// ExampleConfig returns a commented TOML configuration file.
func ExampleConfig() string {
	return `# whisper configuration file

[server]
# address the server listens on (default: "127.0.0.1:11435")
host = "127.0.0.1:11435"

[models]
# directory holding converted models
path = "/path/to/models"
# quantization preset applied after loading, e.g. "q4f16_1"
quantization = ""

[performance]
# transcriptions each loaded model runs at once (default: 1)
num_parallel = 1
# CPU backend threads (default: 0 = GOMAXPROCS)
num_threads = 0
# self-attention cache type: "f32", "f16" or "bf16" (default: "f32")
kv_cache_type = "f32"

[logging]
# 1 = debug, 2 = trace
debug = 0
# "text" or "json"
format = "text"
`
}
