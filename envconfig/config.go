package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jmorganca/whisper/logutil"
)

// Host returns the scheme and host the server listens on. Configured via
// WHISPER_HOST. Default is http://127.0.0.1:11435
func Host() *url.URL {
	defaultPort := "11435"

	s := strings.TrimSpace(Var("WHISPER_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// Models returns the directory holding converted model directories.
// Configured via WHISPER_MODELS. Default is $HOME/.whisper/models
func Models() string {
	if s := Var("WHISPER_MODELS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".whisper", "models")
}

// LogLevel returns the log level for the application.
// Values are 0 or false (INFO), 1 or true (DEBUG) and 2 (TRACE)
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("WHISPER_DEBUG"); s != "" {
		if l, ok := logutil.ParseLevel(s); ok {
			level = l
		} else if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// LogFormat selects text or JSON log records. Configured via WHISPER_LOG_FORMAT.
func LogFormat() logutil.Format {
	f, err := logutil.ParseFormat(Var("WHISPER_LOG_FORMAT"))
	if err != nil {
		slog.Warn("invalid log format, using text", "error", err)
	}

	return f
}

func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}

			return b
		}

		return defaultValue
	}
}

func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}

		return defaultValue
	}
}

var (
	// NumParallel sets the number of transcriptions a loaded model runs at once.
	NumParallel = Uint("WHISPER_NUM_PARALLEL", 1)
	// NumThreads bounds the goroutines the CPU backend fans matmuls out to. 0 uses GOMAXPROCS.
	NumThreads = Uint("WHISPER_NUM_THREADS", 0)
	// Quantization names the preset applied after loading, e.g. q4f16_1.
	Quantization = String("WHISPER_QUANTIZATION")
	// KVCacheType is the default dtype of the self-attention cache.
	KVCacheType = String("WHISPER_KV_CACHE_TYPE")
	// NoFileConfig ignores the TOML configuration file.
	NoFileConfig = Bool("WHISPER_NO_CONFIG_FILE")
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"WHISPER_DEBUG":          {"WHISPER_DEBUG", LogLevel(), "Show additional debug information (e.g. WHISPER_DEBUG=1)"},
		"WHISPER_LOG_FORMAT":     {"WHISPER_LOG_FORMAT", LogFormat(), "Log record format, text or json (default: text)"},
		"WHISPER_HOST":           {"WHISPER_HOST", Host(), "IP Address for the whisper server (default 127.0.0.1:11435)"},
		"WHISPER_MODELS":         {"WHISPER_MODELS", Models(), "The path to the models directory"},
		"WHISPER_NUM_PARALLEL":   {"WHISPER_NUM_PARALLEL", NumParallel(), "Maximum number of parallel transcriptions per model"},
		"WHISPER_NUM_THREADS":    {"WHISPER_NUM_THREADS", NumThreads(), "Number of threads used by the CPU backend"},
		"WHISPER_QUANTIZATION":   {"WHISPER_QUANTIZATION", Quantization(), "Quantization preset applied after loading"},
		"WHISPER_KV_CACHE_TYPE":  {"WHISPER_KV_CACHE_TYPE", KVCacheType(), "Data type of the self-attention cache (default: f32)"},
		"WHISPER_CONFIG":         {"WHISPER_CONFIG", String("WHISPER_CONFIG")(), "Path to a TOML configuration file"},
		"WHISPER_NO_CONFIG_FILE": {"WHISPER_NO_CONFIG_FILE", NoFileConfig(), "Do not read the TOML configuration file"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}

	return vals
}

// Var returns an environment variable stripped of leading and trailing
// quotes and spaces. Unset variables fall back to the configuration file.
func Var(key string) string {
	if s, ok := os.LookupEnv(key); ok {
		return strings.Trim(strings.TrimSpace(s), "\"'")
	}

	return fileValue(key)
}
