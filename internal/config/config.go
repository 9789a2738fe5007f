package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/utils"
	"gopkg.in/yaml.v3"
)

var ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")

type Database struct {
	Host               string `json:"host" yaml:"host" toml:"host"`
	Port               uint64 `json:"port" yaml:"port" toml:"port"`
	Username           string `json:"username" yaml:"username" toml:"username"`
	Password           string `json:"password" yaml:"password" toml:"password"`
	Database           string `json:"database" yaml:"database" toml:"database"`
	UseTLS             bool   `json:"use_tls" yaml:"use_tls" toml:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout" yaml:"connect_timeout" toml:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout" yaml:"socket_timeout" toml:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout" yaml:"connect_idle_timeout" toml:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout" yaml:"operation_timeout" toml:"operation_timeout"`
	Heartbeat          string `json:"heartbeat" yaml:"heartbeat" toml:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size" yaml:"min_pool_size" toml:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size" yaml:"max_pool_size" toml:"max_pool_size"`
}

type Server struct {
	ListenAddr      string   `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"`
	WebSocketPath   string   `json:"websocket_path" yaml:"websocket_path" toml:"websocket_path"`
	AllowedOrigins  []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	MaxConnections  int      `json:"max_connections" yaml:"max_connections" toml:"max_connections"`
	MaxMessageBytes int64    `json:"max_message_bytes" yaml:"max_message_bytes" toml:"max_message_bytes"`
	WriteTimeout    string   `json:"write_timeout" yaml:"write_timeout" toml:"write_timeout"`
	ShutdownTimeout string   `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	// Upgrade admission, per remote IP.
	AdmissionRPS     float64 `json:"admission_rps" yaml:"admission_rps" toml:"admission_rps"`
	AdmissionBurst   int     `json:"admission_burst" yaml:"admission_burst" toml:"admission_burst"`
	AdmissionIdleTTL string  `json:"admission_idle_ttl" yaml:"admission_idle_ttl" toml:"admission_idle_ttl"`
}

type Session struct {
	SingleSessionPerUser bool   `json:"single_session_per_user" yaml:"single_session_per_user" toml:"single_session_per_user"`
	CallbackTimeout      string `json:"callback_timeout" yaml:"callback_timeout" toml:"callback_timeout"`
	QueryQueueSize       int    `json:"query_queue_size" yaml:"query_queue_size" toml:"query_queue_size"`
}

type RateLimit struct {
	MaxRequests            int    `json:"max_requests" yaml:"max_requests" toml:"max_requests"`
	Window                 string `json:"window" yaml:"window" toml:"window"`
	ShareAcrossConnections bool   `json:"share_across_connections" yaml:"share_across_connections" toml:"share_across_connections"`
}

type Heartbeat struct {
	Interval       string `json:"interval" yaml:"interval" toml:"interval"`
	PongTimeout    string `json:"pong_timeout" yaml:"pong_timeout" toml:"pong_timeout"`
	MaxMissedPongs int    `json:"max_missed_pongs" yaml:"max_missed_pongs" toml:"max_missed_pongs"`
}

// Journal drivers.
const (
	JournalMemory = "memory"
	JournalMongo  = "mongo"
	JournalNone   = "none"
)

type Journal struct {
	// Driver is one of JournalMemory, JournalMongo or JournalNone.
	Driver    string   `json:"driver" yaml:"driver" toml:"driver"`
	Capacity  int      `json:"capacity" yaml:"capacity" toml:"capacity"`
	QueueSize int      `json:"queue_size" yaml:"queue_size" toml:"queue_size"`
	Database  Database `json:"database" yaml:"database" toml:"database"`
}

type Config struct {
	AppName   string    `json:"app_name" yaml:"app_name" toml:"app_name"`
	DebugMode bool      `json:"debug_mode" yaml:"debug_mode" toml:"debug_mode"`
	LogDir    string    `json:"log_dir" yaml:"log_dir" toml:"log_dir"`
	Server    Server    `json:"server" yaml:"server" toml:"server"`
	Session   Session   `json:"session" yaml:"session" toml:"session"`
	RateLimit RateLimit `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
	Heartbeat Heartbeat `json:"heartbeat" yaml:"heartbeat" toml:"heartbeat"`
	Journal   Journal   `json:"journal" yaml:"journal" toml:"journal"`
}

func DefaultConfig() *Config {
	return &Config{
		AppName: "ws-gateway",
		LogDir:  "logs",
		Server: Server{
			ListenAddr:       ":8000",
			WebSocketPath:    "/ws/copilot",
			MaxConnections:   10000,
			MaxMessageBytes:  64 * 1024,
			WriteTimeout:     "10s",
			ShutdownTimeout:  "10s",
			AdmissionRPS:     20,
			AdmissionBurst:   40,
			AdmissionIdleTTL: "10m",
		},
		Session: Session{
			CallbackTimeout: "30s",
			QueryQueueSize:  16,
		},
		RateLimit: RateLimit{
			MaxRequests:            10,
			Window:                 "60s",
			ShareAcrossConnections: true,
		},
		Heartbeat: Heartbeat{
			Interval:       "30s",
			PongTimeout:    "10s",
			MaxMissedPongs: 3,
		},
		Journal: Journal{
			Driver:    JournalMemory,
			Capacity:  1000,
			QueueSize: 256,
			Database: Database{
				Host:               "localhost",
				Port:               27017,
				Database:           "ws_gateway",
				ConnectTimeout:     "10s",
				SocketTimeout:      "30s",
				ConnectIdleTimeout: "5m",
				OperationTimeout:   "5s",
				Heartbeat:          "10s",
				MinPoolSize:        1,
				MaxPoolSize:        20,
			},
		},
	}
}

type format int

const (
	formatJSON format = iota
	formatYAML
	formatTOML
)

func formatOf(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	case ".toml":
		return formatTOML, nil
	default:
		return 0, fmt.Errorf("unsupported configuration file extension %q", filepath.Ext(path))
	}
}

func encode(f format, cfg *Config) ([]byte, error) {
	switch f {
	case formatYAML:
		return yaml.Marshal(cfg)
	case formatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return json.MarshalIndent(cfg, "", "\t")
	}
}

func decode(f format, data []byte, cfg *Config) error {
	switch f {
	case formatYAML:
		return yaml.Unmarshal(data, cfg)
	case formatTOML:
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return json.Unmarshal(data, cfg)
	}
}

// ReadConfig loads path over DefaultConfig, applies environment overrides and validates
// the result. A missing file is created with the defaults and ErrConfigCreated is returned.
func ReadConfig(path string) (*Config, error) {
	f, err := formatOf(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read configuration file: %w", err)
		}
		if err := writeDefault(path, f, cfg); err != nil {
			return nil, err
		}
		return cfg, ErrConfigCreated
	}

	if err := decode(f, data, cfg); err != nil {
		return nil, fmt.Errorf("the configuration file %s is not valid: %w", path, err)
	}

	ApplyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeDefault(path string, f format, cfg *Config) error {
	data, err := encode(f, cfg)
	if err != nil {
		return fmt.Errorf("encode default configuration: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create configuration directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write default configuration: %w", err)
	}
	return nil
}

// ApplyEnv overrides selected fields from WSGW_* variables. Unparseable values are ignored.
func ApplyEnv(cfg *Config) {
	if v := env("WSGW_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v, ok := envBool("WSGW_DEBUG"); ok {
		cfg.DebugMode = v
	}
	if v, ok := envBool("WSGW_SINGLE_SESSION"); ok {
		cfg.Session.SingleSessionPerUser = v
	}
	if v, ok := envBool("WSGW_SHARE_RATE_LIMIT"); ok {
		cfg.RateLimit.ShareAcrossConnections = v
	}
	if v := env("WSGW_RATE_LIMIT_MAX_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.MaxRequests = n
		}
	}
	if v := env("WSGW_JOURNAL_DRIVER"); v != "" {
		cfg.Journal.Driver = strings.ToLower(v)
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envBool(key string) (bool, bool) {
	v := env(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func (c *Config) Validate() error {
	var errs []error
	positive := func(name, value string) time.Duration {
		d, err := utils.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return 0
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
		return d
	}

	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if !strings.HasPrefix(c.Server.WebSocketPath, "/") {
		errs = append(errs, errors.New("server.websocket_path must start with /"))
	}
	if c.Server.MaxConnections <= 0 {
		errs = append(errs, errors.New("server.max_connections must be positive"))
	}
	if c.Server.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("server.max_message_bytes must be positive"))
	}
	positive("server.write_timeout", c.Server.WriteTimeout)
	positive("server.shutdown_timeout", c.Server.ShutdownTimeout)
	if c.Server.AdmissionRPS <= 0 || c.Server.AdmissionBurst <= 0 {
		errs = append(errs, errors.New("server.admission_rps and server.admission_burst must be positive"))
	}
	positive("server.admission_idle_ttl", c.Server.AdmissionIdleTTL)

	positive("session.callback_timeout", c.Session.CallbackTimeout)
	if c.Session.QueryQueueSize <= 0 {
		errs = append(errs, errors.New("session.query_queue_size must be positive"))
	}

	if c.RateLimit.MaxRequests <= 0 {
		errs = append(errs, errors.New("rate_limit.max_requests must be positive"))
	}
	positive("rate_limit.window", c.RateLimit.Window)

	interval := positive("heartbeat.interval", c.Heartbeat.Interval)
	pongTimeout := positive("heartbeat.pong_timeout", c.Heartbeat.PongTimeout)
	if interval > 0 && pongTimeout >= interval {
		errs = append(errs, errors.New("heartbeat.pong_timeout must be shorter than heartbeat.interval"))
	}
	if c.Heartbeat.MaxMissedPongs <= 0 {
		errs = append(errs, errors.New("heartbeat.max_missed_pongs must be positive"))
	}

	switch c.Journal.Driver {
	case JournalMemory, JournalNone:
	case JournalMongo:
		positive("journal.database.operation_timeout", c.Journal.Database.OperationTimeout)
	default:
		errs = append(errs, fmt.Errorf("journal.driver %q is not one of memory, mongo, none", c.Journal.Driver))
	}
	if c.Journal.QueueSize <= 0 {
		errs = append(errs, errors.New("journal.queue_size must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func (s Server) WriteTimeoutDuration() time.Duration {
	return utils.ParseStringTime(s.WriteTimeout)
}

func (s Server) ShutdownTimeoutDuration() time.Duration {
	return utils.ParseStringTime(s.ShutdownTimeout)
}

func (s Server) AdmissionIdleTTLDuration() time.Duration {
	return utils.ParseStringTime(s.AdmissionIdleTTL)
}

func (s Session) CallbackTimeoutDuration() time.Duration {
	return utils.ParseStringTime(s.CallbackTimeout)
}

func (r RateLimit) WindowDuration() time.Duration {
	return utils.ParseStringTime(r.Window)
}

func (h Heartbeat) IntervalDuration() time.Duration {
	return utils.ParseStringTime(h.Interval)
}

func (h Heartbeat) PongTimeoutDuration() time.Duration {
	return utils.ParseStringTime(h.PongTimeout)
}
