package conf

import (
	"os"
	"time"

	"github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/davewhat/tchannel/errors"
)

// fileConfig is the on-disk shape. Durations are milliseconds so config files
// stay plain numbers.
type fileConfig struct {
	Host                   string `json:"host"`
	Port                   int    `json:"port"`
	HostPort               string `json:"host-port"`
	ProcessName            string `json:"process-name"`
	ReqTimeoutMs           int    `json:"req-timeout-ms"`
	ServerTimeoutMs        int    `json:"server-timeout-ms"`
	TimeoutCheckIntervalMs int    `json:"timeout-check-interval-ms"`
	TimeoutFuzzMs          int    `json:"timeout-fuzz-ms"`
	Listening              *bool  `json:"listening"`
	MaxInboundConnections  int    `json:"max-inbound-connections"`
	LogFormat              string `json:"log-format"`
	LogLevel               string `json:"log-level"`
}

// Load reads a JSON5 config file, applies defaults and validates.
func Load(path string) (Config, error) {
	var cfg Config
	bytes, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.WithStack(err)
	}
	var fc fileConfig
	if err := json5.Unmarshal(bytes, &fc); err != nil {
		return cfg, errors.NewInvalidConfigurationError(err.Error())
	}
	cfg = Config{
		Host:                  fc.Host,
		Port:                  fc.Port,
		HostPort:              fc.HostPort,
		ProcessName:           fc.ProcessName,
		ReqTimeoutDefault:     time.Duration(fc.ReqTimeoutMs) * time.Millisecond,
		ServerTimeoutDefault:  time.Duration(fc.ServerTimeoutMs) * time.Millisecond,
		TimeoutCheckInterval:  time.Duration(fc.TimeoutCheckIntervalMs) * time.Millisecond,
		TimeoutFuzz:           time.Duration(fc.TimeoutFuzzMs) * time.Millisecond,
		Listening:             fc.Listening,
		MaxInboundConnections: fc.MaxInboundConnections,
	}
	cfg.Log.Format = fc.LogFormat
	cfg.Log.Level = fc.LogLevel
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
