package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/davewhat/tchannel/errors"
	"github.com/davewhat/tchannel/logger"
)

const (
	DefaultReqTimeout           = 5 * time.Second
	DefaultServerTimeout        = 5 * time.Second
	DefaultTimeoutCheckInterval = 1 * time.Second
	DefaultTimeoutFuzz          = 100 * time.Millisecond
)

// Config holds the settings of one channel endpoint.
type Config struct {
	// Host and Port form the endpoint identity when HostPort is empty.
	Host     string
	Port     int
	HostPort string

	// ProcessName is announced in init frames. Defaults to "<binary>[<pid>]".
	ProcessName string

	// ReqTimeoutDefault applies to outbound operations that don't carry their
	// own timeout. ServerTimeoutDefault applies to every inbound operation.
	ReqTimeoutDefault    time.Duration
	ServerTimeoutDefault time.Duration

	// TimeoutCheckInterval is the base period of the timeout sweep;
	// TimeoutFuzz is the width of the uniform jitter window around it.
	TimeoutCheckInterval time.Duration
	TimeoutFuzz          time.Duration

	// Listening false defers binding the server socket until Listen is called.
	Listening *bool

	// MaxInboundConnections caps concurrently accepted connections. Zero
	// means unlimited.
	MaxInboundConnections int

	Log logger.Config
}

func (c *Config) ApplyDefaults() {
	if c.HostPort == "" && c.Host != "" {
		c.HostPort = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}
	if c.ProcessName == "" {
		c.ProcessName = fmt.Sprintf("%s[%d]", filepath.Base(os.Args[0]), os.Getpid())
	}
	if c.ReqTimeoutDefault == 0 {
		c.ReqTimeoutDefault = DefaultReqTimeout
	}
	if c.ServerTimeoutDefault == 0 {
		c.ServerTimeoutDefault = DefaultServerTimeout
	}
	if c.TimeoutCheckInterval == 0 {
		c.TimeoutCheckInterval = DefaultTimeoutCheckInterval
	}
	if c.TimeoutFuzz == 0 {
		c.TimeoutFuzz = DefaultTimeoutFuzz
	}
	if c.Listening == nil {
		listening := true
		c.Listening = &listening
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) Validate() error {
	if c.HostPort == "" {
		return errors.NewInvalidConfigurationError("host and port (or host-port) must be specified")
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.NewInvalidConfigurationError("port must be in [0, 65535]")
	}
	if c.TimeoutFuzz > c.TimeoutCheckInterval {
		return errors.NewInvalidConfigurationError("timeout-fuzz must not exceed timeout-check-interval")
	}
	if c.MaxInboundConnections < 0 {
		return errors.NewInvalidConfigurationError("max-inbound-connections must be >= 0")
	}
	return nil
}
