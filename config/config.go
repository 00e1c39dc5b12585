// Package config loads and validates the TOML configuration consumed by the
// client: endpoints, proxying, keep-alive tuning, forward secrecy and the
// trusted server keys.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/opd-ai/mtproto/transport"
)

// Config is the top-level TOML document.
type Config struct {
	Endpoint EndpointConf
	Proxy    ProxyConf
	Session  SessionConf
	Keys     KeysConf
	Logging  LogConf
}

// EndpointConf names the servers to connect to.
type EndpointConf struct {
	// Addr is the primary host:port endpoint.
	Addr string

	// DCID identifies the data center behind Addr.
	DCID int32 `toml:"dc-id"`

	// DialTimeout bounds connection establishment, e.g. "5s".
	DialTimeout duration `toml:"dial-timeout"`
}

// ProxyConf describes an optional SOCKS5 proxy.
type ProxyConf struct {
	Enabled  bool
	Host     string
	Port     uint16
	Username string
	Password string
}

// SessionConf tunes the protocol engine.
type SessionConf struct {
	// UsePFS negotiates short-lived traffic keys bound to the main key.
	UsePFS bool `toml:"use-pfs"`

	// TmpKeyExpires is the requested temporary key lifetime.
	TmpKeyExpires duration `toml:"tmp-key-expires"`

	// HandshakeTimeout aborts key negotiation when exceeded.
	HandshakeTimeout duration `toml:"handshake-timeout"`

	// Online tightens the keep-alive windows.
	Online bool
}

// KeysConf carries the trusted server RSA keys.
type KeysConf struct {
	// Files lists PEM files with one public key each.
	Files []string

	// Inline holds PEM blocks directly in the configuration.
	Inline []string
}

// LogConf describes the Logging block, matching logrus levels.
type LogConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// duration makes time.Duration TOML-decodable from strings like "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns a configuration with working non-endpoint settings. The
// endpoint and trusted keys always come from the caller.
func Default() *Config {
	return &Config{
		Endpoint: EndpointConf{
			DialTimeout: duration{5 * time.Second},
		},
		Session: SessionConf{
			UsePFS:           true,
			TmpKeyExpires:    duration{24 * time.Hour},
			HandshakeTimeout: duration{8 * time.Second},
		},
		Logging: LogConf{Level: "info"},
	}
}

// Load reads and validates a TOML configuration file, starting from the
// defaults.
func Load(path string) (*Config, error) {
	conf := Default()
	if _, err := toml.DecodeFile(path, conf); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate reports every problem at once rather than the first one hit.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Endpoint.Addr == "" {
		result = multierror.Append(result, fmt.Errorf("endpoint.addr must be set"))
	}
	if c.Endpoint.DCID <= 0 {
		result = multierror.Append(result, fmt.Errorf("endpoint.dc-id must be positive"))
	}
	if c.Proxy.Enabled {
		if c.Proxy.Host == "" {
			result = multierror.Append(result, fmt.Errorf("proxy.host must be set when the proxy is enabled"))
		}
		if c.Proxy.Port == 0 {
			result = multierror.Append(result, fmt.Errorf("proxy.port must be set when the proxy is enabled"))
		}
	}
	if len(c.Keys.Files) == 0 && len(c.Keys.Inline) == 0 {
		result = multierror.Append(result, fmt.Errorf("keys.files or keys.inline must name at least one trusted key"))
	}
	if c.Session.UsePFS && c.Session.TmpKeyExpires.Duration < time.Hour {
		result = multierror.Append(result, fmt.Errorf("session.tmp-key-expires below one hour defeats key rotation"))
	}
	if c.Logging.Level != "" {
		if _, err := log.ParseLevel(c.Logging.Level); err != nil {
			result = multierror.Append(result, fmt.Errorf("logging.level: %w", err))
		}
	}

	return result.ErrorOrNil()
}

// Dialer builds the transport dialer the configuration describes.
func (c *Config) Dialer() *transport.Dialer {
	d := &transport.Dialer{Timeout: c.Endpoint.DialTimeout.Duration}
	if c.Proxy.Enabled {
		d.Proxy = &transport.ProxyConfig{
			Host:     c.Proxy.Host,
			Port:     c.Proxy.Port,
			Username: c.Proxy.Username,
			Password: c.Proxy.Password,
		}
	}
	return d
}

// TrustedKeys collects all configured PEM blocks, reading key files as
// needed.
func (c *Config) TrustedKeys() ([][]byte, error) {
	var keys [][]byte
	for _, inline := range c.Keys.Inline {
		keys = append(keys, []byte(inline))
	}
	for _, file := range c.Keys.Files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading key file: %w", err)
		}
		keys = append(keys, data)
	}
	return keys, nil
}

// ApplyLogging configures the process-wide logger from the Logging block.
func (c *Config) ApplyLogging() {
	if c.Logging.Level != "" {
		if level, err := log.ParseLevel(c.Logging.Level); err == nil {
			log.SetLevel(level)
		}
	}
	log.SetReportCaller(c.Logging.ReportCaller)
	if c.Logging.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
}
