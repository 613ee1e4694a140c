// Package config declares the command line options of the sample daemon and
// compiles them into handler settings and connection descriptors.
package config

import (
	"net"
	"strconv"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"

	btcnet "github.com/NirvanaNimbusa/libbtcnet"
)

const (
	defaultTargetOutbound = 8
	defaultMaxInbound     = 117
	defaultConnectTimeout = 10 * time.Second
	defaultRetryInterval  = 5 * time.Second
	defaultDebugLevel     = "info"
)

// Config defines the configuration options for the daemon.
//
// See LoadConfig for details on the configuration load process.
type Config struct {
	Listen         []string      `long:"listen" description:"Add an address to listen on for incoming connections (host:port)"`
	AddPeers       []string      `short:"a" long:"addpeer" description:"Add a peer to connect to at startup"`
	TargetOutbound int           `long:"targetoutbound" description:"Number of outgoing connections to maintain"`
	MaxInbound     int           `long:"maxinbound" description:"Maximum inbound connections"`
	Proxy          string        `long:"proxy" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser      string        `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass      string        `long:"proxypass" default-mask:"-" description:"Password for proxy server"`
	ConnectTimeout time.Duration `long:"connecttimeout" description:"Timeout for a single connection attempt"`
	RetryInterval  time.Duration `long:"retryinterval" description:"Delay before a failed connection is retried"`
	RetryCount     int           `long:"retrycount" description:"Connection retries; 0 retries forever, negative disables retries"`
	MaxReadRate    int64         `long:"maxreadrate" description:"Aggregate read rate limit in bytes per second (0 is unlimited)"`
	MaxWriteRate   int64         `long:"maxwriterate" description:"Aggregate write rate limit in bytes per second (0 is unlimited)"`
	DebugLevel     string        `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	LogFile        string        `long:"logfile" description:"Write logs to this file as well as stdout"`
}

func defaultConfig() *Config {
	return &Config{
		TargetOutbound: defaultTargetOutbound,
		MaxInbound:     defaultMaxInbound,
		ConnectTimeout: defaultConnectTimeout,
		RetryInterval:  defaultRetryInterval,
		DebugLevel:     defaultDebugLevel,
	}
}

// LoadConfig initializes and parses the config using command line options.
// Leftover non-flag arguments are treated as additional peer addresses.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()
	parser := flags.NewParser(cfg, flags.Default)
	remainingArgs, err := parser.Parse()
	if err != nil {
		return nil, err
	}
	cfg.AddPeers = append(cfg.AddPeers, remainingArgs...)

	if cfg.Proxy != "" {
		if _, _, err := net.SplitHostPort(cfg.Proxy); err != nil {
			return nil, errors.Wrapf(err, "proxy address '%s' is invalid", cfg.Proxy)
		}
	}
	return cfg, nil
}

// ProxyDescriptor builds the proxy endpoint descriptor, or nil when no proxy
// is configured.
func (cfg *Config) ProxyDescriptor() (*btcnet.ConnDescriptor, error) {
	if cfg.Proxy == "" {
		return nil, nil
	}
	desc, err := splitDescriptor(cfg.Proxy)
	if err != nil {
		return nil, err
	}
	desc.Username = cfg.ProxyUser
	desc.Password = cfg.ProxyPass
	return desc, nil
}

// PeerDescriptor compiles a host:port argument into a connection descriptor
// carrying the configured policy knobs, tunneled through the configured
// proxy when one is set.
func (cfg *Config) PeerDescriptor(addr string) (*btcnet.ConnDescriptor, error) {
	desc, err := splitDescriptor(addr)
	if err != nil {
		return nil, err
	}
	desc.Proxy, err = cfg.ProxyDescriptor()
	if err != nil {
		return nil, err
	}
	desc.Options = btcnet.Options{
		InitialTimeout: cfg.ConnectTimeout,
		RetryInterval:  cfg.RetryInterval,
		RetryCount:     cfg.RetryCount,
		Persistent:     true,
	}
	return desc, nil
}

// ListenerDescriptor compiles a listen address into a bind descriptor.
func (cfg *Config) ListenerDescriptor(addr string) (*btcnet.ConnDescriptor, error) {
	return splitDescriptor(addr)
}

// GroupRateLimit translates the aggregate rate options into a RateLimit.
func (cfg *Config) GroupRateLimit() btcnet.RateLimit {
	return btcnet.RateLimit{
		MaxReadRate:  cfg.MaxReadRate,
		MaxWriteRate: cfg.MaxWriteRate,
	}
}

func splitDescriptor(addr string) (*btcnet.ConnDescriptor, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "address '%s' is invalid", addr)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, errors.Wrapf(err, "port in '%s' is invalid", addr)
	}
	return &btcnet.ConnDescriptor{Host: host, Port: uint16(port)}, nil
}
