package main

import (
	"fmt"
	"strconv"

	"github.com/go-zoox/config"
	"github.com/go-zoox/fs"
	"github.com/spf13/pflag"
)

// fileConfig mirrors the command-line flags. Durations use time.ParseDuration
// syntax.
type fileConfig struct {
	SOCKS5Listen string `config:"socks5_listen"`
	TProxyListen string `config:"tproxy_listen"`
	RelayListen  string `config:"relay_listen"`

	Upstream   string `config:"upstream"`
	RelayKey   string `config:"relay_key"`
	SigningKey string `config:"signing_key"`
	DNSServer  string `config:"dns_server"`
	RemoteDNS  bool   `config:"remote_dns"`

	DebugListen        string `config:"debug_listen"`
	DialTimeout        string `config:"dial_timeout"`
	NegotiationTimeout string `config:"negotiation_timeout"`
	HandshakeTimeout   string `config:"handshake_timeout"`
	OpenTimeout        string `config:"open_timeout"`
	RekeyInterval      string `config:"rekey_interval"`
	MaxStreams         int64  `config:"max_streams"`
	TCPKeepAlive       string `config:"tcp_keepalive"`
	Verbose            bool   `config:"verbose"`
}

func (c *fileConfig) values() map[string]string {
	v := map[string]string{
		"socks5-listen":       c.SOCKS5Listen,
		"tproxy-listen":       c.TProxyListen,
		"relay-listen":        c.RelayListen,
		"upstream":            c.Upstream,
		"relay-key":           c.RelayKey,
		"signing-key":         c.SigningKey,
		"dns-server":          c.DNSServer,
		"debug-listen":        c.DebugListen,
		"dial-timeout":        c.DialTimeout,
		"negotiation-timeout": c.NegotiationTimeout,
		"handshake-timeout":   c.HandshakeTimeout,
		"open-timeout":        c.OpenTimeout,
		"rekey-interval":      c.RekeyInterval,
		"tcp-keepalive":       c.TCPKeepAlive,
	}
	if c.MaxStreams != 0 {
		v["max-streams"] = strconv.FormatInt(c.MaxStreams, 10)
	}
	if c.RemoteDNS {
		v["remote-dns"] = "true"
	}
	if c.Verbose {
		v["verbose"] = "true"
	}
	return v
}

// applyConfigFile loads path and sets every flag it names that was not
// given on the command line.
func applyConfigFile(flags *pflag.FlagSet, path string) error {
	if !fs.IsExist(path) {
		return fmt.Errorf("config file not found at %s", path)
	}

	var cfg fileConfig
	if err := config.Load(&cfg, &config.LoadOptions{
		FilePath: path,
	}); err != nil {
		return fmt.Errorf("failed to load config file at %s: %w", path, err)
	}

	for name, value := range cfg.values() {
		if value == "" || flags.Changed(name) {
			continue
		}
		if flags.Lookup(name) == nil {
			continue
		}
		if err := flags.Set(name, value); err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, name, err)
		}
	}
	return nil
}
