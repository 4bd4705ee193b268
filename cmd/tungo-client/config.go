package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tungo-go/tungo"
)

// CLIConfig is the YAML configuration for the tungo-client binary. The
// Client engine itself takes a plain tungo.Options, built from this
// after loading — library callers construct Options directly and never
// see this type.
type CLIConfig struct {
	Server   ServerConfig `yaml:"server"`
	Local    LocalConfig  `yaml:"local"`
	Auth     AuthConfig   `yaml:"auth"`
	Proxy    ProxyConfig  `yaml:"proxy"`
	Tunnel   TunnelConfig `yaml:"tunnel"`
	LogLevel string       `yaml:"log_level"`
}

// ServerConfig specifies the rendezvous control endpoint.
type ServerConfig struct {
	URL       string `yaml:"url"`
	Subdomain string `yaml:"subdomain"`
}

// LocalConfig specifies the local HTTP origin to expose.
type LocalConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AuthConfig holds the optional shared secret.
type AuthConfig struct {
	SharedSecret string `yaml:"shared_secret"`
}

// ProxyConfig controls routing the control-channel dial through a proxy.
type ProxyConfig struct {
	URL           string `yaml:"url"`
	VerifyRouting bool   `yaml:"verify_routing"`
}

// TunnelConfig controls reconnection behaviour.
type TunnelConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
}

// LoadConfig reads and parses a tungo-client configuration file.
func LoadConfig(path string) (*CLIConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &CLIConfig{
		Local: LocalConfig{Host: "localhost"},
		Tunnel: TunnelConfig{
			ConnectTimeout: 10 * time.Second,
			MaxRetries:     5,
			RetryInterval:  5 * time.Second,
		},
		LogLevel: "info",
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Server.URL == "" {
		return nil, fmt.Errorf("server.url is required")
	}
	if cfg.Local.Port == 0 {
		return nil, fmt.Errorf("local.port is required")
	}
	return cfg, nil
}

// toOptions converts the loaded config to the Options the engine takes.
func (c *CLIConfig) toOptions() tungo.Options {
	return tungo.Options{
		LocalHost:          c.Local.Host,
		LocalPort:          c.Local.Port,
		ServerURL:          c.Server.URL,
		Subdomain:          c.Server.Subdomain,
		SecretKey:          c.Auth.SharedSecret,
		ConnectTimeout:     c.Tunnel.ConnectTimeout,
		MaxRetries:         c.Tunnel.MaxRetries,
		RetryInterval:      c.Tunnel.RetryInterval,
		LogLevel:           c.LogLevel,
		ProxyURL:           c.Proxy.URL,
		VerifyProxyRouting: c.Proxy.VerifyRouting,
	}
}
