package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Settings is the process's own startup configuration: where its entity
// snapshot comes from and how its listeners, logging and shared retry
// budget are set up. It is deliberately small next to File — File is the
// routed data plane's entity model, Settings is everything cmd/gateway
// needs before it can build one.
type Settings struct {
	Listen    string `yaml:"listen"`
	TLSListen string `yaml:"tls_listen"`
	Metrics   struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`

	Source struct {
		Type string `yaml:"type"` // "file" or "etcd"

		File struct {
			Path string `yaml:"path"`
		} `yaml:"file"`

		Etcd struct {
			Endpoints   []string      `yaml:"endpoints"`
			DialTimeout time.Duration `yaml:"dial_timeout"`
		} `yaml:"etcd"`
	} `yaml:"source"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	DNS struct {
		Nameservers []string      `yaml:"nameservers"`
		TTL         time.Duration `yaml:"ttl"`
	} `yaml:"dns"`

	RetryBudget struct {
		Ratio      float64       `yaml:"ratio"`
		MinRetries int           `yaml:"min_retries"`
		Window     time.Duration `yaml:"window"`
	} `yaml:"retry_budget"`

	Shutdown struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"shutdown"`
}

// LoadSettings reads and defaults path's startup settings.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings file: %w", err)
	}
	s.applyDefaults()
	return &s, nil
}

func (s *Settings) applyDefaults() {
	if s.Listen == "" {
		s.Listen = ":8080"
	}
	if s.Metrics.Listen == "" {
		s.Metrics.Listen = ":9090"
	}
	if s.Source.Type == "" {
		s.Source.Type = "file"
	}
	if s.Source.File.Path == "" {
		s.Source.File.Path = "configs/gateway.yaml"
	}
	if s.Source.Etcd.DialTimeout == 0 {
		s.Source.Etcd.DialTimeout = 5 * time.Second
	}
	if s.Logging.Level == "" {
		s.Logging.Level = "info"
	}
	if s.DNS.TTL == 0 {
		s.DNS.TTL = 30 * time.Second
	}
	if s.RetryBudget.Ratio == 0 {
		s.RetryBudget.Ratio = 0.2
	}
	if s.RetryBudget.Window == 0 {
		s.RetryBudget.Window = 10 * time.Second
	}
	if s.Shutdown.Timeout == 0 {
		s.Shutdown.Timeout = 30 * time.Second
	}
}
