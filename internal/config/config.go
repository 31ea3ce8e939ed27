// Package config loads the tuning configuration from a YAML file with
// environment overrides for the settings that differ per deployment.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Machine describes one tuning node. An empty Addr means the local machine.
type Machine struct {
	Hostname string `yaml:"hostname"`
	Addr     string `yaml:"addr"` // ssh host:port; empty for local execution
	User     string `yaml:"user"`
	KeyFile  string `yaml:"key_file"`
	GPUs     int    `yaml:"gpus"`
}

// Config is the full configuration document.
type Config struct {
	DBPath string `yaml:"db_path"`
	// DBName appears in queue names so fleets sharing a broker stay apart.
	DBName string `yaml:"db_name"`

	Etcd struct {
		Endpoints []string `yaml:"endpoints"`
		Namespace string   `yaml:"namespace"`
	} `yaml:"etcd"`

	Machines []Machine `yaml:"machines"`

	FinPath string `yaml:"fin_path"`
	WorkDir string `yaml:"work_dir"`

	Tuning struct {
		BatchSize int `yaml:"batch_size"`
	} `yaml:"tuning"`

	HTTPAddr string `yaml:"http_addr"`
}

func defaults() Config {
	var c Config
	c.DBPath = "tuna.db"
	c.DBName = "tuna"
	c.Etcd.Namespace = "gridtune"
	c.Tuning.BatchSize = 10
	c.HTTPAddr = ":8620"
	return c
}

// Load reads path, falling back to defaults for absent fields, then applies
// environment overrides. An empty path returns defaults plus overrides.
func Load(path string) (Config, error) {
	c := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	c.applyEnv()

	if c.DBPath == "" {
		return Config{}, fmt.Errorf("config: db_path must not be empty")
	}
	if c.Tuning.BatchSize <= 0 {
		return Config{}, fmt.Errorf("config: tuning.batch_size must be positive")
	}
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GRIDTUNE_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("GRIDTUNE_DB_NAME"); v != "" {
		c.DBName = v
	}
	if v := os.Getenv("GRIDTUNE_ETCD_ENDPOINTS"); v != "" {
		c.Etcd.Endpoints = strings.Split(v, ",")
	}
	if v := os.Getenv("GRIDTUNE_FIN_PATH"); v != "" {
		c.FinPath = v
	}
	if v := os.Getenv("GRIDTUNE_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
}
