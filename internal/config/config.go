// Package config loads relay and client settings from YAML, .env files and
// HUDDLE_* environment variables. Flags are applied on top by the binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Relay configures cmd/server.
type Relay struct {
	Server struct {
		Address        string `yaml:"address"`
		OutgoingBuffer int    `yaml:"outgoing_buffer"`
		MetricsPath    string `yaml:"metrics_path"`
	} `yaml:"server"`
	Storage struct {
		DBPath      string `yaml:"db_path"`
		HistorySize int    `yaml:"history_size"`
	} `yaml:"storage"`
	Cluster struct {
		NATSURL string `yaml:"nats_url"`
		Subject string `yaml:"subject"`
		NodeID  string `yaml:"node_id"`
	} `yaml:"cluster"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Client configures cmd/client.
type Client struct {
	ServerURL    string        `yaml:"server_url"`
	APIURL       string        `yaml:"api_url"`
	UserID       string        `yaml:"user_id"`
	ICEServers   []string      `yaml:"ice_servers"`
	Trickle      bool          `yaml:"trickle"`
	PingInterval time.Duration `yaml:"ping_interval"`
	Logging      struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// DefaultRelay returns the relay defaults.
func DefaultRelay() *Relay {
	cfg := &Relay{}
	cfg.Server.Address = ":8080"
	cfg.Server.OutgoingBuffer = 64
	cfg.Server.MetricsPath = "/metrics"
	cfg.Storage.DBPath = "huddle.db"
	cfg.Storage.HistorySize = 50
	cfg.Cluster.Subject = "huddle"
	cfg.Logging.Level = "info"
	return cfg
}

// DefaultClient returns the client defaults.
func DefaultClient() *Client {
	return &Client{
		ServerURL:    "ws://localhost:8080",
		APIURL:       "http://localhost:8080",
		ICEServers:   []string{"stun:stun.l.google.com:19302"},
		PingInterval: 30 * time.Second,
		Logging: struct {
			Level string `yaml:"level"`
		}{Level: "info"},
	}
}

// LoadDotEnv loads a .env file into the process environment if one exists.
// Variables already set in the environment win.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadRelay reads the YAML file at path over the defaults and applies env
// overrides. A missing file is not an error.
func LoadRelay(path string) (*Relay, error) {
	cfg := DefaultRelay()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClient reads the YAML file at path over the defaults and applies env
// overrides. A missing file is not an error.
func LoadClient(path string) (*Client, error) {
	cfg := DefaultClient()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Relay) applyEnv() error {
	setString(&c.Server.Address, "HUDDLE_ADDR")
	setString(&c.Server.MetricsPath, "HUDDLE_METRICS_PATH")
	setString(&c.Storage.DBPath, "HUDDLE_DB_PATH")
	setString(&c.Cluster.NATSURL, "HUDDLE_NATS_URL")
	setString(&c.Cluster.Subject, "HUDDLE_NATS_SUBJECT")
	setString(&c.Cluster.NodeID, "HUDDLE_NODE_ID")
	setString(&c.Logging.Level, "HUDDLE_LOG_LEVEL")
	if err := setInt(&c.Server.OutgoingBuffer, "HUDDLE_OUTGOING_BUFFER"); err != nil {
		return err
	}
	return setInt(&c.Storage.HistorySize, "HUDDLE_HISTORY_SIZE")
}

func (c *Client) applyEnv() error {
	setString(&c.ServerURL, "HUDDLE_SERVER_URL")
	setString(&c.APIURL, "HUDDLE_API_URL")
	setString(&c.UserID, "HUDDLE_USER_ID")
	setString(&c.Logging.Level, "HUDDLE_LOG_LEVEL")
	if v := os.Getenv("HUDDLE_ICE_SERVERS"); v != "" {
		c.ICEServers = splitList(v)
	}
	if v := os.Getenv("HUDDLE_TRICKLE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("HUDDLE_TRICKLE: %w", err)
		}
		c.Trickle = b
	}
	if v := os.Getenv("HUDDLE_PING_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("HUDDLE_PING_INTERVAL: %w", err)
		}
		c.PingInterval = d
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
