package main

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	// Connection
	Host    string
	Secret  string
	Timeout time.Duration

	// Target
	Topic string

	// Output
	JSON bool

	// fence
	Epoch uint64

	// clusters
	Set string

	// snapshots
	Watch bool
	Limit int

	// Derived
	baseURL string
}

func (c *Config) Validate(needTopic bool) error {
	host := strings.TrimSpace(c.Host)
	if host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	c.baseURL = strings.TrimRight(host, "/") + "/admin"

	if needTopic && c.Topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}

	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}

	if c.Limit < 0 {
		return fmt.Errorf("limit must be non-negative")
	}

	return nil
}

// ClusterList parses -set, dropping blanks
func (c *Config) ClusterList() []string {
	var out []string
	for _, s := range strings.Split(c.Set, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
