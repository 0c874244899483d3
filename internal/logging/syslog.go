// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"log/syslog"
)

// SyslogConfig configures forwarding of log lines to a syslog collector.
// Disabled by default: most deployments ship stderr straight to their
// process supervisor's own log capture.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string // "udp" or "tcp"
	Tag      string
	// Facility is the syslog facility code (RFC 5424 numeric range), not a
	// severity. Defaults to 1 (user-level messages).
	Facility int
}

// DefaultSyslogConfig returns syslog forwarding disabled, UDP to port 514
// under the "prefixd" tag at the user-level facility (1).
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "prefixd",
		Facility: 1,
	}
}

// NewSyslogWriter dials a remote syslog collector and returns an io.Writer
// suitable for Config.Output.
func NewSyslogWriter(cfg SyslogConfig) (*syslog.Writer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("logging: syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "prefixd"
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	priority := syslog.Priority(cfg.Facility<<3) | syslog.LOG_INFO
	return syslog.Dial(cfg.Protocol, addr, priority, cfg.Tag)
}
