package settings

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of config/default.yaml. Durations are plain
// integers with unit suffixes in the field name, so the file stays editable
// without a duration grammar.
type File struct {
	Server struct {
		Addr        string `yaml:"addr"`
		MetricsAddr string `yaml:"metrics_addr"`
	} `yaml:"server"`

	Dispatch struct {
		ClaimTTLSeconds       int `yaml:"claim_ttl_seconds"`
		JanitorIntervalSecond int `yaml:"janitor_interval_seconds"`
	} `yaml:"dispatch"`

	Live struct {
		GracePeriodSeconds  int `yaml:"grace_period_seconds"`
		ReadyTimeoutSeconds int `yaml:"ready_timeout_seconds"`
		ReadyPollMs         int `yaml:"ready_poll_ms"`
		CaptureTTLSeconds   int `yaml:"capture_ttl_seconds"`
		CaptureSettleMs     int `yaml:"capture_settle_ms"`
	} `yaml:"live"`

	Ingest struct {
		Subject         string `yaml:"nats_subject"`
		DedupTTLSeconds int    `yaml:"dedup_ttl_seconds"`
		DedupMaxKeys    int    `yaml:"dedup_max_keys"`
	} `yaml:"ingest"`

	RateLimit struct {
		GlobalIP  RawLimit            `yaml:"global_ip"`
		Operator  RawLimit            `yaml:"operator"`
		Endpoints map[string]RawLimit `yaml:"endpoints"`
	} `yaml:"rate_limit"`
}

type RawLimit struct {
	Rate          int `yaml:"rate"`
	WindowSeconds int `yaml:"window_seconds"`
}

// Manager loads the settings file and serves the hot-reloadable tunables.
// Connection addresses and credentials come from the environment and are
// not reloadable; only behavioral knobs live here.
type Manager struct {
	path string

	mu    sync.RWMutex
	file  File
	mtime time.Time
}

func Load(path string) (*Manager, error) {
	m := &Manager{path: path}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the file. A malformed file keeps the previous settings.
func (m *Manager) Reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse settings: %w", err)
	}
	applyDefaults(&f)

	st, _ := os.Stat(m.path)

	m.mu.Lock()
	m.file = f
	if st != nil {
		m.mtime = st.ModTime()
	}
	m.mu.Unlock()
	return nil
}

func applyDefaults(f *File) {
	if f.Server.Addr == "" {
		f.Server.Addr = ":8080"
	}
	if f.Server.MetricsAddr == "" {
		f.Server.MetricsAddr = ":9091"
	}
	if f.Dispatch.ClaimTTLSeconds <= 0 {
		f.Dispatch.ClaimTTLSeconds = 600
	}
	if f.Dispatch.JanitorIntervalSecond <= 0 {
		f.Dispatch.JanitorIntervalSecond = 30
	}
	if f.Live.GracePeriodSeconds <= 0 {
		f.Live.GracePeriodSeconds = 20
	}
	if f.Live.ReadyTimeoutSeconds <= 0 {
		f.Live.ReadyTimeoutSeconds = 15
	}
	if f.Live.ReadyPollMs <= 0 {
		f.Live.ReadyPollMs = 2000
	}
	if f.Live.CaptureTTLSeconds <= 0 {
		f.Live.CaptureTTLSeconds = 120
	}
	if f.Live.CaptureSettleMs <= 0 {
		f.Live.CaptureSettleMs = 500
	}
	if f.Ingest.Subject == "" {
		f.Ingest.Subject = "events.raw"
	}
	if f.Ingest.DedupTTLSeconds <= 0 {
		f.Ingest.DedupTTLSeconds = 300
	}
	if f.Ingest.DedupMaxKeys <= 0 {
		f.Ingest.DedupMaxKeys = 10000
	}
}

func (m *Manager) snapshot() File {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.file
}

func (m *Manager) Current() File { return m.snapshot() }

func (m *Manager) ClaimTTL() time.Duration {
	return time.Duration(m.snapshot().Dispatch.ClaimTTLSeconds) * time.Second
}

func (m *Manager) JanitorInterval() time.Duration {
	return time.Duration(m.snapshot().Dispatch.JanitorIntervalSecond) * time.Second
}

func (m *Manager) GracePeriod() time.Duration {
	return time.Duration(m.snapshot().Live.GracePeriodSeconds) * time.Second
}

func (m *Manager) ReadyTimeout() time.Duration {
	return time.Duration(m.snapshot().Live.ReadyTimeoutSeconds) * time.Second
}

func (m *Manager) ReadyPoll() time.Duration {
	return time.Duration(m.snapshot().Live.ReadyPollMs) * time.Millisecond
}

func (m *Manager) CaptureTTL() time.Duration {
	return time.Duration(m.snapshot().Live.CaptureTTLSeconds) * time.Second
}

func (m *Manager) CaptureSettle() time.Duration {
	return time.Duration(m.snapshot().Live.CaptureSettleMs) * time.Millisecond
}
