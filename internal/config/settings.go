package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dsmmcken/qgate/internal/worker"
)

// Listen configures the gRPC socket.
type Listen struct {
	Address         string `toml:"address" json:"address"`
	EnableTLS       bool   `toml:"enable_tls" json:"enable_tls"`
	TLSKeyFile      string `toml:"tls_key_file" json:"tls_key_file"`
	TLSCertFile     string `toml:"tls_cert_file" json:"tls_cert_file"`
	TLSClientCAFile string `toml:"tls_client_cafile" json:"tls_client_cafile"`
}

// Rpc configures the gateway server.
type Rpc struct {
	Listen Listen `toml:"listen" json:"listen"`
	// Use admin services.
	EnableAdminServices bool `toml:"enable_admin_services" json:"enable_admin_services"`
	// Timeout for requests in seconds.
	Timeout int64 `toml:"timeout" json:"timeout"`
	// Maximum time in seconds to wait for active requests on shutdown.
	ShutdownGracePeriod int64 `toml:"shutdown_grace_period" json:"shutdown_grace_period"`
	// Failure pressure above which the service exits with a critical
	// error.
	MaxFailurePressure float64 `toml:"max_failure_pressure" json:"max_failure_pressure"`
	// Memory high water mark as a fraction of total memory.
	HighWaterMark float64 `toml:"high_water_mark" json:"high_water_mark"`
	// Interval in seconds between two out-of-memory checks.
	OomPeriod int64 `toml:"oom_period" json:"oom_period"`
}

// Logging configures the logrus root logger.
type Logging struct {
	Level string `toml:"level" json:"level"`
}

// Monitor configures the telemetry sink subprocess.
type Monitor struct {
	Command string         `toml:"command" json:"command"`
	Args    []string       `toml:"args" json:"args"`
	Config  map[string]any `toml:"config" json:"config"`
}

// Settings is the root configuration of the gateway.
type Settings struct {
	Logging Logging        `toml:"logging" json:"logging"`
	Rpc     Rpc            `toml:"rpc" json:"rpc"`
	Worker  worker.Options `toml:"worker" json:"worker"`
	Monitor *Monitor       `toml:"monitor,omitempty" json:"monitor,omitempty"`
}

// Default returns the built-in settings.
func Default() *Settings {
	return &Settings{
		Logging: Logging{Level: "info"},
		Rpc: Rpc{
			Listen:              Listen{Address: "127.0.0.1:23456"},
			EnableAdminServices: true,
			Timeout:             20,
			ShutdownGracePeriod: 10,
			MaxFailurePressure:  0.9,
			HighWaterMark:       0.9,
			OomPeriod:           5,
		},
		Worker: worker.DefaultOptions(),
	}
}

// Load reads settings from an optional TOML file, then applies CONF_*
// environment overrides and validates.
func Load(path string) (*Settings, error) {
	s := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := toml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if err := s.applyEnv(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks settings bounds.
func (s *Settings) Validate() error {
	if s.Rpc.HighWaterMark <= 0 || s.Rpc.HighWaterMark > 1 {
		return fmt.Errorf("'high_water_mark' value must be between 0 and 1")
	}
	if s.Rpc.OomPeriod < 3 {
		return fmt.Errorf("'oom_period' must be at least 3s")
	}
	if s.Rpc.Listen.EnableTLS {
		if err := checkFileExists(s.Rpc.Listen.TLSCertFile, "TLS cert file"); err != nil {
			return err
		}
		if err := checkFileExists(s.Rpc.Listen.TLSKeyFile, "TLS key file"); err != nil {
			return err
		}
	}
	return s.Worker.Validate()
}

func checkFileExists(path, what string) error {
	if path == "" {
		return fmt.Errorf("%s is not set", what)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

// applyEnv overrides settings from CONF_-prefixed environment
// variables, with "__" as the nesting separator
// (e.g. CONF_WORKER__NUM_PROCESSES=4).
func (s *Settings) applyEnv() error {
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || !strings.HasPrefix(name, "CONF_") {
			continue
		}
		key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(name, "CONF_"), "__", "."))
		if err := s.set(key, value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (s *Settings) set(key, value string) error {
	var err error
	switch key {
	case "logging.level":
		s.Logging.Level = value
	case "rpc.listen.address":
		s.Rpc.Listen.Address = value
	case "rpc.listen.enable_tls":
		s.Rpc.Listen.EnableTLS, err = strconv.ParseBool(value)
	case "rpc.listen.tls_key_file":
		s.Rpc.Listen.TLSKeyFile = value
	case "rpc.listen.tls_cert_file":
		s.Rpc.Listen.TLSCertFile = value
	case "rpc.listen.tls_client_cafile":
		s.Rpc.Listen.TLSClientCAFile = value
	case "rpc.enable_admin_services":
		s.Rpc.EnableAdminServices, err = strconv.ParseBool(value)
	case "rpc.timeout":
		s.Rpc.Timeout, err = strconv.ParseInt(value, 10, 64)
	case "rpc.shutdown_grace_period":
		s.Rpc.ShutdownGracePeriod, err = strconv.ParseInt(value, 10, 64)
	case "rpc.max_failure_pressure":
		s.Rpc.MaxFailurePressure, err = strconv.ParseFloat(value, 64)
	case "rpc.high_water_mark":
		s.Rpc.HighWaterMark, err = strconv.ParseFloat(value, 64)
	case "rpc.oom_period":
		s.Rpc.OomPeriod, err = strconv.ParseInt(value, 10, 64)
	case "worker.name":
		s.Worker.Name = value
	case "worker.num_processes":
		s.Worker.NumProcesses, err = strconv.Atoi(value)
	case "worker.process_start_timeout":
		s.Worker.ProcessStartTimeout, err = strconv.ParseInt(value, 10, 64)
	case "worker.cancel_timeout":
		s.Worker.CancelTimeout, err = strconv.ParseInt(value, 10, 64)
	case "worker.max_waiting_requests":
		s.Worker.MaxWaitingRequests, err = strconv.Atoi(value)
	case "worker.max_chunk_size":
		s.Worker.MaxChunkSize, err = strconv.Atoi(value)
	case "worker.restore_projects":
		s.Worker.RestoreProjects = splitList(value)
	default:
		// Unknown keys are left for the worker process, which reads
		// the same CONF_ namespace.
	}
	return err
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RequestTimeout returns the request timeout as a duration.
func (r *Rpc) RequestTimeout() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// GracePeriod returns the shutdown grace period as a duration.
func (r *Rpc) GracePeriod() time.Duration {
	return time.Duration(r.ShutdownGracePeriod) * time.Second
}

// OomInterval returns the OOM check period as a duration.
func (r *Rpc) OomInterval() time.Duration {
	return time.Duration(r.OomPeriod) * time.Second
}
