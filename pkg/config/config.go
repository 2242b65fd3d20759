// Package config loads the Primary's runtime configuration (AM2) from the
// process environment, the way the CLI entrypoint in cmd/primary wires
// every other component together. Config itself is external to spec.md's
// core (spec.md §1 lists "TOML/JSON configuration loaders" as an external
// collaborator); this package only produces the plain structs the core
// packages (fetcher.Config, keymanager.Config, provision.Config,
// orchestrator.Config, secondary.DeclaredSecondary) already declare.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/kelseyhightower/envconfig"
	homedir "github.com/mitchellh/go-homedir"

	"github.com/uptane-go/primary/pkg/fetcher"
	"github.com/uptane-go/primary/pkg/keymanager"
	"github.com/uptane-go/primary/pkg/orchestrator"
	"github.com/uptane-go/primary/pkg/provision"
	"github.com/uptane-go/primary/pkg/secondary"
)

// envSpec is what envconfig.Process populates directly; durations and
// paths needing further parsing are declared as strings and resolved in
// Load. The "UPTANE" prefix matches this module's command name.
type envSpec struct {
	DeviceID       string `envconfig:"device_id"`
	HardwareID     string `envconfig:"hardware_id"`
	ProvisioningURL string `envconfig:"provisioning_server_url"`
	TLSServerURL   string `envconfig:"tls_server_url"`
	DirectorURL    string `envconfig:"director_url"`
	ImageURL       string `envconfig:"image_url"`

	StoreDBPath  string `envconfig:"store_db_path" default:"~/.uptane/device.db"`
	StagingDir   string `envconfig:"staging_dir" default:"~/.uptane/staging"`
	InstallDir   string `envconfig:"install_dir" default:"~/.uptane/installed"`
	SentinelDir  string `envconfig:"sentinel_dir" default:"~/.uptane/sentinel"`
	CABundlePath string `envconfig:"ca_bundle_path"`

	RequestTimeout   string `envconfig:"request_timeout" default:"60s"`
	LowSpeedBytesSec int64  `envconfig:"low_speed_bytes_sec" default:"1"`
	LowSpeedDuration string `envconfig:"low_speed_duration" default:"30s"`
	RetryCount       int    `envconfig:"retry_count" default:"3"`
	RetryWait        string `envconfig:"retry_wait" default:"1s"`

	PKCS11ModulePath string `envconfig:"pkcs11_module_path"`
	PKCS11TokenLabel string `envconfig:"pkcs11_token_label"`
	PKCS11Pin        string `envconfig:"pkcs11_pin"`
	PKCS11KeyLabel   string `envconfig:"pkcs11_key_label"`

	// SecondariesIP is a comma-separated list of ecu_serial=host:port
	// pairs, e.g. "ecu-cam=127.0.0.1:9061,ecu-brake=127.0.0.1:9062".
	SecondariesIP string `envconfig:"secondaries_ip"`
}

// Config is the fully resolved set of inputs cmd/primary needs to build
// every component.
type Config struct {
	Fetcher      fetcher.Config
	KeyManager   keymanager.Config
	Provision    provision.Config
	Orchestrator orchestrator.Config
	Secondaries  []secondary.DeclaredSecondary

	StoreDBPath string
	UserAgent   string
}

// Load reads environment variables prefixed "UPTANE_" and resolves them
// into the component configs. Paths are tilde-expanded via go-homedir;
// durations accept any form parseutil.ParseDurationSecond understands
// (bare seconds or a Go duration string like "90s").
func Load() (Config, error) {
	var spec envSpec
	if err := envconfig.Process("uptane", &spec); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	storeDB, err := homedir.Expand(spec.StoreDBPath)
	if err != nil {
		return Config{}, fmt.Errorf("config: store_db_path: %w", err)
	}
	stagingDir, err := homedir.Expand(spec.StagingDir)
	if err != nil {
		return Config{}, fmt.Errorf("config: staging_dir: %w", err)
	}
	installDir, err := homedir.Expand(spec.InstallDir)
	if err != nil {
		return Config{}, fmt.Errorf("config: install_dir: %w", err)
	}
	sentinelDir, err := homedir.Expand(spec.SentinelDir)
	if err != nil {
		return Config{}, fmt.Errorf("config: sentinel_dir: %w", err)
	}

	requestTimeout, err := parseDuration(spec.RequestTimeout)
	if err != nil {
		return Config{}, fmt.Errorf("config: request_timeout: %w", err)
	}
	lowSpeedDuration, err := parseDuration(spec.LowSpeedDuration)
	if err != nil {
		return Config{}, fmt.Errorf("config: low_speed_duration: %w", err)
	}
	retryWait, err := parseDuration(spec.RetryWait)
	if err != nil {
		return Config{}, fmt.Errorf("config: retry_wait: %w", err)
	}

	secondaries, err := parseSecondaries(spec.SecondariesIP)
	if err != nil {
		return Config{}, fmt.Errorf("config: secondaries_ip: %w", err)
	}

	userAgent := "uptane-primary/1"

	return Config{
		Fetcher: fetcher.Config{
			Timeout:          requestTimeout,
			LowSpeedBytesSec: spec.LowSpeedBytesSec,
			LowSpeedDuration: lowSpeedDuration,
			RetryCount:       spec.RetryCount,
			RetryWait:        retryWait,
			CABundlePath:     spec.CABundlePath,
			UserAgent:        userAgent,
		},
		KeyManager: keymanager.Config{
			PKCS11ModulePath: spec.PKCS11ModulePath,
			PKCS11TokenLabel: spec.PKCS11TokenLabel,
			PKCS11Pin:        spec.PKCS11Pin,
			PKCS11KeyLabel:   spec.PKCS11KeyLabel,
		},
		Provision: provision.Config{
			DeviceID:              spec.DeviceID,
			HardwareID:            spec.HardwareID,
			ProvisioningServerURL: spec.ProvisioningURL,
			TLSServerURL:          spec.TLSServerURL,
		},
		Orchestrator: orchestrator.Config{
			StagingDir:       stagingDir,
			InstallDir:       installDir,
			SentinelDir:      sentinelDir,
			DirectorBaseURL:  spec.DirectorURL,
			ImageBaseURL:     spec.ImageURL,
			TLSServerBaseURL: spec.TLSServerURL,
		},
		Secondaries: secondaries,
		StoreDBPath: storeDB,
		UserAgent:   userAgent,
	}, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return parseutil.ParseDurationSecond(s)
}

func parseSecondaries(raw string) ([]secondary.DeclaredSecondary, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var out []secondary.DeclaredSecondary
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		nameAndAddr := strings.SplitN(entry, "=", 2)
		if len(nameAndAddr) != 2 {
			return nil, fmt.Errorf("malformed entry %q, want ecu_serial=host:port", entry)
		}
		host, portStr, err := splitHostPort(nameAndAddr[1])
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", entry, err)
		}
		var port int
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			return nil, fmt.Errorf("entry %q: invalid port %q", entry, portStr)
		}
		out = append(out, secondary.DeclaredSecondary{
			EcuSerial:        nameAndAddr[0],
			Type:             secondary.IP,
			IP:               host,
			Port:             port,
			VerificationType: secondary.VerificationFull,
		})
	}
	return out, nil
}

func splitHostPort(addr string) (host, port string, err error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("missing port in %q", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}
