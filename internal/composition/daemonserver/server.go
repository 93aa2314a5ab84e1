// Package daemonserver wires configuration, the simulated secure hardware,
// the signing service and the RPC transport into one runnable daemon.
package daemonserver

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"biosign/go-backend/internal/adapters/rpc"
	"biosign/go-backend/internal/app"
	"biosign/go-backend/internal/biometric"
	"biosign/go-backend/internal/bootstrap/config"
	"biosign/go-backend/internal/enclave"
	"biosign/go-backend/internal/keyvault"
	"biosign/go-backend/internal/metrics"
	"biosign/go-backend/internal/platform/version"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	sensorStateFile = "sensor.state"
	rpcTokenFile    = "rpc.token"
)

// IO carries the console streams used by the console sensor mode.
type IO struct {
	In  io.Reader
	Out io.Writer
}

// Daemon is a fully wired instance.
type Daemon struct {
	Server    *rpc.Server
	Service   *app.Service
	Simulator *biometric.Simulator
	Registry  *prometheus.Registry
}

// NewRPCServerWithOptions loads configuration, applies the command line
// overrides and wires the daemon logging to stderr.
func NewRPCServerWithOptions(rpcAddr, configPath, dataDir string) (*Daemon, error) {
	cfg, err := config.LoadFromPath(configPath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(dataDir) != "" {
		cfg.DataDir = dataDir
		if strings.TrimSpace(os.Getenv("BIOSIGN_KEYSTORE_DIR")) == "" {
			cfg.Keystore.Dir = filepath.Join(dataDir, "keys")
		}
	}
	if strings.TrimSpace(rpcAddr) != "" {
		cfg.RPC.Addr = rpcAddr
	}
	return Build(cfg, NewLogger(cfg.Log, os.Stderr), IO{In: os.Stdin, Out: os.Stdout})
}

// Build wires cfg into a daemon. The device secret is resolved first since
// the pairing key, key store passphrase and sensor state key derive from it.
func Build(cfg config.Config, logger *slog.Logger, console IO) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = app.DefaultLogger()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	deviceSecret, err := DeviceSecret(cfg.DataDir, cfg.DeviceSecret)
	if err != nil {
		return nil, err
	}
	pairingKey, err := enclave.DerivePairingKey([]byte(deviceSecret))
	if err != nil {
		return nil, err
	}
	stateKey, err := purposeKey(deviceSecret, "sensor-state")
	if err != nil {
		return nil, err
	}

	sim, err := biometric.NewSimulator(pairingKey,
		biometric.WithStateFile(filepath.Join(cfg.DataDir, sensorStateFile), stateKey),
		biometric.WithSilentWindow(cfg.Sensor.SilentWindow),
		biometric.WithMaxCredentialAttempts(cfg.Sensor.MaxCredentialAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("start sensor: %w", err)
	}
	if err := seedSensor(sim, cfg.Sensor); err != nil {
		return nil, err
	}

	store, err := buildRecordStore(cfg, deviceSecret)
	if err != nil {
		return nil, err
	}
	vault := keyvault.New(enclave.New(store, sim, pairingKey))

	surface, scripted := buildSurface(cfg.Sensor, sim, console)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}

	opts := app.ServiceOptions{
		Vault:         vault,
		Sensor:        sim,
		Surface:       surface,
		Silent:        sim,
		Capabilities:  version.ForLevel(version.Level(cfg.Platform.Level)),
		PromptTimeout: cfg.Prompt.Timeout,
		Metrics:       rec,
		Logger:        logger,
	}
	if cfg.Sensor.Admin {
		opts.Admin = &app.SimulatorAdmin{Simulator: sim, Scripted: scripted}
	}
	svc, err := app.NewService(opts)
	if err != nil {
		return nil, err
	}

	server, err := rpc.NewServer(svc, rpc.Options{
		Addr:           cfg.RPC.Addr,
		Token:          cfg.RPC.Token,
		TokenFile:      filepath.Join(cfg.DataDir, rpcTokenFile),
		RequireToken:   cfg.RPC.RequireToken,
		RateLimitRPS:   cfg.RPC.RateLimitRPS,
		RateLimitBurst: cfg.RPC.RateLimitBurst,
		Metrics:        rec,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("daemon wired",
		"platform_level", cfg.Platform.Level,
		"keystore", cfg.Keystore.Backend,
		"sensor_mode", cfg.Sensor.Mode,
		"sensor_admin", cfg.Sensor.Admin,
	)
	return &Daemon{Server: server, Service: svc, Simulator: sim, Registry: reg}, nil
}

// seedSensor enrolls configured biometrics that the persisted state does not
// already hold. Re-enrolling would invalidate keys bound to the enrollment.
func seedSensor(sim *biometric.Simulator, cfg config.SensorConfig) error {
	enrolled := sim.Biometrics()
	for _, name := range cfg.Enroll {
		name = strings.TrimSpace(name)
		if name == "" || slices.Contains(enrolled, name) {
			continue
		}
		if err := sim.EnrollBiometric(name, true); err != nil {
			return fmt.Errorf("enroll %q: %w", name, err)
		}
		enrolled = append(enrolled, name)
	}
	if cfg.AutoPasscode != "" && !sim.HasPasscode() {
		if _, err := sim.SetPasscode(cfg.AutoPasscode); err != nil {
			return fmt.Errorf("set device credential: %w", err)
		}
	}
	return nil
}

func buildRecordStore(cfg config.Config, deviceSecret string) (enclave.RecordStore, error) {
	if cfg.Keystore.Backend == config.KeystoreMemory {
		return enclave.NewMemoryStore(), nil
	}
	passphrase := cfg.Keystore.Passphrase
	if passphrase == "" {
		derived, err := purposeKey(deviceSecret, "keystore")
		if err != nil {
			return nil, err
		}
		passphrase = derived
	}
	store, err := enclave.NewFileStore(cfg.Keystore.Dir, passphrase)
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}
	return store, nil
}

// buildSurface returns the prompt surface for the sensor mode and, when the
// surface accepts queued steps, the same surface as a ScriptedSurface.
func buildSurface(cfg config.SensorConfig, sim *biometric.Simulator, console IO) (biometric.Surface, *biometric.ScriptedSurface) {
	attempt := autoAttempt(cfg)
	switch cfg.Mode {
	case config.SensorConsole:
		return biometric.NewConsoleSurface(sim, console.In, console.Out), nil
	case config.SensorScripted:
		scripted := biometric.NewScriptedSurface(sim, biometric.Step{Attempt: attempt})
		return scripted, scripted
	default:
		return &biometric.AutoSurface{Presenter: sim, Attempt: attempt}, nil
	}
}

func autoAttempt(cfg config.SensorConfig) biometric.Attempt {
	switch cfg.AutoAttempt {
	case config.AttemptPasscode:
		return biometric.Attempt{Kind: biometric.AttemptPasscode, Passcode: cfg.AutoPasscode}
	case config.AttemptCancel:
		return biometric.Attempt{Kind: biometric.AttemptCancel}
	default:
		return biometric.Attempt{Kind: biometric.AttemptBiometric}
	}
}
