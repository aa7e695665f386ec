// Package wizard provides an interactive setup wizard for Quiet Lane.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/quietlane/quietlane/internal/config"
	"github.com/quietlane/quietlane/internal/keystore"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	DataDir    string

	// Addresses maps each configured service nickname to its onion
	// address.
	Addresses map[string]string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	// Step 1: Basic setup
	dataDir, configPath, err := w.askBasicSetup()
	if err != nil {
		return nil, err
	}

	// Step 2: Services to publish
	services, err := w.askServices()
	if err != nil {
		return nil, err
	}

	// Step 3: Outbound connection options
	padding, allowLocal, err := w.askClientOptions()
	if err != nil {
		return nil, err
	}

	// Step 4: Advanced options
	healthEnabled, logLevel, err := w.askAdvancedOptions()
	if err != nil {
		return nil, err
	}

	// Build configuration
	cfg := w.buildConfig(dataDir, services, padding, allowLocal, healthEnabled, logLevel)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Create service keys so addresses are known before the first start
	addresses, err := w.createServiceKeys(dataDir, services)
	if err != nil {
		return nil, err
	}

	// Write configuration file
	if err := w.writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	// Print summary
	w.printSummary(configPath, cfg, addresses)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
		DataDir:    dataDir,
		Addresses:  addresses,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
   ___          _        _      _
  / _ \  _   _ (_)  ___ | |_   | |      __ _  _ __    ___
 | | | || | | || | / _ \| __|  | |     / _' || '_ \  / _ \
 | |_| || |_| || ||  __/| |_   | |___ | (_| || | | ||  __/
  \__\_\ \__,_||_| \___| \__|  |_____| \__,_||_| |_| \___|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Anonymous Service Layer - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup() (dataDir, configPath string, err error) {
	dataDir = "./data"
	configPath = "./config.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure the essential paths for your daemon."),

			huh.NewInput().
				Title("Data Directory").
				Description("Where to store service keys and network state").
				Placeholder("./data").
				Value(&dataDir).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("data directory is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askServices() ([]config.ServiceConfig, error) {
	var addServices bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Published Services").
				Description("Each service gets its own onion address and forwards\ninbound streams to a local backend."),

			huh.NewConfirm().
				Title("Publish services?").
				Description("You can also add services to the config file later").
				Value(&addServices),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return nil, err
	}

	if !addServices {
		return nil, nil
	}

	var services []config.ServiceConfig
	addMore := true

	for addMore {
		svc, err := w.askSingleService(len(services) + 1)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)

		confirmForm := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Add another service?").
					Value(&addMore),
			),
		).WithTheme(w.theme)

		if err := confirmForm.Run(); err != nil {
			return nil, err
		}
	}

	return services, nil
}

func (w *Wizard) askSingleService(num int) (config.ServiceConfig, error) {
	var svc config.ServiceConfig
	var portsStr string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title(fmt.Sprintf("Service #%d", num)),

			huh.NewInput().
				Title("Nickname").
				Description("Identifies the service key on disk, e.g. \"web\"").
				Placeholder("web").
				Value(&svc.Nickname).
				Validate(func(s string) error {
					_, err := keystore.NormalizeNickname(s)
					return err
				}),

			huh.NewInput().
				Title("Backend Address").
				Description("Local address inbound streams are forwarded to").
				Placeholder("127.0.0.1:8080").
				Value(&svc.Backend).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("backend address is required")
					}
					if _, _, err := net.SplitHostPort(s); err != nil {
						return fmt.Errorf("invalid address format (use host:port)")
					}
					return nil
				}),

			huh.NewInput().
				Title("Virtual Ports").
				Description("Comma-separated ports to accept, empty for all").
				Placeholder("80,443").
				Value(&portsStr).
				Validate(func(s string) error {
					_, err := parsePorts(s)
					return err
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return svc, err
	}

	ports, err := parsePorts(portsStr)
	if err != nil {
		return svc, err
	}
	svc.Ports = ports

	return svc, nil
}

// parsePorts parses a comma-separated port list. An empty string means no
// port restriction.
func parsePorts(s string) ([]uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var ports []uint16
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := strconv.ParseUint(part, 10, 16)
		if err != nil || p == 0 {
			return nil, fmt.Errorf("invalid port: %s", part)
		}
		ports = append(ports, uint16(p))
	}
	return ports, nil
}

func (w *Wizard) askClientOptions() (padding string, allowLocal bool, err error) {
	padding = "normal"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Connection Options").
				Description("Defaults for outbound anonymized streams."),

			huh.NewSelect[string]().
				Title("Link Padding").
				Description("Normal is recommended; reduced saves bandwidth").
				Options(
					huh.NewOption("Normal (recommended)", "normal"),
					huh.NewOption("Reduced", "reduced"),
					huh.NewOption("None", "none"),
				).
				Value(&padding),

			huh.NewConfirm().
				Title("Allow local targets?").
				Description("Permit streams to loopback and private addresses").
				Value(&allowLocal),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askAdvancedOptions() (healthEnabled bool, logLevel string, err error) {
	logLevel = "info"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&logLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /metrics)").
				Value(&healthEnabled),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) buildConfig(
	dataDir string,
	services []config.ServiceConfig,
	padding string,
	allowLocal, healthEnabled bool,
	logLevel string,
) *config.Config {
	cfg := config.Default()

	cfg.Node.DataDir = dataDir
	cfg.Node.LogLevel = logLevel
	cfg.Node.LogFormat = "text"

	cfg.Client.Padding = padding
	cfg.Client.AllowLocalAddrs = allowLocal

	cfg.Services = services

	cfg.Health.Enabled = healthEnabled
	if healthEnabled {
		cfg.Health.Address = ":8080"
	}

	return cfg
}

// createServiceKeys generates or loads the key for every configured
// service and returns the resulting onion addresses.
func (w *Wizard) createServiceKeys(dataDir string, services []config.ServiceConfig) (map[string]string, error) {
	if len(services) == 0 {
		return nil, nil
	}

	store, err := keystore.Open(filepath.Join(dataDir, "keys"))
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}

	addresses := make(map[string]string, len(services))
	for _, svc := range services {
		if _, _, err := store.LoadOrCreate(svc.Nickname); err != nil {
			return nil, fmt.Errorf("failed to create key for %s: %w", svc.Nickname, err)
		}
		addr, err := store.Address(svc.Nickname)
		if err != nil {
			return nil, err
		}
		addresses[svc.Nickname] = addr
	}

	return addresses, nil
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Add header comment
	header := `# Quiet Lane Configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config, addresses map[string]string) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Data dir:     %s\n", cfg.Node.DataDir)
	fmt.Println()

	for _, svc := range cfg.Services {
		fmt.Printf("  Service %-12s %s -> %s\n", svc.Nickname, addresses[svc.Nickname], svc.Backend)
	}
	if len(cfg.Services) > 0 {
		fmt.Println()
	}

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the daemon:")
	fmt.Printf("    quietlane serve -c %s\n", configPath)
	fmt.Println()
}
