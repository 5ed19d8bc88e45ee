package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/fosrl/tunnelctl/relay"
	"github.com/fosrl/tunnelctl/tunnel"
	"github.com/fosrl/tunnelctl/tunnelstate"
)

// TunnelctlConfig holds all configuration options for the tunnel daemon
type TunnelctlConfig struct {
	// Logging
	LogLevel string `json:"logLevel"`

	// Tunnel device
	InterfaceName    string `json:"interface"`
	MTU              int    `json:"mtu"`
	EnableUAPI       bool   `json:"enableUapi"`
	HandshakeTimeout string `json:"handshakeTimeout"`
	PrivateKey       string `json:"privateKey"`
	TunFD            int    `json:"tunFd"`

	// Initial machine settings
	AllowLAN              bool     `json:"allowLan"`
	BlockWhenDisconnected bool     `json:"blockWhenDisconnected"`
	CustomDNS             []string `json:"customDns"`

	// Relay selection
	RelayFile   string `json:"relayFile"`
	RelayURL    string `json:"relayUrl"`
	ClientID    string `json:"clientId"`
	Secret      string `json:"secret"`
	RelayRounds int    `json:"relayRounds"`

	// Relay TLS
	TlsClientCert string   `json:"tlsClientCert"`
	TlsCertFile   string   `json:"tlsCertFile"`
	TlsKeyFile    string   `json:"tlsKeyFile"`
	TlsCAFiles    []string `json:"tlsCaFiles"`

	// Retry curve
	RetryMaxAttempts int    `json:"retryMaxAttempts"`
	RetryInitial     string `json:"retryInitial"`
	RetryMax         string `json:"retryMax"`

	// Control API
	SocketPath    string `json:"socketPath"`
	HTTPAddr      string `json:"httpAddr"`
	EnableMetrics bool   `json:"enableMetrics"`

	// Directories
	ResourceDir string `json:"resourceDir"`
	LogDir      string `json:"logDir"`

	// Parsed values (not in JSON)
	HandshakeTimeoutDuration time.Duration `json:"-"`
	RetryInitialDuration     time.Duration `json:"-"`
	RetryMaxDuration         time.Duration `json:"-"`

	// Source tracking (not in JSON)
	sources map[string]string

	// Profile tracking (not in JSON)
	activeProfile string
}

// ConfigSource tracks where each config value came from
type ConfigSource string

const (
	SourceDefault ConfigSource = "default"
	SourceFile    ConfigSource = "file"
	SourceEnv     ConfigSource = "environment"
	SourceCLI     ConfigSource = "cli"
)

const profileEnv = "TUNNELCTL_PROFILE"

// DefaultConfig returns a config with default values
func DefaultConfig() *TunnelctlConfig {
	config := &TunnelctlConfig{
		LogLevel:         "INFO",
		InterfaceName:    "tunnelctl0",
		MTU:              1280,
		HandshakeTimeout: "20s",
		RelayRounds:      1,
		RetryInitial:     "500ms",
		RetryMax:         "30s",
		SocketPath:       defaultSocketPath(),
		sources:          make(map[string]string),
		activeProfile:    "default",
	}
	for _, key := range configKeys {
		config.sources[key.name] = string(SourceDefault)
	}
	return config
}

func defaultSocketPath() string {
	return "/var/run/tunnelctl/tunnelctl.sock"
}

// getConfigDir returns the config directory path
func getConfigDir() string {
	if configDir := os.Getenv("CONFIG_DIR"); configDir != "" {
		return configDir
	}
	return filepath.Join(os.Getenv("HOME"), ".config", "tunnelctl")
}

// getConfigPath returns the config file for profile. Named profiles live in
// config-{profile}.json next to config.json.
func getConfigPath(profile string) string {
	if configFile := os.Getenv("CONFIG_FILE"); configFile != "" {
		return configFile
	}
	if profile != "" && profile != "default" {
		return filepath.Join(getConfigDir(), fmt.Sprintf("config-%s.json", profile))
	}
	return filepath.Join(getConfigDir(), "config.json")
}

// ListProfiles returns every profile with a config file in the config
// directory.
func ListProfiles() ([]string, error) {
	entries, err := os.ReadDir(getConfigDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{"default"}, nil
		}
		return nil, fmt.Errorf("failed to read config directory: %w", err)
	}

	profiles := []string{"default"}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "config-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		profiles = append(profiles, strings.TrimSuffix(strings.TrimPrefix(name, "config-"), ".json"))
	}
	return profiles, nil
}

// configKey binds one setting to its JSON key, environment variable and
// flag name.
type configKey struct {
	name string
	env  string
	flag string
	set  func(c *TunnelctlConfig, val string) error
}

func setString(field func(c *TunnelctlConfig) *string) func(*TunnelctlConfig, string) error {
	return func(c *TunnelctlConfig, val string) error {
		*field(c) = val
		return nil
	}
}

func setInt(field func(c *TunnelctlConfig) *int) func(*TunnelctlConfig, string) error {
	return func(c *TunnelctlConfig, val string) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func setBool(field func(c *TunnelctlConfig) *bool) func(*TunnelctlConfig, string) error {
	return func(c *TunnelctlConfig, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func setList(field func(c *TunnelctlConfig) *[]string) func(*TunnelctlConfig, string) error {
	return func(c *TunnelctlConfig, val string) error {
		*field(c) = splitList(val)
		return nil
	}
}

func splitList(val string) []string {
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

var configKeys = []configKey{
	{"logLevel", "LOG_LEVEL", "log-level", setString(func(c *TunnelctlConfig) *string { return &c.LogLevel })},
	{"interface", "INTERFACE", "interface", setString(func(c *TunnelctlConfig) *string { return &c.InterfaceName })},
	{"mtu", "MTU", "mtu", setInt(func(c *TunnelctlConfig) *int { return &c.MTU })},
	{"enableUapi", "ENABLE_UAPI", "enable-uapi", setBool(func(c *TunnelctlConfig) *bool { return &c.EnableUAPI })},
	{"handshakeTimeout", "HANDSHAKE_TIMEOUT", "handshake-timeout", setString(func(c *TunnelctlConfig) *string { return &c.HandshakeTimeout })},
	{"privateKey", "PRIVATE_KEY", "private-key", setString(func(c *TunnelctlConfig) *string { return &c.PrivateKey })},
	{"tunFd", "TUN_FD", "tun-fd", setInt(func(c *TunnelctlConfig) *int { return &c.TunFD })},
	{"allowLan", "ALLOW_LAN", "allow-lan", setBool(func(c *TunnelctlConfig) *bool { return &c.AllowLAN })},
	{"blockWhenDisconnected", "BLOCK_WHEN_DISCONNECTED", "block-when-disconnected", setBool(func(c *TunnelctlConfig) *bool { return &c.BlockWhenDisconnected })},
	{"customDns", "CUSTOM_DNS", "custom-dns", setList(func(c *TunnelctlConfig) *[]string { return &c.CustomDNS })},
	{"relayFile", "RELAY_FILE", "relay-file", setString(func(c *TunnelctlConfig) *string { return &c.RelayFile })},
	{"relayUrl", "RELAY_URL", "relay-url", setString(func(c *TunnelctlConfig) *string { return &c.RelayURL })},
	{"clientId", "CLIENT_ID", "client-id", setString(func(c *TunnelctlConfig) *string { return &c.ClientID })},
	{"secret", "CLIENT_SECRET", "secret", setString(func(c *TunnelctlConfig) *string { return &c.Secret })},
	{"relayRounds", "RELAY_ROUNDS", "relay-rounds", setInt(func(c *TunnelctlConfig) *int { return &c.RelayRounds })},
	{"tlsClientCert", "TLS_CLIENT_CERT", "tls-client-cert", setString(func(c *TunnelctlConfig) *string { return &c.TlsClientCert })},
	{"tlsCertFile", "TLS_CERT_FILE", "tls-cert", setString(func(c *TunnelctlConfig) *string { return &c.TlsCertFile })},
	{"tlsKeyFile", "TLS_KEY_FILE", "tls-key", setString(func(c *TunnelctlConfig) *string { return &c.TlsKeyFile })},
	{"tlsCaFiles", "TLS_CA_FILES", "tls-ca", setList(func(c *TunnelctlConfig) *[]string { return &c.TlsCAFiles })},
	{"retryMaxAttempts", "RETRY_MAX_ATTEMPTS", "retry-max-attempts", setInt(func(c *TunnelctlConfig) *int { return &c.RetryMaxAttempts })},
	{"retryInitial", "RETRY_INITIAL", "retry-initial", setString(func(c *TunnelctlConfig) *string { return &c.RetryInitial })},
	{"retryMax", "RETRY_MAX", "retry-max", setString(func(c *TunnelctlConfig) *string { return &c.RetryMax })},
	{"socketPath", "SOCKET_PATH", "socket-path", setString(func(c *TunnelctlConfig) *string { return &c.SocketPath })},
	{"httpAddr", "HTTP_ADDR", "http-addr", setString(func(c *TunnelctlConfig) *string { return &c.HTTPAddr })},
	{"enableMetrics", "ENABLE_METRICS", "enable-metrics", setBool(func(c *TunnelctlConfig) *bool { return &c.EnableMetrics })},
	{"resourceDir", "RESOURCE_DIR", "resource-dir", setString(func(c *TunnelctlConfig) *string { return &c.ResourceDir })},
	{"logDir", "LOG_DIR", "log-dir", setString(func(c *TunnelctlConfig) *string { return &c.LogDir })},
}

var boolFlags = map[string]bool{
	"enable-uapi":             true,
	"allow-lan":               true,
	"block-when-disconnected": true,
	"enable-metrics":          true,
}

var flagUsage = map[string]string{
	"log-level":               "Log level (DEBUG, INFO, WARN, ERROR, FATAL)",
	"interface":               "Name of the tunnel interface",
	"mtu":                     "MTU of the tunnel interface",
	"enable-uapi":             "Expose the WireGuard UAPI socket",
	"handshake-timeout":       "How long to wait for the first handshake",
	"private-key":             "WireGuard private key (base64); generated when empty",
	"tun-fd":                  "Use this already opened TUN file descriptor instead of creating a device",
	"allow-lan":               "Allow LAN traffic outside the tunnel",
	"block-when-disconnected": "Block traffic while disconnected",
	"custom-dns":              "Comma separated DNS servers used instead of the relay's",
	"relay-file":              "JSON file with the relay list",
	"relay-url":               "Base URL of the server that hands out relays",
	"client-id":               "Client ID used to fetch relays",
	"secret":                  "Client secret used to fetch relays",
	"relay-rounds":            "How many times to cycle through the relay list before giving up",
	"tls-client-cert":         "PKCS12 client certificate for the relay server",
	"tls-cert":                "PEM client certificate for the relay server",
	"tls-key":                 "PEM client key for the relay server",
	"tls-ca":                  "Comma separated CA files for the relay server",
	"retry-max-attempts":      "Connection attempts before giving up (0 = unlimited)",
	"retry-initial":           "Delay before the first retry",
	"retry-max":               "Upper bound on the retry delay",
	"socket-path":             "Control socket path",
	"http-addr":               "Serve the control API on this TCP address instead of the socket",
	"enable-metrics":          "Serve Prometheus metrics on /metrics",
	"resource-dir":            "Directory that relative relay and certificate paths are read from",
	"log-dir":                 "Directory for log files",
}

// LoadConfig loads configuration from file, env vars, and CLI args
// Priority: CLI args > Env vars > Config file > Defaults
// Returns: (config, showVersion, showConfig, listProfiles, error)
func LoadConfig(args []string) (*TunnelctlConfig, bool, bool, bool, error) {
	profile := profileFromArgs(args)
	if profile == "" {
		profile = os.Getenv(profileEnv)
	}

	config := DefaultConfig()
	if profile != "" {
		config.activeProfile = profile
	}

	if err := loadConfigFromFile(config, getConfigPath(profile)); err != nil {
		return nil, false, false, false, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := loadConfigFromEnv(config); err != nil {
		return nil, false, false, false, err
	}

	showVersion, showConfig, listProfiles, err := loadConfigFromCLI(config, args)
	if err != nil {
		return nil, false, false, false, err
	}

	if err := config.parseDurations(); err != nil {
		return nil, false, false, false, err
	}

	return config, showVersion, showConfig, listProfiles, nil
}

// profileFromArgs finds -profile before the full flag parse so the right
// file is loaded underneath env and CLI values.
func profileFromArgs(args []string) string {
	profile := ""
	for i, arg := range args {
		if arg == "-profile" || arg == "--profile" {
			if i+1 < len(args) {
				profile = args[i+1]
			}
			break
		}
		if v, ok := strings.CutPrefix(arg, "-profile="); ok {
			profile = v
		}
		if v, ok := strings.CutPrefix(arg, "--profile="); ok {
			profile = v
		}
	}
	return profile
}

// loadConfigFromFile overlays the JSON config file. Only keys present in the
// file are marked as coming from it.
func loadConfigFromFile(config *TunnelctlConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var present map[string]json.RawMessage
	if err := json.Unmarshal(data, &present); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	for _, key := range configKeys {
		if _, ok := present[key.name]; ok {
			config.sources[key.name] = string(SourceFile)
		}
	}
	return nil
}

// loadConfigFromEnv loads configuration from environment variables
func loadConfigFromEnv(config *TunnelctlConfig) error {
	for _, key := range configKeys {
		val := os.Getenv(key.env)
		if val == "" {
			continue
		}
		if err := key.set(config, val); err != nil {
			return fmt.Errorf("invalid %s value %q: %w", key.env, val, err)
		}
		config.sources[key.name] = string(SourceEnv)
	}
	return nil
}

// loadConfigFromCLI loads configuration from command-line arguments
func loadConfigFromCLI(config *TunnelctlConfig, args []string) (bool, bool, bool, error) {
	serviceFlags := flag.NewFlagSet("tunnelctl", flag.ContinueOnError)

	profileFlag := serviceFlags.String("profile", "", "Configuration profile to use (e.g., dev, prod, staging)")
	byFlag := make(map[string]configKey, len(configKeys))
	for _, key := range configKeys {
		byFlag[key.flag] = key
		set := func(val string) error { return key.set(config, val) }
		// Boolean settings accept a bare -flag.
		if boolFlags[key.flag] {
			serviceFlags.BoolFunc(key.flag, flagUsage[key.flag], set)
		} else {
			serviceFlags.Func(key.flag, flagUsage[key.flag], set)
		}
	}

	version := serviceFlags.Bool("version", false, "Print the version")
	showConfig := serviceFlags.Bool("show-config", false, "Show configuration sources and exit")
	listProfiles := serviceFlags.Bool("list-profiles", false, "List available configuration profiles and exit")

	if err := serviceFlags.Parse(args); err != nil {
		return false, false, false, err
	}

	if *profileFlag != "" {
		config.activeProfile = *profileFlag
	}

	serviceFlags.Visit(func(f *flag.Flag) {
		if key, ok := byFlag[f.Name]; ok {
			config.sources[key.name] = string(SourceCLI)
		}
	})

	return *version, *showConfig, *listProfiles, nil
}

// parseDurations parses the duration strings into time.Duration
func (c *TunnelctlConfig) parseDurations() error {
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"handshake-timeout", c.HandshakeTimeout, &c.HandshakeTimeoutDuration},
		{"retry-initial", c.RetryInitial, &c.RetryInitialDuration},
		{"retry-max", c.RetryMax, &c.RetryMaxDuration},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", d.name, d.raw, err)
		}
		if parsed < 0 {
			return fmt.Errorf("invalid %s value %q: must not be negative", d.name, d.raw)
		}
		*d.dst = parsed
	}
	return nil
}

// Settings converts the loaded values into the state machine's initial
// settings.
func (c *TunnelctlConfig) Settings() (tunnelstate.Settings, error) {
	servers := make([]netip.Addr, 0, len(c.CustomDNS))
	for _, raw := range c.CustomDNS {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return tunnelstate.Settings{}, fmt.Errorf("invalid custom DNS server %q: %w", raw, err)
		}
		servers = append(servers, addr)
	}
	if c.RetryMaxAttempts < 0 {
		return tunnelstate.Settings{}, fmt.Errorf("invalid retry-max-attempts %d", c.RetryMaxAttempts)
	}

	initial, ceiling := c.RetryInitialDuration, c.RetryMaxDuration
	if initial == 0 {
		initial = tunnelstate.DefaultRetryInitialInterval
	}
	if ceiling == 0 {
		ceiling = tunnelstate.DefaultRetryMaxInterval
	}

	return tunnelstate.Settings{
		AllowLAN:              c.AllowLAN,
		BlockWhenDisconnected: c.BlockWhenDisconnected,
		CustomDNS:             servers,
		Retry:                 tunnelstate.ExponentialRetryPolicy(uint32(c.RetryMaxAttempts), initial, ceiling),
	}, nil
}

// TunnelConfig converts the device settings for the tunnel provider.
func (c *TunnelctlConfig) TunnelConfig() (tunnel.Config, error) {
	if c.TunFD < 0 {
		return tunnel.Config{}, fmt.Errorf("invalid tun-fd %d", c.TunFD)
	}
	if c.MTU < 0 {
		return tunnel.Config{}, fmt.Errorf("invalid mtu %d", c.MTU)
	}
	return tunnel.Config{
		InterfaceName:    c.InterfaceName,
		MTU:              c.MTU,
		TunFD:            uint32(c.TunFD),
		EnableUAPI:       c.EnableUAPI,
		HandshakeTimeout: c.HandshakeTimeoutDuration,
	}, nil
}

// RelaySource picks the relay source. A relay file wins over the server.
// Relative file paths are looked up in the resource directory.
func (c *TunnelctlConfig) RelaySource() (relay.Source, error) {
	if c.RelayFile != "" {
		return relay.FileSource{Path: c.resourcePath(c.RelayFile)}, nil
	}
	if c.RelayURL == "" {
		return nil, errors.New("either relay-file or relay-url must be set")
	}
	if c.ClientID == "" || c.Secret == "" {
		return nil, errors.New("relay-url requires client-id and secret")
	}
	return relay.HTTPSource{
		BaseURL:  c.RelayURL,
		ClientID: c.ClientID,
		Secret:   c.Secret,
		TLS: relay.TLSConfig{
			ClientCertFile: c.resourcePath(c.TlsCertFile),
			ClientKeyFile:  c.resourcePath(c.TlsKeyFile),
			CAFiles:        c.resourcePaths(c.TlsCAFiles),
			PKCS12File:     c.resourcePath(c.TlsClientCert),
		},
	}, nil
}

func (c *TunnelctlConfig) resourcePath(path string) string {
	if path == "" || c.ResourceDir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.ResourceDir, path)
}

func (c *TunnelctlConfig) resourcePaths(paths []string) []string {
	if len(paths) == 0 {
		return paths
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = c.resourcePath(p)
	}
	return out
}

// Key returns the configured private key, generating one when unset. The
// second result reports whether a new key was generated.
func (c *TunnelctlConfig) Key() (wgtypes.Key, bool, error) {
	if c.PrivateKey != "" {
		key, err := wgtypes.ParseKey(c.PrivateKey)
		if err != nil {
			return wgtypes.Key{}, false, fmt.Errorf("invalid private key: %w", err)
		}
		return key, false, nil
	}
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return wgtypes.Key{}, false, fmt.Errorf("failed to generate private key: %w", err)
	}
	c.PrivateKey = key.String()
	return key, true, nil
}

// SaveConfig saves the current configuration to the config file
func SaveConfig(config *TunnelctlConfig) error {
	configPath := getConfigPath(config.activeProfile)
	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(configPath, data, 0o600)
}

func maskSecret(value string) string {
	if value == "" {
		return "(not set)"
	}
	if len(value) > 8 {
		return value[:4] + "****" + value[len(value)-4:]
	}
	return "****"
}

// ShowConfig prints the configuration and the source of each value
func (c *TunnelctlConfig) ShowConfig() {
	configPath := getConfigPath(c.activeProfile)

	fmt.Print("\n=== Tunnelctl Configuration ===\n\n")
	fmt.Printf("Active Profile: %s\n", c.activeProfile)
	fmt.Printf("Config File: %s\n", configPath)
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config File Status: exists\n")
	} else {
		fmt.Printf("Config File Status: not found\n")
	}

	fmt.Println("\n--- Configuration Values ---")
	fmt.Print("(Format: Setting = Value [source])\n\n")

	getSource := func(key string) string {
		if source, ok := c.sources[key]; ok {
			return source
		}
		return string(SourceDefault)
	}
	formatValue := func(value string) string {
		if value == "" {
			return "(not set)"
		}
		return value
	}
	line := func(label, key string, value interface{}) {
		fmt.Printf("  %-24s = %v [%s]\n", label, value, getSource(key))
	}

	fmt.Println("Tunnel:")
	line("interface", "interface", c.InterfaceName)
	line("mtu", "mtu", c.MTU)
	line("handshake-timeout", "handshakeTimeout", c.HandshakeTimeout)
	line("enable-uapi", "enableUapi", c.EnableUAPI)
	line("private-key", "privateKey", maskSecret(c.PrivateKey))
	if c.TunFD != 0 {
		line("tun-fd", "tunFd", c.TunFD)
	}

	fmt.Println("\nPolicy:")
	line("allow-lan", "allowLan", c.AllowLAN)
	line("block-when-disconnected", "blockWhenDisconnected", c.BlockWhenDisconnected)
	line("custom-dns", "customDns", formatValue(strings.Join(c.CustomDNS, ",")))

	fmt.Println("\nRelays:")
	line("relay-file", "relayFile", formatValue(c.RelayFile))
	line("relay-url", "relayUrl", formatValue(c.RelayURL))
	line("client-id", "clientId", formatValue(c.ClientID))
	line("secret", "secret", maskSecret(c.Secret))
	line("relay-rounds", "relayRounds", c.RelayRounds)
	if c.TlsClientCert != "" {
		line("tls-client-cert", "tlsClientCert", c.TlsClientCert)
	}
	if c.TlsCertFile != "" {
		line("tls-cert", "tlsCertFile", c.TlsCertFile)
		line("tls-key", "tlsKeyFile", formatValue(c.TlsKeyFile))
	}
	if len(c.TlsCAFiles) > 0 {
		line("tls-ca", "tlsCaFiles", strings.Join(c.TlsCAFiles, ","))
	}

	fmt.Println("\nRetry:")
	line("retry-max-attempts", "retryMaxAttempts", c.RetryMaxAttempts)
	line("retry-initial", "retryInitial", c.RetryInitial)
	line("retry-max", "retryMax", c.RetryMax)

	fmt.Println("\nControl API:")
	line("socket-path", "socketPath", formatValue(c.SocketPath))
	line("http-addr", "httpAddr", formatValue(c.HTTPAddr))
	line("enable-metrics", "enableMetrics", c.EnableMetrics)

	fmt.Println("\nLogging:")
	line("log-level", "logLevel", c.LogLevel)
	line("log-dir", "logDir", formatValue(c.LogDir))
	line("resource-dir", "resourceDir", formatValue(c.ResourceDir))

	fmt.Println("\n--- Source Legend ---")
	fmt.Println("  default     = Built-in default value")
	fmt.Println("  file        = Loaded from config file")
	fmt.Println("  environment = Set via environment variable")
	fmt.Println("  cli         = Provided as command-line argument")
	fmt.Print("\nPriority: cli > environment > file > default\n\n")
}

// ShowProfiles displays all available configuration profiles
func ShowProfiles() error {
	profiles, err := ListProfiles()
	if err != nil {
		return err
	}

	fmt.Print("\n=== Available Configuration Profiles ===\n\n")
	fmt.Printf("Config Directory: %s\n\n", getConfigDir())

	fmt.Println("Profiles:")
	for _, profile := range profiles {
		exists := "missing"
		if _, err := os.Stat(getConfigPath(profile)); err == nil {
			exists = "exists"
		}
		fmt.Printf("  %-16s %s\n", profile, exists)
	}

	fmt.Println("\nUsage:")
	fmt.Println("  Use a profile:     tunnelctl -profile=<name>")
	fmt.Printf("  Via environment:   export %s=<name>\n", profileEnv)
	fmt.Println("  Create profile:    Copy config.json to config-<name>.json")
	fmt.Println()
	return nil
}
