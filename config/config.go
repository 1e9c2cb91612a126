package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"depositbox/protocol"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "depositbox"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "DEPOSITBOX_DATA_DIR"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "DEPOSITBOX"
	// ConfigFileName is the optional settings file inside the data directory.
	ConfigFileName = "config.yaml"
	// identityFileName persists the server's advertised identity.
	identityFileName = "identity.json"
	// usersDirName holds one storage location per registered user.
	usersDirName = "users"

	// DefaultEventRetention keeps audit events for 90 days.
	DefaultEventRetention = 90 * 24 * time.Hour
	// DefaultReplyTimeout abandons a command whose reply has not arrived.
	DefaultReplyTimeout = 5 * time.Second
	// DefaultWorkDir is where the client reads uploads and writes downloads.
	DefaultWorkDir = "client-files"
)

// Setting keys shared by flags, environment variables and config.yaml.
const (
	KeyListen         = "listen"
	KeyDataDir        = "data_dir"
	KeyMDNS           = "mdns"
	KeyInstance       = "instance"
	KeyEventRetention = "event_retention"
	KeyServer         = "server"
	KeyWorkDir        = "work_dir"
	KeyProxy          = "proxy"
	KeyDiscover       = "discover"
	KeyReplyTimeout   = "reply_timeout"
)

var (
	// DefaultListen is the server listen address.
	DefaultListen = fmt.Sprintf(":%d", protocol.DefaultPort)
	// DefaultServer is the address the client dials.
	DefaultServer = fmt.Sprintf("localhost:%d", protocol.DefaultPort)
)

// ServerConfig contains the settings of the deposit server process.
type ServerConfig struct {
	Listen         string
	DataDir        string
	MDNS           bool
	Instance       string
	EventRetention time.Duration
}

// ClientConfig contains the settings of the interactive client.
type ClientConfig struct {
	Server       string
	WorkDir      string
	Proxy        string
	Discover     bool
	ReplyTimeout time.Duration
}

// Identity is the persisted name and id a server advertises on the LAN.
type Identity struct {
	InstanceID   string `json:"instance_id"`
	InstanceName string `json:"instance_name"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If DEPOSITBOX_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.yaml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, ConfigFileName)
}

// EnsureDataDirectories creates the server data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, usersDirName),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// LoadDotEnv loads .env from the working directory without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// LoadServer resolves server settings from flags, DEPOSITBOX_* variables,
// config.yaml in the data directory and defaults, in that order of precedence.
func LoadServer(flags *pflag.FlagSet) (*ServerConfig, error) {
	v := newViper()
	v.SetDefault(KeyListen, DefaultListen)
	v.SetDefault(KeyMDNS, false)
	v.SetDefault(KeyInstance, "")
	v.SetDefault(KeyEventRetention, DefaultEventRetention)
	if err := bindFlags(v, flags, KeyListen, KeyDataDir, KeyMDNS, KeyInstance, KeyEventRetention); err != nil {
		return nil, err
	}

	dataDir, err := dataDirFrom(v)
	if err != nil {
		return nil, err
	}
	if err := readConfigFile(v, dataDir); err != nil {
		return nil, err
	}

	cfg := &ServerConfig{
		Listen:         strings.TrimSpace(v.GetString(KeyListen)),
		DataDir:        dataDir,
		MDNS:           v.GetBool(KeyMDNS),
		Instance:       strings.TrimSpace(v.GetString(KeyInstance)),
		EventRetention: v.GetDuration(KeyEventRetention),
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.EventRetention <= 0 {
		cfg.EventRetention = DefaultEventRetention
	}
	return cfg, nil
}

// LoadClient resolves client settings the same way as LoadServer.
func LoadClient(flags *pflag.FlagSet) (*ClientConfig, error) {
	v := newViper()
	v.SetDefault(KeyServer, DefaultServer)
	v.SetDefault(KeyWorkDir, DefaultWorkDir)
	v.SetDefault(KeyProxy, "")
	v.SetDefault(KeyDiscover, false)
	v.SetDefault(KeyReplyTimeout, DefaultReplyTimeout)
	if err := bindFlags(v, flags, KeyServer, KeyWorkDir, KeyProxy, KeyDiscover, KeyReplyTimeout, KeyDataDir); err != nil {
		return nil, err
	}

	dataDir, err := dataDirFrom(v)
	if err != nil {
		return nil, err
	}
	if err := readConfigFile(v, dataDir); err != nil {
		return nil, err
	}

	cfg := &ClientConfig{
		Server:       strings.TrimSpace(v.GetString(KeyServer)),
		WorkDir:      strings.TrimSpace(v.GetString(KeyWorkDir)),
		Proxy:        strings.TrimSpace(v.GetString(KeyProxy)),
		Discover:     v.GetBool(KeyDiscover),
		ReplyTimeout: v.GetDuration(KeyReplyTimeout),
	}
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = DefaultWorkDir
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	return cfg, nil
}

// FlagName converts a setting key to its command-line flag name.
func FlagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	return v
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys ...string) error {
	if flags == nil {
		return nil
	}
	for _, key := range keys {
		flag := flags.Lookup(FlagName(key))
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %q: %w", flag.Name, err)
		}
	}
	return nil
}

func dataDirFrom(v *viper.Viper) (string, error) {
	if dataDir := strings.TrimSpace(v.GetString(KeyDataDir)); dataDir != "" {
		return dataDir, nil
	}
	return ResolveDataDir()
}

func readConfigFile(v *viper.Viper, dataDir string) error {
	path := ConfigPath(dataDir)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config: %w", err)
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// IdentityPath returns the full path to identity.json for a data directory.
func IdentityPath(dataDir string) string {
	return filepath.Join(dataDir, identityFileName)
}

// LoadIdentity reads and unmarshals identity.json from disk.
func LoadIdentity(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	var identity Identity
	if err := json.Unmarshal(raw, &identity); err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}

	return &identity, nil
}

// SaveIdentity marshals and writes identity.json to disk.
func SaveIdentity(path string, identity *Identity) error {
	raw, err := json.MarshalIndent(identity, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}

	return nil
}

// LoadOrCreateIdentity returns the persisted server identity, creating it on first run.
// A non-empty name overrides the stored instance name.
func LoadOrCreateIdentity(dataDir, name string) (*Identity, error) {
	path := IdentityPath(dataDir)
	identity, err := LoadIdentity(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		identity = &Identity{}
	}

	updated := normalizeIdentity(identity)
	if name != "" && identity.InstanceName != name {
		identity.InstanceName = name
		updated = true
	}
	if updated {
		if err := SaveIdentity(path, identity); err != nil {
			return nil, err
		}
	}
	return identity, nil
}

func normalizeIdentity(identity *Identity) bool {
	updated := false

	if identity.InstanceID == "" {
		identity.InstanceID = uuid.NewString()
		updated = true
	}

	if identity.InstanceName == "" {
		instanceName := "Deposit Box"
		if host, err := os.Hostname(); err == nil && host != "" {
			instanceName = host
		}
		identity.InstanceName = instanceName
		updated = true
	}

	return updated
}
