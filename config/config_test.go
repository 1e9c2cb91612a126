package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func serverFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("server", pflag.ContinueOnError)
	flags.String(FlagName(KeyListen), DefaultListen, "")
	flags.String(FlagName(KeyDataDir), "", "")
	flags.Bool(FlagName(KeyMDNS), false, "")
	flags.String(FlagName(KeyInstance), "", "")
	flags.Duration(FlagName(KeyEventRetention), DefaultEventRetention, "")
	return flags
}

func clientFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("client", pflag.ContinueOnError)
	flags.String(FlagName(KeyServer), DefaultServer, "")
	flags.String(FlagName(KeyWorkDir), DefaultWorkDir, "")
	flags.String(FlagName(KeyProxy), "", "")
	flags.Bool(FlagName(KeyDiscover), false, "")
	flags.Duration(FlagName(KeyReplyTimeout), DefaultReplyTimeout, "")
	flags.String(FlagName(KeyDataDir), "", "")
	return flags
}

func TestResolveDataDirHonoursOverride(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	dataDir, err := ResolveDataDir()
	if err != nil {
		t.Fatalf("ResolveDataDir failed: %v", err)
	}
	if dataDir != tempDir {
		t.Fatalf("expected override %q, got %q", tempDir, dataDir)
	}
}

func TestResolveDataDirDefaultsToAppDirectory(t *testing.T) {
	t.Setenv(DataDirEnv, "")

	dataDir, err := ResolveDataDir()
	if err != nil {
		t.Fatalf("ResolveDataDir failed: %v", err)
	}
	if filepath.Base(dataDir) != AppDirectoryName {
		t.Fatalf("expected data dir to end in %q, got %q", AppDirectoryName, dataDir)
	}
}

func TestEnsureDataDirectoriesCreatesLayout(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "nested", "data")

	if err := EnsureDataDirectories(dataDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}
	info, err := os.Stat(filepath.Join(dataDir, "users"))
	if err != nil {
		t.Fatalf("expected users directory: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("expected users to be a directory")
	}
}

func TestLoadServerDefaults(t *testing.T) {
	t.Setenv(DataDirEnv, t.TempDir())

	cfg, err := LoadServer(serverFlags())
	if err != nil {
		t.Fatalf("LoadServer failed: %v", err)
	}
	if cfg.Listen != ":1313" {
		t.Fatalf("expected default listen address, got %q", cfg.Listen)
	}
	if cfg.MDNS {
		t.Fatalf("expected mDNS to be off by default")
	}
	if cfg.EventRetention != DefaultEventRetention {
		t.Fatalf("expected default retention, got %s", cfg.EventRetention)
	}
	if cfg.DataDir != os.Getenv(DataDirEnv) {
		t.Fatalf("expected data dir from environment, got %q", cfg.DataDir)
	}
}

func TestLoadServerPrecedence(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv(DataDirEnv, dataDir)

	yaml := "listen: \":2000\"\nmdns: true\ninstance: from-file\nevent_retention: 48h\n"
	if err := os.WriteFile(ConfigPath(dataDir), []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("DEPOSITBOX_INSTANCE", "from-env")

	flags := serverFlags()
	if err := flags.Parse([]string{"--listen", "127.0.0.1:3000"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := LoadServer(flags)
	if err != nil {
		t.Fatalf("LoadServer failed: %v", err)
	}
	if cfg.Listen != "127.0.0.1:3000" {
		t.Fatalf("expected flag to win, got %q", cfg.Listen)
	}
	if cfg.Instance != "from-env" {
		t.Fatalf("expected environment to beat the config file, got %q", cfg.Instance)
	}
	if !cfg.MDNS {
		t.Fatalf("expected mdns from config file")
	}
	if cfg.EventRetention != 48*time.Hour {
		t.Fatalf("expected retention from config file, got %s", cfg.EventRetention)
	}
}

func TestLoadServerDataDirFlag(t *testing.T) {
	t.Setenv(DataDirEnv, t.TempDir())
	flagDir := t.TempDir()

	flags := serverFlags()
	if err := flags.Parse([]string{"--data-dir", flagDir}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, err := LoadServer(flags)
	if err != nil {
		t.Fatalf("LoadServer failed: %v", err)
	}
	if cfg.DataDir != flagDir {
		t.Fatalf("expected data dir flag %q, got %q", flagDir, cfg.DataDir)
	}
}

func TestLoadServerRejectsMalformedConfigFile(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv(DataDirEnv, dataDir)
	if err := os.WriteFile(ConfigPath(dataDir), []byte("listen: [unterminated"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	if _, err := LoadServer(serverFlags()); err == nil {
		t.Fatalf("expected malformed config file to fail")
	}
}

func TestLoadClientDefaultsAndEnvironment(t *testing.T) {
	t.Setenv(DataDirEnv, t.TempDir())

	cfg, err := LoadClient(clientFlags())
	if err != nil {
		t.Fatalf("LoadClient failed: %v", err)
	}
	if cfg.Server != "localhost:1313" || cfg.WorkDir != DefaultWorkDir || cfg.ReplyTimeout != 5*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Proxy != "" || cfg.Discover {
		t.Fatalf("expected direct connection by default: %+v", cfg)
	}

	t.Setenv("DEPOSITBOX_PROXY", "127.0.0.1:9050")
	t.Setenv("DEPOSITBOX_REPLY_TIMEOUT", "12s")
	cfg, err = LoadClient(clientFlags())
	if err != nil {
		t.Fatalf("LoadClient failed: %v", err)
	}
	if cfg.Proxy != "127.0.0.1:9050" {
		t.Fatalf("expected proxy from environment, got %q", cfg.Proxy)
	}
	if cfg.ReplyTimeout != 12*time.Second {
		t.Fatalf("expected reply timeout from environment, got %s", cfg.ReplyTimeout)
	}
}

func TestLoadDotEnvMissingFileIsFine(t *testing.T) {
	chdirForTest(t, t.TempDir())

	if err := LoadDotEnv(); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	chdirForTest(t, dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("DEPOSITBOX_SERVER=from-dotenv:1\nDEPOSITBOX_PROXY=from-dotenv:2\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("DEPOSITBOX_SERVER", "from-env:1")
	t.Setenv("DEPOSITBOX_PROXY", "")
	os.Unsetenv("DEPOSITBOX_PROXY")

	if err := LoadDotEnv(); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if got := os.Getenv("DEPOSITBOX_SERVER"); got != "from-env:1" {
		t.Fatalf("expected existing variable to win, got %q", got)
	}
	if got := os.Getenv("DEPOSITBOX_PROXY"); got != "from-dotenv:2" {
		t.Fatalf("expected .env to fill unset variable, got %q", got)
	}
}

func TestLoadOrCreateIdentityIsStable(t *testing.T) {
	dataDir := t.TempDir()

	first, err := LoadOrCreateIdentity(dataDir, "")
	if err != nil {
		t.Fatalf("first LoadOrCreateIdentity failed: %v", err)
	}
	if first.InstanceID == "" || first.InstanceName == "" {
		t.Fatalf("expected generated identity, got %+v", first)
	}

	second, err := LoadOrCreateIdentity(dataDir, "")
	if err != nil {
		t.Fatalf("second LoadOrCreateIdentity failed: %v", err)
	}
	if second.InstanceID != first.InstanceID {
		t.Fatalf("expected stable instance ID, got %q then %q", first.InstanceID, second.InstanceID)
	}

	renamed, err := LoadOrCreateIdentity(dataDir, "Office Box")
	if err != nil {
		t.Fatalf("rename LoadOrCreateIdentity failed: %v", err)
	}
	if renamed.InstanceID != first.InstanceID || renamed.InstanceName != "Office Box" {
		t.Fatalf("expected rename to keep id, got %+v", renamed)
	}

	reloaded, err := LoadIdentity(IdentityPath(dataDir))
	if err != nil {
		t.Fatalf("LoadIdentity failed: %v", err)
	}
	if reloaded.InstanceName != "Office Box" {
		t.Fatalf("expected rename to persist, got %q", reloaded.InstanceName)
	}
}

// chdirForTest mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdirForTest(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}
