package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/mail-dl/credential"
	"github.com/dhcgn/mail-dl/filter"
)

const (
	BackendGraph = "graph"
	BackendIMAP  = "imap"
	BackendSpool = "spool"

	envPrefix = "MAIL_DL"
)

// GraphConfig selects the mailbox of one user through Microsoft Graph.
type GraphConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	UserID       string
	Folder       string
	BaseURL      string
}

type IMAPConfig struct {
	Host               string
	Port               int
	User               string
	Pass               string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
}

// Config captures everything needed to run the agent. It is built once in
// main and passed down explicitly.
type Config struct {
	ConfigFile        string
	Backend           string
	TargetDir         string
	StagingDir        string
	KeepFailedStaging bool
	PageSize          int
	FollowUpDelay     time.Duration
	Schedule          string
	StateDir          string
	LogLevel          string
	LogDir            string
	MetricsAddr       string

	Graph     GraphConfig
	IMAP      IMAPConfig
	SpoolPath string

	Rules []filter.RuleSpec

	v *viper.Viper
}

// secretLookup resolves secrets that were given neither as flag, env var
// nor config value.
var secretLookup = func(stateDir, key string) (string, error) {
	store, err := credential.Open(filepath.Join(stateDir, "keyring"))
	if err != nil {
		return "", err
	}
	return store.Get(key)
}

// RegisterFlags attaches the shared flags to the root command so every
// subcommand inherits them.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to a YAML config file (rules are read from here)")
	flags.String("backend", BackendGraph, "Mail service backend: graph, imap, spool")
	flags.String("target-dir", "", "Directory receiving archived emails")
	flags.String("staging-dir", "", "Directory for in-progress archives (defaults to <target-dir>.staging)")
	flags.Bool("keep-failed-staging", false, "Keep staging directories of failed archives for inspection")
	flags.Int("page-size", 10, "Messages processed per cycle")
	flags.Duration("follow-up-delay", 5*time.Second, "Delay before the next cycle while more messages are waiting")
	flags.String("schedule", "@every 1m", "Cron schedule for drain runs")
	flags.String("state-dir", defaultStateDir, "Directory for the archive journal and file keyring")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a file in this directory")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	flags.String("tenant-id", "", "Graph: Azure AD tenant id")
	flags.String("client-id", "", "Graph: application (client) id")
	flags.String("client-secret", "", "Graph: client secret (falls back to MAIL_DL_CLIENT_SECRET or the keyring)")
	flags.String("user-id", "", "Graph: mailbox user id or principal name")
	flags.String("graph-folder", "Inbox", "Graph: mail folder to drain")
	flags.String("graph-base-url", "", "Graph: API base URL override")

	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to MAIL_DL_IMAP_PASS or the keyring)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("imap-folder", "INBOX", "IMAP folder to drain")

	flags.String("spool-path", "", "Spool: path of the mbox file to drain")

	return nil
}

// LoadConfig merges flags, environment and the optional config file into a
// validated Config. Missing secrets are looked up in the keyring.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	cfg, err := load(cmd)
	if err != nil {
		return Config{}, err
	}

	if err := resolveSecrets(&cfg); err != nil {
		return Config{}, err
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadRules reads only the rule set, for commands that never touch a
// mailbox.
func LoadRules(cmd *cobra.Command) ([]filter.RuleSpec, error) {
	cfg, err := load(cmd)
	if err != nil {
		return nil, err
	}
	if err := validateRules(cfg.Rules); err != nil {
		return nil, err
	}
	return cfg.Rules, nil
}

// WatchRules recompiles the rules whenever the config file changes and
// installs them into holder. Invalid edits are logged and the previous rules
// stay active. It reports false when no config file is in use.
func (c Config) WatchRules(holder *filter.Reloadable, logger *slog.Logger) bool {
	if c.v == nil || c.ConfigFile == "" || holder == nil {
		return false
	}

	c.v.OnConfigChange(func(evt fsnotify.Event) {
		specs, err := decodeRules(c.v)
		if err == nil {
			err = validateRules(specs)
		}
		if err != nil {
			if logger != nil {
				logger.Warn("ignoring invalid rules change", "file", evt.Name, "err", err)
			}
			return
		}

		matcher, err := filter.New(specs)
		if err != nil {
			if logger != nil {
				logger.Warn("ignoring invalid rules change", "file", evt.Name, "err", err)
			}
			return
		}
		holder.Swap(matcher)
		if logger != nil {
			logger.Info("rules reloaded", "file", evt.Name, "rules", matcher.Rules())
		}
	})
	c.v.WatchConfig()
	return true
}

func load(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	configFile := strings.TrimSpace(v.GetString("config"))
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", configFile, err)
		}
	}

	rules, err := decodeRules(v)
	if err != nil {
		return Config{}, err
	}

	stateDir := v.GetString("state-dir")
	if stateDir == "" {
		stateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}

	logLevel := strings.ToLower(v.GetString("log-level"))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		ConfigFile:        configFile,
		Backend:           strings.ToLower(strings.TrimSpace(v.GetString("backend"))),
		TargetDir:         cleanPath(v.GetString("target-dir")),
		StagingDir:        cleanPath(v.GetString("staging-dir")),
		KeepFailedStaging: v.GetBool("keep-failed-staging"),
		PageSize:          v.GetInt("page-size"),
		FollowUpDelay:     v.GetDuration("follow-up-delay"),
		Schedule:          v.GetString("schedule"),
		StateDir:          filepath.Clean(stateDir),
		LogLevel:          logLevel,
		LogDir:            v.GetString("log-dir"),
		MetricsAddr:       v.GetString("metrics-addr"),
		Graph: GraphConfig{
			TenantID:     v.GetString("tenant-id"),
			ClientID:     v.GetString("client-id"),
			ClientSecret: v.GetString("client-secret"),
			UserID:       v.GetString("user-id"),
			Folder:       v.GetString("graph-folder"),
			BaseURL:      v.GetString("graph-base-url"),
		},
		IMAP: IMAPConfig{
			Host:               v.GetString("imap-host"),
			Port:               v.GetInt("imap-port"),
			User:               v.GetString("imap-user"),
			Pass:               v.GetString("imap-pass"),
			UseTLS:             v.GetBool("use-tls"),
			InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
			Folder:             v.GetString("imap-folder"),
		},
		SpoolPath: cleanPath(v.GetString("spool-path")),
		Rules:     rules,
		v:         v,
	}

	return cfg, nil
}

func decodeRules(v *viper.Viper) ([]filter.RuleSpec, error) {
	var specs []filter.RuleSpec
	if err := v.UnmarshalKey("rules", &specs); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}
	return specs, nil
}

func resolveSecrets(cfg *Config) error {
	var key string
	var target *string
	switch cfg.Backend {
	case BackendGraph:
		if cfg.Graph.ClientSecret != "" || cfg.Graph.ClientID == "" {
			return nil
		}
		key, target = credential.GraphKey(cfg.Graph.ClientID), &cfg.Graph.ClientSecret
	case BackendIMAP:
		if cfg.IMAP.Pass != "" || cfg.IMAP.User == "" || cfg.IMAP.Host == "" {
			return nil
		}
		key, target = credential.IMAPKey(cfg.IMAP.User, cfg.IMAP.Host), &cfg.IMAP.Pass
	default:
		return nil
	}

	secret, err := secretLookup(cfg.StateDir, key)
	if errors.Is(err, credential.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("keyring lookup for %s: %w", key, err)
	}
	*target = secret
	return nil
}

func validateConfig(cfg Config) error {
	if cfg.TargetDir == "" {
		return fmt.Errorf("--target-dir is required")
	}
	if cfg.PageSize < 1 {
		return fmt.Errorf("--page-size must be at least 1")
	}
	if cfg.FollowUpDelay < 0 {
		return fmt.Errorf("--follow-up-delay must not be negative")
	}

	switch cfg.Backend {
	case BackendGraph:
		if cfg.Graph.TenantID == "" || cfg.Graph.ClientID == "" || cfg.Graph.UserID == "" {
			return fmt.Errorf("graph backend requires --tenant-id, --client-id and --user-id")
		}
		if cfg.Graph.ClientSecret == "" {
			return fmt.Errorf("graph client secret must be provided via --client-secret, MAIL_DL_CLIENT_SECRET or the keyring")
		}
	case BackendIMAP:
		if cfg.IMAP.Host == "" {
			return fmt.Errorf("--imap-host is required")
		}
		if cfg.IMAP.User == "" {
			return fmt.Errorf("--imap-user is required")
		}
		if cfg.IMAP.Pass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass, MAIL_DL_IMAP_PASS or the keyring")
		}
		if cfg.IMAP.Port <= 0 || cfg.IMAP.Port > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	case BackendSpool:
		if cfg.SpoolPath == "" {
			return fmt.Errorf("--spool-path is required")
		}
	default:
		return fmt.Errorf("invalid --backend: %q", cfg.Backend)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return validateRules(cfg.Rules)
}

func validateRules(specs []filter.RuleSpec) error {
	if len(specs) == 0 {
		return fmt.Errorf("no rules configured: add a rules list to the config file")
	}
	if _, err := filter.New(specs); err != nil {
		return fmt.Errorf("invalid rules: %w", err)
	}
	return nil
}

func cleanPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	return filepath.Clean(path)
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mail-dl", "state"), nil
}
