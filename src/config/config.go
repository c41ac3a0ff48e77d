package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/chatmesh/chatmesh/src/common"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the server's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the Badger
	// database
	DefaultBadgerFile = "badger_db"

	// DefaultLogFile is the default name of the file the logger writes to, in
	// addition to stderr.
	DefaultLogFile = "chatmesh.log"
)

// Default configuration values.
const (
	DefaultLogLevel     = "debug"
	DefaultMoniker      = "me"
	DefaultServiceAddr  = "127.0.0.1:8000"
	DefaultCacheSize    = 10000
	DefaultStore        = false
	DefaultSyncInterval = 30 * time.Second
	DefaultPushTimeout  = 10 * time.Second
)

// Config contains all the configuration properties of a chatmesh node.
type Config struct {
	// DataDir is the top-level directory containing chatmesh configuration
	// and data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// Moniker is the localpart of the user this node acts for. The full user
	// id combines the moniker with the server's public key.
	Moniker string `mapstructure:"moniker"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP API service.
	ServiceAddr string `mapstructure:"service-listen"`

	// Store activates persistent storage. Without it, rooms live in memory
	// and are rebuilt from peers on restart.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// CacheSize is the max number of events kept in in-memory caches.
	CacheSize int `mapstructure:"cache-size"`

	// SyncInterval is how often the node pulls the latest room events from
	// member peers to reconcile anything a push did not deliver.
	SyncInterval time.Duration `mapstructure:"sync-interval"`

	// PushTimeout bounds how long one push or pull against a single peer may
	// take.
	PushTimeout time.Duration `mapstructure:"push-timeout"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:      DefaultDataDir(),
		LogLevel:     DefaultLogLevel,
		Moniker:      DefaultMoniker,
		ServiceAddr:  DefaultServiceAddr,
		Store:        DefaultStore,
		DatabaseDir:  DefaultDatabaseDir(),
		CacheSize:    DefaultCacheSize,
		SyncInterval: DefaultSyncInterval,
		PushTimeout:  DefaultPushTimeout,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	config.logger.Level = level
	return config
}

// SetDataDir sets the top-level chatmesh directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitely set
// it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// Logfile returns the full path of the log file.
func (c *Config) Logfile() string {
	return filepath.Join(c.DataDir, DefaultLogFile)
}

// Logger returns a formatted logrus Entry, with prefix set to "chatmesh". If
// the data directory exists, log lines are also appended to a file in it.
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
		if _, err := os.Stat(c.DataDir); err == nil {
			c.logger.Hooks.Add(lfshook.NewHook(
				c.Logfile(),
				&logrus.JSONFormatter{},
			))
		}
	}
	return c.logger.WithField("prefix", "chatmesh")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level chatmesh
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".ChatMesh")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "ChatMesh")
		} else {
			return filepath.Join(home, ".chatmesh")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
