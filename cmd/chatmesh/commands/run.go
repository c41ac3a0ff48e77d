package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chatmesh/chatmesh/src/crypto/keys"
	"github.com/chatmesh/chatmesh/src/net"
	"github.com/chatmesh/chatmesh/src/node"
	"github.com/chatmesh/chatmesh/src/peers"
	"github.com/chatmesh/chatmesh/src/service"
	"github.com/chatmesh/chatmesh/src/storage"
)

//NewRunCmd returns the command that starts a chatmesh node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runChatmesh,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runChatmesh(cmd *cobra.Command, args []string) error {
	conf := &_config.Chatmesh
	logger := conf.Logger()

	simpleKeyfile := keys.NewSimpleKeyfile(conf.Keyfile())
	privKey, err := simpleKeyfile.ReadKey()
	if err != nil {
		logger.Errorf("Cannot read private key (%v); run 'chatmesh keygen' first", err)
		return err
	}
	identity := peers.NewLocalIdentity(privKey)

	var kv storage.Store
	if conf.Store {
		kv, err = storage.NewBadgerStore(conf.DatabaseDir)
		if err != nil {
			logger.Error("Cannot open database:", err)
			return err
		}
	} else {
		kv = storage.NewInmemStore()
	}

	n, err := node.NewNode(conf, identity, kv)
	if err != nil {
		logger.Error("Cannot initialize node:", err)
		return err
	}

	router := net.NewInmemRouter()
	n.SetTransport(router.AddPeer(n.ID(), n, identity.ServerKeys()))

	if !conf.NoService {
		serviceServer := service.NewService(conf.ServiceAddr, n, logger)
		go serviceServer.Serve()
	}

	n.Run()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	n.Shutdown()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.Chatmesh.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.Chatmesh.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("moniker", _config.Chatmesh.Moniker, "Localpart of the user this node acts for")

	// Service
	cmd.Flags().Bool("no-service", _config.Chatmesh.NoService, "Disable the HTTP API service")
	cmd.Flags().StringP("service-listen", "s", _config.Chatmesh.ServiceAddr, "Listen IP:Port for HTTP service")

	// Store
	cmd.Flags().Bool("store", _config.Chatmesh.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.Chatmesh.DatabaseDir, "Database directory")
	cmd.Flags().Int("cache-size", _config.Chatmesh.CacheSize, "Number of items in LRU caches")

	// Sync
	cmd.Flags().Duration("sync-interval", _config.Chatmesh.SyncInterval, "Time between reconciliation pulls")
	cmd.Flags().Duration("push-timeout", _config.Chatmesh.PushTimeout, "Timeout of pushes to a single peer")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.Chatmesh.SetDataDir(_config.Chatmesh.DataDir)

	logFields := logrus.Fields{
		"chatmesh.DataDir":      _config.Chatmesh.DataDir,
		"chatmesh.LogLevel":     _config.Chatmesh.LogLevel,
		"chatmesh.Moniker":      _config.Chatmesh.Moniker,
		"chatmesh.NoService":    _config.Chatmesh.NoService,
		"chatmesh.ServiceAddr":  _config.Chatmesh.ServiceAddr,
		"chatmesh.Store":        _config.Chatmesh.Store,
		"chatmesh.CacheSize":    _config.Chatmesh.CacheSize,
		"chatmesh.SyncInterval": _config.Chatmesh.SyncInterval,
		"chatmesh.PushTimeout":  _config.Chatmesh.PushTimeout,
	}

	if _config.Chatmesh.Store {
		logFields["chatmesh.DatabaseDir"] = _config.Chatmesh.DatabaseDir
	}

	_config.Chatmesh.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/chatmesh.toml (.json, .yaml also work)
	viper.SetConfigName("chatmesh")               // name of config file (without extension)
	viper.AddConfigPath(_config.Chatmesh.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Chatmesh.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Chatmesh.Logger().Debugf("No config file found in: %s", _config.Chatmesh.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
