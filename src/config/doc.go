// Package config defines the configuration for a chatmesh node.
//
// Regardless of how chatmesh is started, directly from Go code or as a
// standalone process from the command line, it uses the Config object defined
// in this package to store and forward configuration options. On top of these
// configuration options, chatmesh relies on a data directory, defined by
// Config.DataDir, where it expects to find a few additional files:
//
//	priv_key     // a plain text file containing the raw private key (cf. chatmesh keygen).
//	badger_db    // the room event database, when persistent storage is enabled.
//	chatmesh.log // log output, appended to by the running node.
package config
