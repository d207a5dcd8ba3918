// Package logging builds the log/slog logger shared by OmniBox Core.
//
// The logging section of config.yaml selects the level (debug, info,
// warn, error), the format (json or text) and the output (stdout, stderr
// or discard):
//
//	logging:
//	  level: "info"
//	  format: "json"
//	  output: "stderr"
//
// Components receive a child logger tagged with their name:
//
//	log := logging.New(cfg.Logging, version)
//	pool.SetLogger(log.Component("handlepool"))
//
// Command output goes to stdout, which is why logs default to stderr.
// Command texts are user data and are only logged at debug level.
package logging
