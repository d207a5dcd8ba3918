// Package config loads omnibox-db settings.
//
// Values come from Default, then the YAML file, then OMNIBOX_*
// environment variables such as OMNIBOX_DATABASE_PATH or
// OMNIBOX_MQTT_PASSWORD. Keep credentials in the environment and the
// file readable by its owner only.
//
//	cfg, err := config.Load("/etc/omnibox/config.yaml")
package config
