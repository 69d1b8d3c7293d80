// Package config loads the daemon's JSON configuration and fills defaults for
// every subsystem: paid surfaces, payment verification, outbound purchases,
// revenue ledgers, reputation signals and their backing stores.
package config
