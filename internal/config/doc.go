// Package config provides centralized configuration management for the
// escrow daemon: storage drivers, ledger backends, notification sinks,
// dispute arbitration and retry policies, loaded from a JSON file with
// sensible defaults applied.
package config
