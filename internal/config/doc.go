// Package config defines the immutable configuration value for the
// application and the loader that builds it from an optional TOML file.
//
// A Config is constructed once at startup, validated, and then passed by
// value into every component that needs it. Nothing in the application reads
// configuration from globals, so several differently configured pipelines can
// run in the same process.
package config
