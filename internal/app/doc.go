// Package app wires configuration, profiles, the execution cache, the
// pipeline and the atlas aggregator into the operations the command line
// exposes, decoupled from flag parsing and process exit codes.
package app
