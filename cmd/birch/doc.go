// Package birch implements the command-line interface for the birch
// embedded key-value store. It provides a flat command structure for
// interacting with a store directly from the shell, and a serve
// subcommand that exposes the admin/metrics surface over HTTP.
//
// The command tree mirrors the teacher's cmd/kv, cmd/lock, and cmd/serve
// packages, collapsed into one package since birch has no RPC client/
// server split to keep them apart.
//
// See birch -help for the full command list.
package birch
