// Package security builds grpc.ServerOption transport credentials for
// the scheduler's health listener (§6's --tls-* CLI surface).
//
// The teacher's own pkg/security is a full node certificate authority —
// it issues and rotates per-node certificates and caches them behind a
// storage.Store-backed CertAuthority, none of which this scheduler has
// a use for: there is no multi-node raft membership here to bootstrap
// trust across (see DESIGN.md's dropped-dependency entry for
// hashicorp/raft and go.etcd.io/bbolt). What survives is the operator
// path the teacher also supports: loading an already-issued cert/key
// pair and an optional CA bundle from disk with the standard library's
// crypto/tls, the same file-loading style as the teacher's
// LoadCertFromFile.
package security
