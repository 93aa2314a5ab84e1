// Package app contains the operation surface of the signing daemon: the
// pre-flight platform gate, key lifecycle calls and the authentication
// flows that hand prompt specs to signing sessions.
//
// Responsibilities:
// - Define service ports between the operation surface and the keystore,
//   sensor and prompt surface implementations.
// - Convert vault and session outcomes into wire result shapes.
// - Track in-flight sessions so asynchronous callers can collect results.
//
// Non-responsibilities:
// - JSON-RPC/HTTP protocol handling and endpoint-level mapping.
package app
