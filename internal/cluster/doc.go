// Package cluster defines the wire protocol between training workers and the
// coordinator: the request and response types of every RPC, the stable error
// taxonomy, and JSON client helpers.
//
// # Protocol
//
// All worker-facing calls are HTTP request/response exchanges with JSON
// bodies. Every response is wrapped in an envelope:
//
//	{"ok": true,  "result": {...}}
//	{"ok": false, "error": {"code": 5, "kind": "no_workers", "message": "..."}}
//
// The numeric code identifies the error category independently of the HTTP
// transport status, which merely mirrors it (429 for rate_limited, 503 for
// no_workers, and so on). Codes are frozen; see Kind.
//
// # Field conventions
//
// Identifiers are UTF-8 strings of at most 128 bytes; paths at most 4 KiB.
// Integers are 64-bit unsigned unless noted. Timestamps on the wire are
// milliseconds since the UNIX epoch.
//
// # Retry discipline
//
// The coordinator never retries on a caller's behalf. Kind.Retriable tells a
// client whether backing off and retrying can help (no_workers, rate_limited,
// transient, not_found) or not (validation and conflict errors).
package cluster
