// Package errdefs defines the single tagged error used across the
// daemon: a kind (doubling as the RPC wire code), an optional errno
// captured at the lowest call site, and a message that upper layers
// extend without ever changing the kind. It also implements the
// binary codec errors use to cross the child-setup pipe.
package errdefs
