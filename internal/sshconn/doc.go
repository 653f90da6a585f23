// Package sshconn opens authenticated SSH connections to user-registered
// hosts.
//
// A [Dialer] turns a [HostDescriptor] (decrypted credentials plus address)
// into a [Conn]. Each call opens a fresh connection; nothing is pooled, and
// the caller owns the returned Conn until it calls [Conn.Close].
//
// # Authentication
//
// A private key (decrypted with its passphrase when one is set) takes
// precedence over a password. A descriptor with neither is rejected before
// any network I/O.
//
// # Timeouts and cancellation
//
// The TCP dial and the SSH handshake share one deadline
// ([Config.Timeout]). Cancelling the context passed to [Dialer.Dial] closes
// the socket, which aborts a handshake in progress.
//
// # Errors
//
// Failures are *apperr.Error values of kind connection wrapping one of
// [ErrNetwork], [ErrAuthRejected] or [ErrHostKey], so callers can use
// errors.Is. Missing or unusable credentials are kind validation and wrap
// [ErrNoCredentials] or [ErrBadKey].
//
// # Rate limiting and events
//
// A [RateLimiter] caps attempts per host per minute and blocks a host for a
// while after repeated consecutive failures. Every attempt is recorded in a
// per-host ring buffer of [ConnectionEvent] values, exposed through
// [Dialer.Events].
package sshconn
