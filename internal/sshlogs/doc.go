// Package sshlogs reads and follows log files on remote hosts over SSH.
//
// Every operation runs one remote command on its own session of a
// connection handed in by the caller, and closes that connection when it is
// done. Nothing here dials or pools connections.
//
// # Snapshots
//
// [ReadTail] runs "tail -n N" and returns the accumulated output. Any text on
// stderr fails the read with that text. [CheckExists] reports whether a
// regular file exists at the path. [DiscoverLogFiles] lists well-known log
// files present on the host.
//
// # Following
//
// [Follow] starts "tail -n 0 -F" and returns a [Stream] in state
// [StateStreaming]. [Stream.Run] delivers events to a [Sink]:
//
//   - [EventStreaming] once, before any data.
//   - [EventData] for each stdout chunk, in arrival order. Chunks are raw
//     bytes; lines may be split across chunks.
//   - [EventStderr] for stderr output. It does not end the stream.
//   - [EventClosed] when the remote command exits or the transport fails,
//     with the exit error attached.
//
// [Stream.Stop] is idempotent and may be called in any state. Delivery and
// Stop share a mutex, so no event reaches the sink after Stop returns. The
// sink runs with that mutex held and must not call Stop itself.
//
// -F follows by name, so tail keeps reading across logrotate renames. Set
// [Options].FollowByName to false for -f (follow by descriptor).
//
// # Paths
//
// Paths come from users. They must be absolute and free of NUL and newline
// characters, and are passed single-quoted so the remote shell never
// interprets them.
package sshlogs
