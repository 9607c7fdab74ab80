/*
Package framenet implements a binary-framed, bidirectional TCP messaging
engine.

Every message on the wire is one frame: a fixed header holding a protocol
identifier and a body length, both big-endian with configurable widths,
followed by the payload. HeaderLayout describes the widths, AppendHeader,
ParseHeader and EncodeFrame are the pure codec, and Reassembler turns a raw
byte stream delivered in arbitrary chunks back into frames.

Router maps protocol ids to handlers. Every handler has the same shape:

	func(ctx *framenet.Context, payload []byte)

The context carries the originating peer's identity and a Writer for
replies. Dispatching an unregistered id is reported but never fails the
connection.

Conn is one framed connection; Dial produces the outbound side, Server
wraps each accepted socket in one. A connection has a single read loop and
serializes concurrent writers so frames cannot interleave. Server resolves
a logical identity for each accepted peer, falling back to an HTTP lookup
(optionally cached in redis) for private addresses, keeps peers in a named
table and can forward frames between them. Registry composes named clients
and servers under one heartbeat and reconnect policy.

Logging uses zerolog, metrics are prometheus collectors registered via
RegisterMetrics, and configuration loads from TOML via LoadConfig.
*/
package framenet
