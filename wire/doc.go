// Package wire frames and parses JSON-RPC messages exchanged with MCP servers
// over byte streams.
//
// # Overview
//
// MCP servers in the wild do not agree on a single wire framing. Some emit
// LSP-style header frames:
//
//	Content-Length: 42\r\n\r\n{"jsonrpc":"2.0",...}
//
// and some emit bare newline-delimited JSON objects:
//
//	{"jsonrpc":"2.0",...}\n
//
// A few mix both within a single stream. The Decoder therefore re-evaluates
// the framing for every message by sniffing the leading bytes of its buffer
// instead of locking the whole connection to one mode.
//
// # Decoding
//
// Decoder accumulates raw bytes via Feed and yields complete messages via
// Next. It performs no I/O: the owning process channel pumps stdout chunks in
// and dispatches the decoded messages out. Faults in the stream — malformed
// header blocks, hostile declared lengths, unparsable JSON spans, stretches of
// noise — consume their bytes and surface as *FramingError, so a single bad
// frame costs at most one message and never wedges the stream.
//
// The buffer is capped (DefaultMaxBufferSize, 100 MiB). Overflow resets the
// buffer and reports ErrBufferOverflow once: data loss is acceptable at that
// point, unbounded growth is not. This is the memory-safety boundary of the
// whole engine.
//
// # Encoding
//
// Encode always emits the header-framed form with an exact byte-length header.
// The engine reads two framings but writes exactly one.
package wire
