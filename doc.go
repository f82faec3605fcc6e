// Package danmaku implements the streaming core of a live-chat client:
// a binary framed WebSocket session against a live-streaming platform,
// automatic failover across a list of candidate servers, and fan-out
// delivery of decoded packets to an arbitrary number of subscribers.
//
// Higher-level interpretation of notification payloads (chat text,
// gifts, guard purchases, and so on) is left to the caller — this
// package only decodes the wire framing and hands back opaque Packets.
package danmaku
