// Package messenger defines the contract between the flow engine and chat
// platforms.
//
// Inbound, each adapter turns native webhook or sync payloads into
// conversation.Event values. Outbound, the engine hands neutral
// conversation.Message values to CompileMessage, then to Reply,
// ReplyToCollect, Send or Multicast, which build the native payload.
//
// Adapters live in subpackages: line (LINE Messaging API) and matrix.
package messenger
