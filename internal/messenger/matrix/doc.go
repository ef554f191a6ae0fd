// Package matrix adapts a Matrix account to the messenger contract.
//
// Run syncs with the homeserver and converts room messages to conversation
// events keyed by room id. Invites from allowed users are accepted and
// reported as join events.
//
// Matrix has no native buttons. CompileMessage renders choices as a numbered
// list and the adapter remembers them per room, so a reply of "2" is
// delivered as the second choice.
package matrix
