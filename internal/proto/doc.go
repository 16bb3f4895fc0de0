// Package proto defines the messages group members exchange and how they are
// framed on the wire.
//
// Every message is a length-prefixed JSON blob: a 4 byte big-endian length
// followed by that many bytes of JSON. Messages carry the protocol version;
// a member refuses messages from a different version rather than guessing at
// their layout, since a control channel that disagrees on format is a
// deployment error.
//
// Signals ride in an Envelope, which also names the sender's local rank. The
// receiver acknowledges each envelope with an Ack once it has been queued, so
// a send that returns without error means the peer holds the signal.
package proto
