// Package transport connects this device to its paired peers through the
// rendezvous relay and authenticates every peer channel.
//
// # Channels
//
// A peer channel is a logical conversation with one session of a paired
// device, carried as envelopes over the client's single relay connection.
// Each paired public key has at most one channel, which moves through
//
//	disconnected → connecting → connected → authenticated
//
// and back to disconnected when the peer goes offline, says goodbye, is
// unpaired, fails to authenticate in time or the relay connection drops.
//
// # Handshake
//
// The initiator A sends hello{nonceA}. The responder B answers only if A is
// in its paired list, with hello-ack{nonceB, sigB} where sigB signs
// "plotsync-auth-v1"|nonceA|pkA|pkB. A checks sigB, answers auth{sigA} over
// "plotsync-auth-v1"|nonceB|pkB|pkA and considers B authenticated; B does
// the same once sigA verifies. Sync payloads from a peer that is not
// authenticated are dropped.
//
// If both sides send hello at once, the side with the smaller public key
// keeps the initiator role.
//
// # Events
//
// Subscribers receive typed events on a channel. peer-authenticated is
// emitted once per transition and only after peer-connected for the same
// channel. Transport failures surface as error events and status changes;
// they are never returned to the document layer.
package transport
