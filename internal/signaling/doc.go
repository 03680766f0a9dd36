// Package signaling hosts the consult room relay: a WebSocket endpoint that
// places each participant in a room and forwards offer/answer/candidate,
// media-toggle, and chat traffic between the room's participants. The relay
// never inspects SDP or candidate payloads; it validates message shape,
// stamps sender identity, and routes.
package signaling
