// Package callctrl drives one side of a consult call: it joins a room over
// the signaling relay, negotiates a WebRTC peer connection with whichever
// peer shows up, and tracks the call lifecycle through a single-consumer
// state machine. The offerer rule is asymmetric: the side already in the
// room, notified by peer-joined, makes the offer; the side that finds a peer
// in its join snapshot answers. Two sides therefore never offer at once.
package callctrl
