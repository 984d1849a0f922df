// Package wire defines the JSON events exchanged over the relay websocket.
//
// Inbound frames are decoded by Decode into one of a closed set of event
// structs and validated before they reach the dispatcher. Outbound frames
// are Envelopes whose payload is encoded once and shared by every recipient.
//
// Every message envelope carries the store-assigned sequenceNumber. Clients
// use it both to deduplicate and to resume with visitor-joined.afterSeq.
package wire
