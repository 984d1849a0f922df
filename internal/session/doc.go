// Package session tracks live relay connections.
//
// Each conversation has at most one visitor connection; a new join displaces
// the old one. Agents form a single global audience that receives every
// conversation's traffic. Delivery is non-blocking: a connection whose send
// buffer is full misses the envelope and resyncs from history by sequence
// number.
package session
