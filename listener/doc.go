// Package listener runs one consumer per gateway for a source destination.
//
// Replies can arrive at any gateway, so a reply listener must consume from all
// of them. Each gateway is supervised independently and reconnected with
// exponential backoff and jitter after its connection drops.
package listener
