// Package responder implements the service side of request-reply: it runs a
// RequestHandler for each inbound request and sends the reply through a
// gateway.Selector.
package responder
