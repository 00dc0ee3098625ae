// Package correlator matches asynchronous replies to the requests that caused
// them.
//
// A requester registers an InFlightRequest, sends its message and binds the
// request to the identity the transport assigned. A reply carries that identity
// as its correlation id. Because the reply can be consumed before the requester
// has bound, the Dispatcher first looks for an exact bound match without
// blocking and only then waits on requests that are still unbound.
//
//	table := correlator.NewRequestTable()
//	c := correlator.NewCorrelator(table)
//	d := correlator.NewDispatcher(table)
//	// feed d.OnMessage from the reply queue consumer
//	reply, err := c.RequestReply(ctx, channel, msg, correlator.RequestOptions{Timeout: 5 * time.Second})
package correlator
