// Package interceptors provides middleware for responder request handlers.
//
// A Chain wraps a responder.RequestHandler with interceptors such as logging,
// metrics, timeouts, panic recovery and request filtering:
//
//	handler := interceptors.NewChain(
//		interceptors.NewRecoveryInterceptor(logger),
//		interceptors.NewTimeoutInterceptor(5*time.Second),
//	).Then(myHandler)
//
// The first interceptor in the chain runs outermost.
package interceptors
