// Package errors provides the error taxonomy shared by every grid client
// package.
//
// Errors fall into kinds that mirror how callers should react:
//
//   - KindTransport: the shared channel failed; the operation may be retried
//     by the application once connectivity returns.
//   - KindTimeout: the per-request deadline elapsed.
//   - KindBadValue: a key or value could not be encoded; no request was sent.
//   - KindBadConfig: session configuration is invalid (address, TLS material).
//   - KindSessionClosed: the owning session has been closed.
//   - KindCacheNotActive: the named map was released or destroyed.
//   - KindStreamClosed: the event stream ended before a subscription was
//     acknowledged.
//   - KindServer: the server rejected the request; Code carries its error code.
//
// The client never retries on the caller's behalf. Classification exists so
// applications can implement their own retry policy:
//
//	if errors.IsTransport(err) || errors.IsTimeout(err) {
//	    // reconnect or retry
//	}
package errors
