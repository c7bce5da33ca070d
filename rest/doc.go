// Package rest is a small JSON-over-HTTP caller for service to service
// requests. Typed calls turn non-2xx responses into *CallFailedError built
// from the service's problem body; raw calls return the body and status as is.
package rest
