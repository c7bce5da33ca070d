/*
Package dispatch provides the receiver that sits between a transport Source
and the application's handler pair. It invokes the handler once per delivered
attempt, settles the message according to the returned outcome, isolates
per-message faults, bounds concurrency and preserves per-key ordering.
*/
package dispatch
