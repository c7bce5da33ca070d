/*
Package comms holds the transport-agnostic contracts of the communication
toolkit: channels, messages, outcomes, receivers, sources, publishers and
typed senders. It contains no behaviour beyond small value helpers.
*/
package comms
