// Package sender provides typed queue and topic senders over any comms.Publisher.
package sender
