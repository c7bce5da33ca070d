// Package kafka binds channels to Kafka topics through franz-go. Settlement
// marks offsets for commit; abandon and dead-letter re-produce the record
// before marking it.
package kafka
