/*
Package rabbitmq provides the RabbitMQ transport for channels.
Queues are addressed through the default exchange, topics are topic exchanges
consumed through a bound subscription queue. It includes an auto-reconnect
publisher, a manual-ack consumer Source and optional header propagation via a
comms.HeaderPropagator.
*/
package rabbitmq
