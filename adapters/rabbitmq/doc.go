/*
Package rabbitmq provides a push-based RabbitMQ provider for the bus.
Every logical queue maps to a durable AMQP queue on the default exchange. Deliveries are
acknowledged manually once handled and negatively acknowledged with requeue on failure.
It includes an auto-reconnecting broker connection and supports header propagation via a
bus.HeaderPropagator.
*/
package rabbitmq
