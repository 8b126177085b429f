// Package events publishes chat lifecycle events (assigned, closed,
// transferred) to an AMQP topic exchange for downstream consumers.
package events
