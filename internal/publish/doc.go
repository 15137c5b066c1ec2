// Package publish forwards decoded stream messages to Kafka.
//
// Publisher is a router sink. Each message becomes one record keyed by the
// subscription it was delivered for, so a user's messages stay ordered within
// a partition. Produce is asynchronous; failures are counted and logged from
// the delivery callback.
package publish
