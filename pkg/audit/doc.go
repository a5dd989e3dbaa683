// Package audit records security decisions (denials, lockouts and admin
// actions on rate limit state) as structured events and forwards them to
// configurable sinks: the structured log and a Kafka topic, behind a bounded
// asynchronous queue with an event-rate cap.
package audit
