// Package dispatch is the asynchronous job layer of the charles-map platform.
//
// Request handlers submit import, export and AI jobs through the submit
// package and return immediately with a job id. Independent worker processes
// claim jobs from per-family queues, run the registered task under an
// execution timeout, and acknowledge the outcome back to the broker.
//
// # Layout
//
// The root package holds the shared error taxonomy and process
// configuration. Everything else lives in sub-packages:
//
//	job       job record, state machine, task kinds, handler registry
//	broker    broker contract with redis, postgres and in-memory backends
//	queue     per-family queue: submit, claim, ack/nack, reclaim
//	worker    bounded-concurrency claim loop and reclaim loop
//	submit    EnqueueImport / EnqueueExport / EnqueueAITask
//	engine    wires all three families from a Config
//
// # Delivery
//
// Delivery is at-least-once. A claimed job that is neither acked nor nacked
// before its visibility timeout is returned to the queue by the reclaim
// loop, so task handlers must tolerate running more than once.
package dispatch
