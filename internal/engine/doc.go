// Package engine implements the single-writer scheduler that every repo
// component runs on.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// All state machines, queue consumers and timer callbacks execute as tasks
// on one goroutine. Concurrency is the interleaving of independently
// arriving events (remote blocks, local edits, timer firings, peer
// connects), never parallel mutation of one document.
//
// Task Flow:
//  1. Producers (application goroutines, transport readers, timers) call
//     Do() or Call() to enqueue a task
//  2. Run() dequeues tasks one at a time in FIFO order
//  3. A task runs to completion before the next begins
//
// Timers:
// Scheduler abstracts timer facilities so tests can drive time by hand.
// Engine.Timers wraps any Scheduler so that its callbacks are delivered as
// engine tasks instead of on the timer's own goroutine.
package engine
