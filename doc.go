// Package hashqueue provides a keyed collection of FIFO queues for
// coordinating producers and consumers within a process.
//
// Producers push items under arbitrary keys of a [Map]. Consumers either pop
// from one key's [Queue], usually through a [Handle], or pop across every key
// at once with [Map.Pop]. Either kind of pop may block until items appear.
//
// # Lock credits
//
// Each queue keeps a count of lock credits, which reduce the number of items a
// pop may return without being tied to any particular item. A pop requesting
// size items from a queue of length n with c credits returns min(size, n) - c
// items, or nothing when that is not positive. For example, a queue of 10
// items with 2 credits yields 8 items to a pop of size 10, and nothing to a pop
// of size 2. Consumers typically pop with [PopRequest.Lock], process what they
// received, then [Queue.Unlock] the same number of credits, which limits how
// many items may be claimed and unfinished at once.
//
// # Blocking
//
// A blocking pop on a single queue parks its goroutine until an enqueue
// supplies its whole batch, or until an unlock lets it take whatever the queue
// holds. Parked pops are considered in arrival order, but a smaller request
// that arrived earlier is never held up behind a larger one.
//
// A blocking [Map.Pop] instead polls every queue at a fixed interval (see
// [WithPollInterval]), since no single wait can span many independently locked
// queues.
//
// Blocking calls take a context. A pop whose context ends leaves the queue and
// returns the context's error; [context.Background] waits indefinitely.
package hashqueue
