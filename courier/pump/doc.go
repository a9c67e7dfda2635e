// Package pump implements the consuming side of the courier reliability
// layer: a per-channel receive loop that locks each delivery, consults the
// inbox guard before invoking the handler, and acks, requeues, or
// dead-letters based on the outcome.
//
// A Pump runs N parallel workers against one channel. FIFO channels
// serialize processing per group key across those workers; standard
// channels process freely and may observe duplicates, which is why the
// inbox guard exists. Shutdown drains in-flight handlers within a bounded
// grace period, then abandons them so their messages become redeliverable.
package pump
