/*
Package pslse bridges simulated accelerator function units (AFUs) to
the application processes that want to drive them, standing in for
the hardware and its kernel driver during RTL simulation.

Each AFU simulator is one TCP endpoint; NewPsl binds a session to it
and runs a worker goroutine that drives the simulator's clock, polls
its events, and services attached clients. The clock is gated off
after a configurable number of idle cycles so an idle simulation does
not churn. Applications connect through Server, attach with a work
element descriptor, perform MMIO register access, and answer the
AFU's memory reads, writes, touches and interrupts against their own
address spaces.

The cmd/pslse command wires the pieces together:

	pslse -afu afu0.0@localhost:32768 -listen :16384
*/
package pslse
