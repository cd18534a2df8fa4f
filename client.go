package pslse

import (
	"net"
)

// Client is one attached application process, slot-indexed within a
// session. The slot table is owned by the session; every field here
// is guarded by the session lock for mutation, and the idle countdown
// is only ever decremented by the session's worker goroutine.
type Client struct {
	conn net.Conn
	ip   string

	// context is the slot index, which doubles as the client's
	// addressing context on the AFU side.
	context int

	valid      ClientValidity
	idleCycles int

	// memAccess is a weak handle into the cmd subsystem's event
	// arena; it can resolve to "gone" after a concurrent
	// completion. Zero means no access in flight.
	memAccess CmdHandle

	// mmioAccess is the client's in-flight MMIO request, nil when
	// none. Owned by the mmio subsystem.
	mmioAccess *MmioEvent

	// mmioDesc routes this client's register accesses at the AFU
	// descriptor space after an MsgMmioMap with the desc flag.
	mmioDesc bool

	// job is set on a successful attach; dedicated mode means at
	// most one client per session ever holds a live job.
	job *JobEvent
}
