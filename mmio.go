package pslse

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

// mmio.go: memory-mapped register access between clients and the
// AFU. Requests queue up per session and are driven to the AFU one
// at a time; the ack coming back completes the client's in-flight
// event, and HandleDone writes the completion byte plus data back to
// the waiting client.

type MmioState int8

const (
	MmioPending MmioState = 0
	MmioSent    MmioState = 1
	MmioDone    MmioState = 2
)

// MmioEvent is one register access in flight. The client holds a
// reference until HandleDone observes the terminal state.
type MmioEvent struct {
	rnw     bool // read, not write
	dw      bool // 64-bit access
	desc    bool // descriptor space, set by a prior map
	addr    uint32
	data    uint64
	state   MmioState
	context int
}

type Mmio struct {
	afu     *AfuEvent
	lock    *sync.Mutex
	dbg     *DbgSink
	dbgID   uint16
	timeout time.Duration

	pending  *queue.Queue
	inFlight *MmioEvent
}

func mmioInit(afu *AfuEvent, lock *sync.Mutex, timeout time.Duration, dbg *DbgSink, dbgID uint16) (*Mmio, error) {
	if afu == nil {
		return nil, errf(ErrResource, nil, "mmioInit: nil afu event transport")
	}
	return &Mmio{
		afu:     afu,
		lock:    lock,
		dbg:     dbg,
		dbgID:   dbgID,
		timeout: timeout,
		pending: queue.New(),
	}, nil
}

// HandleMap records whether the client addresses the AFU descriptor
// space and acks immediately; no AFU round trip is needed.
func (m *Mmio) HandleMap(c *Client) error {
	flags, err := getBytes(c.conn, 1, m.timeout)
	if err != nil {
		return err
	}
	c.mmioDesc = flags[0]&mmioFlagDesc != 0
	m.dbg.Event("mmio_map", m.dbgID, c.ip)
	var reply [9]byte
	reply[0] = MsgMmioAck
	return putBytesLocked(m.lock, c.conn, reply[:])
}

// HandleAccess reads the register address (and write data) that
// follow the client's command byte, queues the access, and returns
// the in-flight event for the client to hold.
func (m *Mmio) HandleAccess(c *Client, rnw, dw bool) (*MmioEvent, error) {
	want := 4
	if !rnw {
		if dw {
			want += 8
		} else {
			want += 4
		}
	}
	buf, err := getBytes(c.conn, want, m.timeout)
	if err != nil {
		return nil, err
	}
	ev := &MmioEvent{
		rnw:     rnw,
		dw:      dw,
		desc:    c.mmioDesc,
		addr:    le32(buf),
		context: c.context,
	}
	if !rnw {
		if dw {
			ev.data = le64(buf[4:])
		} else {
			ev.data = uint64(le32(buf[4:]))
		}
	}
	m.pending.Add(ev)
	return ev, nil
}

// Send drives the next queued access to the AFU, one at a time.
func (m *Mmio) Send() {
	if m.inFlight != nil || m.pending.Length() == 0 {
		return
	}
	ev := m.pending.Remove().(*MmioEvent)
	var flags byte
	if ev.rnw {
		flags |= mmioFlagRead
	}
	if ev.dw {
		flags |= mmioFlagDW
	}
	if ev.desc {
		flags |= mmioFlagDesc
	}
	m.lock.Lock()
	err := m.afu.SendMmioFrame(flags, ev.addr, ev.data)
	m.lock.Unlock()
	if err != nil {
		alwaysPrintf("mmio send failed: %v", err)
		ev.state = MmioDone
		return
	}
	ev.state = MmioSent
	m.inFlight = ev
}

// HandleAck consumes a pending AFU ack and completes the in-flight
// access.
func (m *Mmio) HandleAck() {
	if !m.afu.mmioAckValid {
		return
	}
	m.afu.mmioAckValid = false
	if m.inFlight == nil {
		pp("mmio ack with nothing in flight, dropping")
		return
	}
	if m.inFlight.rnw {
		m.inFlight.data = m.afu.mmioAckData
	}
	m.inFlight.state = MmioDone
	m.inFlight = nil
}

// HandleDone checks the client's in-flight access; once terminal it
// writes the completion back to the client and returns nil so the
// caller can drop the reference. Otherwise it returns the event
// unchanged.
func (m *Mmio) HandleDone(c *Client) *MmioEvent {
	ev := c.mmioAccess
	if ev == nil {
		return nil
	}
	if ev.state != MmioDone {
		return ev
	}
	var reply [9]byte
	reply[0] = MsgMmioAck
	putLE64(reply[1:], ev.data)
	if err := putBytesLocked(m.lock, c.conn, reply[:]); err != nil {
		pp("mmio completion write to client failed: %v", err)
	}
	return nil
}

// Outstanding reports queued or unacknowledged register work; it
// feeds the scheduler's idle detection.
func (m *Mmio) Outstanding() bool {
	return m.inFlight != nil || m.pending.Length() > 0
}
