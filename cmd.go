package pslse

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/glycerine/loquet"
)

// cmd.go: AFU-initiated memory traffic for one session. The AFU
// issues commands (memory reads, memory writes, address touches,
// interrupts) against client memory; each becomes a CmdEvent in an
// arena owned here. Clients hold only weak CmdHandle references
// (index+generation), so a handle held across a concurrent
// completion or release simply resolves to gone.
//
// Read flow:  AFU command -> MsgMemRead to client -> MsgMemSuccess
//             with data -> buffer write to AFU -> response.
// Write flow: AFU command -> buffer read from AFU -> buffer data ->
//             MsgMemWrite to client -> MsgMemSuccess -> response.

type CmdState int8

const (
	CmdNew      CmdState = 0 // decoded, nothing issued yet
	CmdBuffer   CmdState = 1 // waiting on AFU buffer data
	CmdRequest  CmdState = 2 // waiting on the client's memory reply
	CmdReceived CmdState = 3 // client data in hand, push to AFU follows
	CmdDoneMem  CmdState = 4 // terminal; response to AFU pending
)

type cmdClass int8

const (
	classRead cmdClass = iota
	classWrite
	classTouch
	classInterrupt
)

// CmdHandle is a weak reference into the event arena. The zero
// CmdHandle means "none".
type CmdHandle struct {
	idx int32 // 1-based; 0 is none
	gen uint32
}

// CmdEvent is one AFU command in flight.
type CmdEvent struct {
	tag     uint16
	code    uint16
	class   cmdClass
	context int
	addr    uint64
	size    int
	state   CmdState
	resp    uint8
	data    []byte

	// DoneCh closes when the event reaches its terminal state, for
	// anyone waiting on completion.
	DoneCh *loquet.Chan[CmdEvent]
}

type cmdSlot struct {
	used bool
	gen  uint32
	ev   CmdEvent
}

type Cmd struct {
	afu     *AfuEvent
	lock    *sync.Mutex
	parms   *Parms
	dbg     *DbgSink
	dbgID   uint16
	timeout time.Duration

	credits int
	arena   []cmdSlot
	rng     *rand.Rand

	// clients shares the session's slot table so command contexts
	// resolve to sockets. Bound by the session after table
	// allocation.
	clients []Client
}

func cmdInit(afu *AfuEvent, parms *Parms, lock *sync.Mutex, dbg *DbgSink, dbgID uint16) (*Cmd, error) {
	if afu == nil {
		return nil, errf(ErrResource, nil, "cmdInit: nil afu event transport")
	}
	return &Cmd{
		afu:     afu,
		lock:    lock,
		parms:   parms,
		dbg:     dbg,
		dbgID:   dbgID,
		timeout: parms.timeout(),
		credits: parms.Credits,
		arena:   make([]cmdSlot, parms.Credits),
		rng:     rand.New(rand.NewSource(parms.Seed)),
	}, nil
}

// BindClients shares the session's client table with the handler.
func (c *Cmd) BindClients(clients []Client) {
	c.clients = clients
}

func (c *Cmd) alloc() (CmdHandle, *CmdEvent) {
	for i := range c.arena {
		if !c.arena[i].used {
			c.arena[i].used = true
			c.arena[i].ev = CmdEvent{}
			c.arena[i].ev.DoneCh = loquet.NewChan(&c.arena[i].ev)
			return CmdHandle{idx: int32(i + 1), gen: c.arena[i].gen}, &c.arena[i].ev
		}
	}
	return CmdHandle{}, nil
}

// resolve returns the live event behind h, or nil when h is zero,
// stale, or retired.
func (c *Cmd) resolve(h CmdHandle) *CmdEvent {
	if h.idx < 1 || int(h.idx) > len(c.arena) {
		return nil
	}
	slot := &c.arena[h.idx-1]
	if !slot.used || slot.gen != h.gen {
		return nil
	}
	return &slot.ev
}

func (c *Cmd) retire(i int) {
	c.arena[i].used = false
	c.arena[i].gen++
	c.credits++
}

func (c *Cmd) finish(ev *CmdEvent, resp uint8) {
	ev.resp = resp
	ev.state = CmdDoneMem
	ev.DoneCh.Close()
}

// clientAt resolves a command context to its occupied slot. Occupancy
// is read under the lock; an occupied slot then stays ours to touch,
// since only the session worker releases slots.
func (c *Cmd) clientAt(context int) *Client {
	if context < 0 || context >= len(c.clients) {
		return nil
	}
	cl := &c.clients[context]
	c.lock.Lock()
	gone := cl.valid == ClientInvalid || cl.conn == nil
	c.lock.Unlock()
	if gone {
		return nil
	}
	return cl
}

// HandleCommand decodes freshly polled AFU commands into arena
// events. parityEnabled and latency mirror the AFU's aux2 state; a
// parity-enabled AFU gets its command traffic traced.
func (c *Cmd) HandleCommand(parityEnabled bool, latency uint32) {
	if len(c.afu.cmdsIn) == 0 {
		return
	}
	cmds := c.afu.cmdsIn
	c.afu.cmdsIn = nil
	for _, ac := range cmds {
		if parityEnabled {
			c.dbg.Event("cmd", c.dbgID, ac.describe(latency))
		}
		if c.credits == 0 {
			c.respond(ac.tag, RespFlushed)
			continue
		}
		cl := c.clientAt(int(ac.context))
		if cl == nil {
			c.respond(ac.tag, RespFault)
			continue
		}
		if c.parms.PagedPercent > 0 && c.rng.Intn(100) < c.parms.PagedPercent {
			c.respond(ac.tag, RespPaged)
			continue
		}
		_, ev := c.alloc()
		if ev == nil {
			c.respond(ac.tag, RespFlushed)
			continue
		}
		c.credits--
		ev.tag = ac.tag
		ev.code = ac.code
		ev.context = int(ac.context)
		ev.addr = ac.addr
		ev.size = int(ac.size)
		switch ac.code {
		case AfuCmdRead:
			ev.class = classRead
		case AfuCmdWrite:
			ev.class = classWrite
		case AfuCmdTouch:
			ev.class = classTouch
		case AfuCmdInterrupt:
			ev.class = classInterrupt
		default:
			c.finish(ev, RespFailed)
		}
	}
}

// eventByTag finds the live event carrying tag.
func (c *Cmd) eventByTag(tag uint16) (int, *CmdEvent) {
	for i := range c.arena {
		if c.arena[i].used && c.arena[i].ev.tag == tag {
			return i, &c.arena[i].ev
		}
	}
	return -1, nil
}

// respond sends an immediate response for a command that never got
// an arena event.
func (c *Cmd) respond(tag uint16, resp uint8) {
	c.lock.Lock()
	err := c.afu.SendResponseFrame(tag, resp)
	c.lock.Unlock()
	if err != nil {
		alwaysPrintf("cmd response failed: %v", err)
	}
}

// HandleTouch issues pending address-translation touches to the
// owning clients.
func (c *Cmd) HandleTouch() {
	for i := range c.arena {
		ev := &c.arena[i].ev
		if !c.arena[i].used || ev.class != classTouch || ev.state != CmdNew {
			continue
		}
		cl := c.clientAt(ev.context)
		if cl == nil {
			c.finish(ev, RespAerror)
			continue
		}
		var req [11]byte
		req[0] = MsgMemTouch
		putLE64(req[1:], ev.addr)
		putLE16(req[9:], uint16(ev.size))
		if err := putBytesLocked(c.lock, cl.conn, req[:]); err != nil {
			c.finish(ev, RespDerror)
			continue
		}
		ev.state = CmdRequest
		cl.memAccess = CmdHandle{idx: int32(i + 1), gen: c.arena[i].gen}
	}
}

// HandleBufferWrite issues a memory-read request to the owning client
// for each new read-class command. The data comes back through
// HandleMemReturn, which pushes it into the AFU's buffer itself.
func (c *Cmd) HandleBufferWrite() {
	for i := range c.arena {
		ev := &c.arena[i].ev
		if !c.arena[i].used || ev.class != classRead || ev.state != CmdNew {
			continue
		}
		cl := c.clientAt(ev.context)
		if cl == nil {
			c.finish(ev, RespAerror)
			continue
		}
		var req [11]byte
		req[0] = MsgMemRead
		putLE64(req[1:], ev.addr)
		putLE16(req[9:], uint16(ev.size))
		if err := putBytesLocked(c.lock, cl.conn, req[:]); err != nil {
			c.finish(ev, RespDerror)
			continue
		}
		ev.state = CmdRequest
		cl.memAccess = CmdHandle{idx: int32(i + 1), gen: c.arena[i].gen}
	}
}

// HandleBufferRead asks the AFU for the write data behind new
// write-class commands.
func (c *Cmd) HandleBufferRead() {
	for i := range c.arena {
		ev := &c.arena[i].ev
		if !c.arena[i].used || ev.class != classWrite || ev.state != CmdNew {
			continue
		}
		c.lock.Lock()
		err := c.afu.SendBufReadFrame(ev.tag, uint16(ev.size))
		c.lock.Unlock()
		if err != nil {
			c.finish(ev, RespDerror)
			continue
		}
		ev.state = CmdBuffer
	}
}

// HandleBufferData matches arrived AFU buffer data to its command
// and forwards it to the owning client as a memory write.
func (c *Cmd) HandleBufferData() {
	if len(c.afu.bufDataIn) == 0 {
		return
	}
	frames := c.afu.bufDataIn
	c.afu.bufDataIn = nil
	for _, fr := range frames {
		i, ev := c.eventByTag(fr.tag)
		if ev == nil || ev.class != classWrite || ev.state != CmdBuffer {
			pp("buffer data for unknown tag 0x%04x, dropping", fr.tag)
			continue
		}
		ev.data = fr.data
		cl := c.clientAt(ev.context)
		if cl == nil {
			c.finish(ev, RespAerror)
			continue
		}
		req := make([]byte, 11+len(ev.data))
		req[0] = MsgMemWrite
		putLE64(req[1:], ev.addr)
		putLE16(req[9:], uint16(len(ev.data)))
		copy(req[11:], ev.data)
		if err := putBytesLocked(c.lock, cl.conn, req); err != nil {
			c.finish(ev, RespDerror)
			continue
		}
		ev.state = CmdRequest
		cl.memAccess = CmdHandle{idx: int32(i + 1), gen: c.arena[i].gen}
	}
}

// HandleInterrupt forwards pending interrupt commands to the owning
// client and completes them.
func (c *Cmd) HandleInterrupt() {
	for i := range c.arena {
		ev := &c.arena[i].ev
		if !c.arena[i].used || ev.class != classInterrupt || ev.state != CmdNew {
			continue
		}
		cl := c.clientAt(ev.context)
		if cl == nil {
			c.finish(ev, RespAerror)
			continue
		}
		var req [3]byte
		req[0] = MsgInterrupt
		putLE16(req[1:], uint16(ev.addr))
		if err := putBytesLocked(c.lock, cl.conn, req[:]); err != nil {
			c.finish(ev, RespDerror)
			continue
		}
		c.finish(ev, RespDone)
	}
}

// HandleResponse retires terminal events: response to the AFU, slot
// freed, credit restored.
func (c *Cmd) HandleResponse() {
	for i := range c.arena {
		if !c.arena[i].used || c.arena[i].ev.state != CmdDoneMem {
			continue
		}
		c.respond(c.arena[i].ev.tag, c.arena[i].ev.resp)
		c.retire(i)
	}
}

// HandleMemReturn completes a client memory access that succeeded.
// For reads the data follows the client's MsgMemSuccess byte on
// conn; it is pushed straight into the AFU's buffer under lock.
// A stale handle is a no-op.
func (c *Cmd) HandleMemReturn(h CmdHandle, conn net.Conn, lock *sync.Mutex) error {
	ev := c.resolve(h)
	if ev == nil {
		return nil
	}
	if ev.state != CmdRequest {
		pp("mem return for event in state %v, ignoring", ev.state)
		return nil
	}
	switch ev.class {
	case classRead:
		data, err := getBytes(conn, ev.size, c.timeout)
		if err != nil {
			c.finish(ev, RespDerror)
			return err
		}
		ev.data = data
		ev.state = CmdReceived
		lock.Lock()
		err = c.afu.SendBufWriteFrame(ev.tag, ev.data)
		lock.Unlock()
		if err != nil {
			c.finish(ev, RespDerror)
			return nil
		}
		c.finish(ev, RespDone)
	default:
		c.finish(ev, RespDone)
	}
	return nil
}

// HandleAerror force-completes a non-terminal access with an address
// error. Used for a client's MsgMemFailure and for client release.
func (c *Cmd) HandleAerror(h CmdHandle) {
	ev := c.resolve(h)
	if ev == nil || ev.state == CmdDoneMem {
		return
	}
	c.finish(ev, RespAerror)
}

// ClientCmd reports whether any live event belongs to context; the
// scheduler uses it to keep an active client's idle countdown
// topped up.
func (c *Cmd) ClientCmd(context int) bool {
	for i := range c.arena {
		if c.arena[i].used && c.arena[i].ev.context == context {
			return true
		}
	}
	return false
}

// Credits returns the credit pool programmed into the AFU at session
// creation.
func (c *Cmd) Credits() int {
	return c.credits
}

func (ac afuCommand) describe(latency uint32) string {
	return fmt.Sprintf("tag=0x%04x code=0x%04x addr=0x%016x size=%v ctx=%v latency=%v",
		ac.tag, ac.code, ac.addr, ac.size, ac.context, latency)
}
