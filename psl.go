package pslse

import (
	"net"
	"sync"
	"time"

	"github.com/glycerine/idem"
)

// psl.go: the foundation for one simulated-AFU session. NewPsl
// connects to an AFU simulator, initializes the job/mmio/cmd
// handlers, and starts a worker goroutine that monitors any incoming
// socket data from either the simulator (AFU) or any clients
// (applications) that attach to this AFU. Job, command and mmio
// handling each live in their own file.

// Psl is one AFU session. Exactly one worker goroutine runs loop()
// for the session's lifetime; lock guards client slot validity, the
// clock/poll pair on the AFU transport, and socket writes from paths
// that can run concurrently with the worker.
type Psl struct {
	name  string
	host  string
	port  int
	dbgID uint16

	// state and idleCycles are owned by the worker goroutine;
	// external cancellation goes through halt, never a direct
	// state write.
	state      SessionState
	idleCycles int

	afu  *AfuEvent
	job  *Job
	mmio *Mmio
	cmd  *Cmd

	client     []Client
	maxClients int

	lock sync.Mutex
	halt *idem.Halter

	parityEnabled bool
	latency       uint32

	parms *Parms
	dbg   *DbgSink
	reg   *Registry
}

// Name returns the session's AFU name, e.g. "afu0.0".
func (p *Psl) Name() string { return p.name }

// validateAfuName checks the 6 character name format: "afu" prefix,
// single digit major, '.', single digit minor, each digit in 0..3.
func validateAfuName(id string) error {
	if len(id) != 6 || id[:3] != "afu" || id[4] != '.' {
		return errf(ErrConfig, nil, "invalid afu name: '%v'", id)
	}
	if id[3] < '0' || id[3] > '3' {
		return errf(ErrConfig, nil, "invalid afu major: '%c'", id[3])
	}
	if id[5] < '0' || id[5] > '3' {
		return errf(ErrConfig, nil, "invalid afu minor: '%c'", id[5])
	}
	return nil
}

// NewPsl validates id, connects to the AFU simulator at host:port,
// initializes the three protocol handlers, programs the AFU's
// command credits, starts the worker goroutine, and registers the
// session. Any failure rolls back everything allocated so far and
// returns with no session registered.
func NewPsl(reg *Registry, parms *Parms, id string, host string, port int, dbg *DbgSink) (*Psl, error) {
	if err := validateAfuName(id); err != nil {
		return nil, err
	}
	p := &Psl{
		name:       id,
		host:       host,
		port:       port,
		dbgID:      uint16(id[3]-'0')<<4 | uint16(id[5]-'0'),
		parms:      parms,
		dbg:        dbg,
		reg:        reg,
		halt:       idem.NewHalter(),
		idleCycles: parms.IdleCycles,
		maxClients: parms.MaxClients,
	}

	alwaysPrintf("attempting to connect AFU: %v @ %v:%v", p.name, host, port)
	afu, err := ConnectAfuEvent(host, port, parms.timeout())
	if err != nil {
		return nil, errf(ErrConnect, err, "unable to connect AFU: %v @ %v:%v", p.name, host, port)
	}
	p.afu = afu
	dbg.AfuConnect(p.dbgID, p.name)

	if p.job, err = jobInit(p.afu, &p.lock, &p.state, dbg, p.dbgID); err != nil {
		p.rollback()
		return nil, err
	}
	if p.mmio, err = mmioInit(p.afu, &p.lock, parms.timeout(), dbg, p.dbgID); err != nil {
		p.rollback()
		return nil, err
	}
	if p.cmd, err = cmdInit(p.afu, parms, &p.lock, dbg, p.dbgID); err != nil {
		p.rollback()
		return nil, err
	}

	p.client = make([]Client, p.maxClients)
	p.cmd.BindClients(p.client)

	if err = p.afu.Aux1Change(p.cmd.Credits()); err != nil {
		p.rollback()
		return nil, errf(ErrConnect, err, "unable to set credits for %v", p.name)
	}

	reg.Insert(p)
	go p.loop()
	return p, nil
}

// rollback undoes a partially constructed session.
func (p *Psl) rollback() {
	p.dbg.AfuDrop(p.dbgID)
	p.afu.Close()
}

// Stop cancels the session cooperatively and waits for the worker to
// finish teardown. Safe to call from any goroutine.
func (p *Psl) Stop() {
	p.halt.ReqStop.Close()
	<-p.halt.Done.Chan
}

// DoneCh closes once the worker has torn the session down.
func (p *Psl) DoneCh() <-chan struct{} {
	return p.halt.Done.Chan
}

// reserveClient claims a free slot for conn under the session lock.
// The slot becomes visible to the worker fully initialized.
func (p *Psl) reserveClient(conn net.Conn) (context int, ok bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for i := range p.client {
		c := &p.client[i]
		if c.valid != ClientInvalid || c.conn != nil {
			continue
		}
		c.conn = conn
		c.ip = conn.RemoteAddr().String()
		c.context = i
		c.idleCycles = p.parms.IdleCycles
		c.memAccess = CmdHandle{}
		c.mmioAccess = nil
		c.mmioDesc = false
		c.valid = ClientValid
		p.dbg.ContextAdd(p.dbgID, i)
		return i, true
	}
	return 0, false
}

// attach runs the attach procedure for one client: read the 8 byte
// little-endian work element descriptor, start a work unit, and
// answer with exactly one acknowledgement byte either way.
func (p *Psl) attach(c *Client) {
	ack := MsgDetach
	buf, err := getBytes(c.conn, 8, p.parms.timeout())
	if err != nil {
		alwaysPrintf("failed to get WED value from client: %v", err)
	} else {
		wed := le64(buf)
		// dedicated mode only; a second work unit is refused.
		if ev := p.job.Add(JobStart, wed); ev != nil {
			c.job = ev
			p.idleCycles = p.parms.IdleCycles
			ack = MsgAttach
		}
	}
	if err := putBytes(c.conn, []byte{ack}); err != nil {
		pp("attach ack write failed: %v", err)
	}
}

// free releases a client slot: close the socket, force-complete any
// in-flight memory access with an address error, finish the client's
// work unit, and invalidate the slot. Releasing an already invalid
// client is a no-op.
func (p *Psl) free(c *Client) {
	p.lock.Lock()
	if c.valid == ClientInvalid && c.conn == nil {
		p.lock.Unlock()
		return
	}
	p.dbg.ContextRemove(p.dbgID, c.context)
	alwaysPrintf("%v client disconnect from %v context %v", c.ip, p.name, c.context)
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.idleCycles = 0
	c.ip = ""
	p.cmd.HandleAerror(c.memAccess)
	c.memAccess = CmdHandle{}
	c.mmioAccess = nil
	if c.job != nil {
		c.job.state = JobDone
		c.job = nil
	}
	c.valid = ClientInvalid
	p.lock.Unlock()
}

// handleAfu fans polled AFU events out to the three handlers; every
// step drains what's ready and is idempotent.
func (p *Psl) handleAfu() {
	p.job.HandleAux2(&p.parityEnabled, &p.latency)
	p.mmio.HandleAck()
	if p.cmd != nil {
		p.cmd.HandleResponse()
		p.cmd.HandleBufferWrite()
		p.cmd.HandleBufferRead()
		p.cmd.HandleBufferData()
		p.cmd.HandleTouch()
		p.cmd.HandleCommand(p.parityEnabled, p.latency)
		p.cmd.HandleInterrupt()
	}
}

// handleClient services one client slot for one scheduler iteration:
// finish a completed MMIO access, then decode at most one command
// byte. A hangup or failed read releases the client unconditionally;
// released reports that, so the caller stops touching the slot (a
// handshake may re-reserve it the moment free returns).
func (p *Psl) handleClient(c *Client) (released bool) {
	// Handle MMIO done
	if c.mmioAccess != nil {
		c.idleCycles = p.parms.IdleCycles
		p.idleCycles = p.parms.IdleCycles
		c.mmioAccess = p.mmio.HandleDone(c)
	}

	b, ok, err := pollByte(c.conn, time.Millisecond)
	if err != nil {
		p.free(c)
		return true
	}
	if !ok {
		return false
	}
	if c.valid == ClientDetaching {
		// terminal: commands from a detaching client are read and
		// discarded.
		return false
	}
	switch b {
	case MsgDetach:
		c.idleCycles = p.parms.IdleCycles
		p.lock.Lock()
		c.valid = ClientDetaching
		p.lock.Unlock()
	case MsgAttach:
		p.attach(c)
	case MsgMemFailure:
		p.cmd.HandleAerror(c.memAccess)
		c.memAccess = CmdHandle{}
	case MsgMemSuccess:
		if err := p.cmd.HandleMemReturn(c.memAccess, c.conn, &p.lock); err != nil {
			c.memAccess = CmdHandle{}
			p.free(c)
			return true
		}
		c.memAccess = CmdHandle{}
	case MsgMmioMap:
		if err := p.mmio.HandleMap(c); err != nil {
			p.free(c)
			return true
		}
	case MsgMmioWrite64, MsgMmioRead64, MsgMmioWrite32, MsgMmioRead32:
		rnw := b == MsgMmioRead64 || b == MsgMmioRead32
		dw := b == MsgMmioWrite64 || b == MsgMmioRead64
		ev, err := p.mmio.HandleAccess(c, rnw, dw)
		if err != nil {
			p.free(c)
			return true
		}
		c.mmioAccess = ev
	default:
		// unknown command bytes are ignored, the session carries on.
		pp("%v", errf(ErrProtocol, nil, "unknown command byte 0x%02x from %v", b, c.ip))
	}
	// any parsed command keeps both the client and the session
	// clocking for another grace period.
	c.idleCycles = p.parms.IdleCycles
	p.idleCycles = p.parms.IdleCycles
	return false
}

// loop is the per-session worker: it runs until the session is done,
// gating the AFU clock off after IdleCycles iterations with no
// outstanding work so an idle AFU does not flood the simulation
// waveforms with empty cycles.
func (p *Psl) loop() {
	defer p.halt.Done.Close()

	stopped := true
	for p.state != StateDone {
		select {
		case <-p.halt.ReqStop.Chan:
			p.state = StateDone
			continue
		default:
		}

		// idleCycles continues to generate clock cycles for some
		// time after the AFU has gone idle.
		if p.state != StateIdle {
			p.idleCycles = p.parms.IdleCycles
			if stopped {
				alwaysPrintf("clocking %v", p.name)
			}
			stopped = false
		}

		if p.idleCycles > 0 {
			p.lock.Lock()
			err := p.afu.SignalClock()
			var n int
			if err == nil {
				n, err = p.afu.GetEvents()
			}
			p.lock.Unlock()

			// error on socket
			if err != nil {
				alwaysPrintf("%v afu transport error: %v", p.name,
					errf(ErrTransport, err, "event poll failed"))
				break
			}
			if n > 0 {
				p.handleAfu()
			}

			// drive queued work to the AFU
			p.job.Send()
			p.mmio.Send()

			if !p.job.Outstanding() && !p.mmio.Outstanding() {
				p.idleCycles--
			}
		} else {
			if !stopped {
				alwaysPrintf("stopping clocks to %v", p.name)
			}
			stopped = true
			time.Sleep(time.Millisecond)
		}

		// check for events from applications. Reading validity under
		// the lock pairs with reserveClient's locked writes; once a
		// slot is seen occupied, only this goroutine mutates it until
		// free, so the rest of the scan runs unlocked.
		for i := range p.client {
			c := &p.client[i]
			p.lock.Lock()
			valid := c.valid
			p.lock.Unlock()
			if valid == ClientInvalid {
				continue
			}
			if p.handleClient(c) {
				continue
			}
			if c.valid == ClientDetaching && c.idleCycles == 0 {
				if c.conn != nil {
					putBytesLocked(&p.lock, c.conn, []byte{MsgDetach})
				}
				p.free(c)
				continue
			}
			if c.idleCycles > 0 {
				c.idleCycles--
			}
			if p.cmd.ClientCmd(i) {
				c.idleCycles = p.parms.IdleCycles
			}
		}
	}

	p.teardown()
}

// teardown disconnects all clients and releases the session's
// resources; only the worker goroutine runs it.
func (p *Psl) teardown() {
	p.lock.Lock()
	for i := range p.client {
		c := &p.client[i]
		if c.valid != ClientInvalid && c.conn != nil {
			// no protocol notification; clients see the close.
			c.conn.Close()
			c.conn = nil
		}
	}
	p.lock.Unlock()
	p.dbg.AfuDrop(p.dbgID)
	alwaysPrintf("disconnected %v @ %v:%v", p.name, p.host, p.port)
	p.afu.Close()
	p.reg.Remove(p)
}
