package pslse

import (
	"bufio"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// test fixtures: a scriptable fake AFU simulator on a real loopback
// socket, plus small socket-pair helpers.

func testParms() *Parms {
	p := NewParms()
	p.IdleCycles = 3
	p.Timeout = 2
	p.MaxClients = 4
	p.Seed = 1
	return p
}

// tcpPairErr returns two connected loopback sockets; callers own the
// close. Safe off the test goroutine.
func tcpPairErr() (cli, srv net.Conn, err error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	defer lis.Close()
	type res struct {
		c   net.Conn
		err error
	}
	ch := make(chan res, 1)
	go func() {
		c, err := lis.Accept()
		ch <- res{c, err}
	}()
	cli, err = net.Dial("tcp", lis.Addr().String())
	if err != nil {
		return nil, nil, err
	}
	r := <-ch
	if r.err != nil {
		cli.Close()
		return nil, nil, r.err
	}
	return cli, r.c, nil
}

// tcpPair returns two connected loopback sockets, closed at test end.
func tcpPair(t *testing.T) (cli, srv net.Conn) {
	t.Helper()
	cli, srv, err := tcpPairErr()
	panicOn(err)
	t.Cleanup(func() {
		cli.Close()
		srv.Close()
	})
	return cli, srv
}

// testAfuEvent wraps an already connected socket for subsystem-level
// tests that bypass NewPsl.
func testAfuEvent(conn net.Conn) *AfuEvent {
	return &AfuEvent{conn: conn, rd: bufio.NewReader(conn)}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %v", what)
}

type fakeJobReq struct {
	code byte
	wed  uint64
}

type fakeMmioReq struct {
	flags byte
	addr  uint32
	data  uint64
}

type fakeBufWrite struct {
	tag  uint16
	data []byte
}

type fakeResp struct {
	tag  uint16
	resp uint8
}

// fakeAfu plays the simulator side of the event transport: it counts
// clock edges and records everything the session drives at it, and
// the test script injects events back with the send helpers.
type fakeAfu struct {
	lis    net.Listener
	connCh chan struct{}

	mut       sync.Mutex
	conn      net.Conn
	clocks    int
	credits   int
	jobs      []fakeJobReq
	mmios     []fakeMmioReq
	bufReads  []uint16
	bufWrites []fakeBufWrite
	resps     []fakeResp
}

func newFakeAfu(t *testing.T) *fakeAfu {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	panicOn(err)
	f := &fakeAfu{lis: lis, connCh: make(chan struct{})}
	go f.acceptAndRead()
	t.Cleanup(f.close)
	return f
}

func (f *fakeAfu) close() {
	f.lis.Close()
	f.mut.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.mut.Unlock()
}

func (f *fakeAfu) hostPort() (string, int) {
	addr := f.lis.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func (f *fakeAfu) acceptAndRead() {
	conn, err := f.lis.Accept()
	if err != nil {
		return
	}
	f.mut.Lock()
	f.conn = conn
	f.mut.Unlock()
	close(f.connCh)
	rd := bufio.NewReader(conn)
	for {
		op, err := rd.ReadByte()
		if err != nil {
			return
		}
		switch op {
		case afuOpClock:
			f.mut.Lock()
			f.clocks++
			f.mut.Unlock()
		case afuOpAux1:
			b, err := rd.ReadByte()
			if err != nil {
				return
			}
			f.mut.Lock()
			f.credits = int(b)
			f.mut.Unlock()
		case afuOpJob:
			var pay [9]byte
			if _, err := io.ReadFull(rd, pay[:]); err != nil {
				return
			}
			f.mut.Lock()
			f.jobs = append(f.jobs, fakeJobReq{code: pay[0], wed: le64(pay[1:])})
			f.mut.Unlock()
		case afuOpMmio:
			var pay [13]byte
			if _, err := io.ReadFull(rd, pay[:]); err != nil {
				return
			}
			f.mut.Lock()
			f.mmios = append(f.mmios, fakeMmioReq{
				flags: pay[0],
				addr:  le32(pay[1:]),
				data:  le64(pay[5:]),
			})
			f.mut.Unlock()
		case afuOpBufRead:
			var pay [4]byte
			if _, err := io.ReadFull(rd, pay[:]); err != nil {
				return
			}
			f.mut.Lock()
			f.bufReads = append(f.bufReads, le16(pay[:]))
			f.mut.Unlock()
		case afuOpBufWrite:
			var hdr [4]byte
			if _, err := io.ReadFull(rd, hdr[:]); err != nil {
				return
			}
			data := make([]byte, le16(hdr[2:]))
			if _, err := io.ReadFull(rd, data); err != nil {
				return
			}
			f.mut.Lock()
			f.bufWrites = append(f.bufWrites, fakeBufWrite{tag: le16(hdr[:]), data: data})
			f.mut.Unlock()
		case afuOpResponse:
			var pay [3]byte
			if _, err := io.ReadFull(rd, pay[:]); err != nil {
				return
			}
			f.mut.Lock()
			f.resps = append(f.resps, fakeResp{tag: le16(pay[:]), resp: pay[2]})
			f.mut.Unlock()
		default:
			panic("fakeAfu: unknown opcode from session")
		}
	}
}

func (f *fakeAfu) clockCount() (n int) {
	f.mut.Lock()
	n = f.clocks
	f.mut.Unlock()
	return
}

func (f *fakeAfu) creditsSeen() (n int) {
	f.mut.Lock()
	n = f.credits
	f.mut.Unlock()
	return
}

func (f *fakeAfu) jobCount() (n int) {
	f.mut.Lock()
	n = len(f.jobs)
	f.mut.Unlock()
	return
}

func (f *fakeAfu) lastJob() (jr fakeJobReq) {
	f.mut.Lock()
	if len(f.jobs) > 0 {
		jr = f.jobs[len(f.jobs)-1]
	}
	f.mut.Unlock()
	return
}

func (f *fakeAfu) mmioCount() (n int) {
	f.mut.Lock()
	n = len(f.mmios)
	f.mut.Unlock()
	return
}

func (f *fakeAfu) lastMmio() (mr fakeMmioReq) {
	f.mut.Lock()
	if len(f.mmios) > 0 {
		mr = f.mmios[len(f.mmios)-1]
	}
	f.mut.Unlock()
	return
}

func (f *fakeAfu) respCount() (n int) {
	f.mut.Lock()
	n = len(f.resps)
	f.mut.Unlock()
	return
}

func (f *fakeAfu) lastResp() (r fakeResp) {
	f.mut.Lock()
	if len(f.resps) > 0 {
		r = f.resps[len(f.resps)-1]
	}
	f.mut.Unlock()
	return
}

func (f *fakeAfu) bufWriteCount() (n int) {
	f.mut.Lock()
	n = len(f.bufWrites)
	f.mut.Unlock()
	return
}

func (f *fakeAfu) send(frame []byte) {
	<-f.connCh
	f.mut.Lock()
	conn := f.conn
	f.mut.Unlock()
	_, err := conn.Write(frame)
	panicOn(err)
}

func (f *fakeAfu) sendAux2(running, done, parity bool, latency byte, jerror uint64) {
	frame := make([]byte, 11)
	frame[0] = afuOpAux2
	if running {
		frame[1] |= aux2JobRunning
	}
	if done {
		frame[1] |= aux2JobDone
	}
	if parity {
		frame[1] |= aux2ParityEnable
	}
	frame[2] = latency
	putLE64(frame[3:], jerror)
	f.send(frame)
}

func (f *fakeAfu) sendMmioAck(data uint64) {
	frame := make([]byte, 9)
	frame[0] = afuOpMmioAck
	putLE64(frame[1:], data)
	f.send(frame)
}

func (f *fakeAfu) sendCommand(tag, code uint16, addr uint64, size, ctx uint16) {
	frame := make([]byte, 17)
	frame[0] = afuOpCommand
	putLE16(frame[1:], tag)
	putLE16(frame[3:], code)
	putLE64(frame[5:], addr)
	putLE16(frame[13:], size)
	putLE16(frame[15:], ctx)
	f.send(frame)
}

func (f *fakeAfu) sendBufData(tag uint16, data []byte) {
	frame := make([]byte, 5+len(data))
	frame[0] = afuOpBufData
	putLE16(frame[1:], tag)
	putLE16(frame[3:], uint16(len(data)))
	copy(frame[5:], data)
	f.send(frame)
}

// addTestClient reserves a slot on p and returns the application
// side of the socket.
func addTestClient(t *testing.T, p *Psl) net.Conn {
	t.Helper()
	cli, srv := tcpPair(t)
	if _, ok := p.reserveClient(srv); !ok {
		t.Fatal("no free client slot")
	}
	return cli
}

// pollEvents keeps calling GetEvents on ae until at least one inbound
// frame has been decoded.
func pollEvents(t *testing.T, ae *AfuEvent) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := ae.GetEvents()
		panicOn(err)
		if n > 0 {
			return
		}
	}
	t.Fatal("timeout polling for afu events")
}

// readOne reads a single byte with a deadline.
func readOne(t *testing.T, conn net.Conn) byte {
	t.Helper()
	buf, err := getBytes(conn, 1, 5*time.Second)
	panicOn(err)
	return buf[0]
}
