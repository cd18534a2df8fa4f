package pslse

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"time"
)

// afu.go: the event transport between one session and its simulated
// AFU. Frames flow both ways over a single TCP connection. Every
// frame is one opcode byte plus a fixed-size little-endian payload,
// except buffer frames which carry a 16-bit length then data.
//
// The caller (the session worker) holds the session lock around the
// SignalClock/GetEvents pair; the outbound frame writers are called
// from the protocol subsystems which take the same lock themselves.

// session -> AFU frame opcodes.
const (
	afuOpClock    byte = 0x01
	afuOpAux1     byte = 0x02
	afuOpJob      byte = 0x03
	afuOpMmio     byte = 0x04
	afuOpBufRead  byte = 0x05
	afuOpBufWrite byte = 0x06
	afuOpResponse byte = 0x07
)

// AFU -> session frame opcodes.
const (
	afuOpAux2    byte = 0x81
	afuOpMmioAck byte = 0x82
	afuOpCommand byte = 0x83
	afuOpBufData byte = 0x84
)

// aux2 status flag bits.
const (
	aux2JobRunning   byte = 1 << 0
	aux2JobDone      byte = 1 << 1
	aux2ParityEnable byte = 1 << 2
)

// mmio frame flag bits.
const (
	mmioFlagRead byte = 1 << 0
	mmioFlagDW   byte = 1 << 1
	mmioFlagDesc byte = 1 << 2
)

// eventPollWait bounds the per-iteration wait for AFU frames so the
// worker loop stays responsive to clients and to shutdown.
const eventPollWait = time.Millisecond

// afuCommand is one decoded AFU command frame, pending pickup by the
// cmd handler.
type afuCommand struct {
	tag     uint16
	code    uint16
	addr    uint64
	size    uint16
	context uint16
}

// afuBufData is one decoded buffer-data frame (AFU write data
// answering an earlier buffer-read request).
type afuBufData struct {
	tag  uint16
	data []byte
}

// AfuEvent is the connected transport plus the most recently polled
// inbound event state, consumed by the job/mmio/cmd handlers.
type AfuEvent struct {
	host string
	port int
	conn net.Conn
	rd   *bufio.Reader

	// inbound state, refreshed by GetEvents. aux2 and mmio ack are
	// latest-wins; commands and buffer data queue up.
	aux2Valid   bool
	aux2Running bool
	aux2Done    bool
	aux2Parity  bool
	aux2Latency uint8
	aux2Jerror  uint64

	mmioAckValid bool
	mmioAckData  uint64

	cmdsIn    []afuCommand
	bufDataIn []afuBufData
}

// ConnectAfuEvent dials the simulated AFU at host:port.
func ConnectAfuEvent(host string, port int, timeout time.Duration) (*AfuEvent, error) {
	hp := fmt.Sprintf("%v:%v", host, port)
	conn, err := net.DialTimeout("tcp", hp, timeout)
	if err != nil {
		return nil, err
	}
	if tc, isTCP := conn.(*net.TCPConn); isTCP {
		tc.SetNoDelay(true)
	}
	return &AfuEvent{
		host: host,
		port: port,
		conn: conn,
		rd:   bufio.NewReader(conn),
	}, nil
}

func (a *AfuEvent) Close() error {
	if a == nil || a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

// SignalClock drives one clock edge to the AFU.
func (a *AfuEvent) SignalClock() error {
	return putBytes(a.conn, []byte{afuOpClock})
}

// Aux1Change programs the AFU's command credit pool.
func (a *AfuEvent) Aux1Change(credits int) error {
	return putBytes(a.conn, []byte{afuOpAux1, byte(credits)})
}

// SendJobFrame drives a job control code and its work element
// descriptor to the AFU.
func (a *AfuEvent) SendJobFrame(code byte, wed uint64) error {
	frame := make([]byte, 10)
	frame[0] = afuOpJob
	frame[1] = code
	putLE64(frame[2:], wed)
	return putBytes(a.conn, frame)
}

// SendMmioFrame drives one MMIO request. data is ignored by the AFU
// for reads but always on the wire, keeping the frame fixed size.
func (a *AfuEvent) SendMmioFrame(flags byte, addr uint32, data uint64) error {
	frame := make([]byte, 14)
	frame[0] = afuOpMmio
	frame[1] = flags
	putLE32(frame[2:], addr)
	putLE64(frame[6:], data)
	return putBytes(a.conn, frame)
}

// SendBufReadFrame asks the AFU for the write data behind tag.
func (a *AfuEvent) SendBufReadFrame(tag uint16, size uint16) error {
	frame := make([]byte, 5)
	frame[0] = afuOpBufRead
	putLE16(frame[1:], tag)
	putLE16(frame[3:], size)
	return putBytes(a.conn, frame)
}

// SendBufWriteFrame delivers read data into the AFU's buffer for tag.
func (a *AfuEvent) SendBufWriteFrame(tag uint16, data []byte) error {
	frame := make([]byte, 5+len(data))
	frame[0] = afuOpBufWrite
	putLE16(frame[1:], tag)
	putLE16(frame[3:], uint16(len(data)))
	copy(frame[5:], data)
	return putBytes(a.conn, frame)
}

// SendResponseFrame retires tag with the given response code.
func (a *AfuEvent) SendResponseFrame(tag uint16, resp uint8) error {
	return putBytes(a.conn, []byte{afuOpResponse, byte(tag), byte(tag >> 8), resp})
}

// GetEvents polls for inbound frames with a short bounded wait and
// decodes everything already buffered. It returns the number of
// events decoded this call; an error means the transport is down and
// the session must tear down.
func (a *AfuEvent) GetEvents() (n int, err error) {
	a.conn.SetReadDeadline(time.Now().Add(eventPollWait))
	defer a.conn.SetReadDeadline(time.Time{})
	for {
		op, err := a.rd.ReadByte()
		if err != nil {
			if nerr, isNetErr := err.(net.Error); isNetErr && nerr.Timeout() {
				return n, nil
			}
			return n, err
		}
		// the opcode arrived; give the payload a real deadline so a
		// frame split across packets is not misread as a timeout.
		a.conn.SetReadDeadline(time.Now().Add(time.Second))
		if err = a.readFrame(op); err != nil {
			return n, err
		}
		n++
		a.conn.SetReadDeadline(time.Now().Add(eventPollWait))
	}
}

func (a *AfuEvent) readFrame(op byte) error {
	switch op {
	case afuOpAux2:
		var pay [10]byte
		if _, err := io.ReadFull(a.rd, pay[:]); err != nil {
			return err
		}
		a.aux2Valid = true
		a.aux2Running = pay[0]&aux2JobRunning != 0
		a.aux2Done = pay[0]&aux2JobDone != 0
		a.aux2Parity = pay[0]&aux2ParityEnable != 0
		a.aux2Latency = pay[1]
		a.aux2Jerror = le64(pay[2:])
	case afuOpMmioAck:
		var pay [8]byte
		if _, err := io.ReadFull(a.rd, pay[:]); err != nil {
			return err
		}
		a.mmioAckValid = true
		a.mmioAckData = le64(pay[:])
	case afuOpCommand:
		var pay [16]byte
		if _, err := io.ReadFull(a.rd, pay[:]); err != nil {
			return err
		}
		a.cmdsIn = append(a.cmdsIn, afuCommand{
			tag:     le16(pay[0:]),
			code:    le16(pay[2:]),
			addr:    le64(pay[4:]),
			size:    le16(pay[12:]),
			context: le16(pay[14:]),
		})
	case afuOpBufData:
		var hdr [4]byte
		if _, err := io.ReadFull(a.rd, hdr[:]); err != nil {
			return err
		}
		data := make([]byte, le16(hdr[2:]))
		if _, err := io.ReadFull(a.rd, data); err != nil {
			return err
		}
		a.bufDataIn = append(a.bufDataIn, afuBufData{tag: le16(hdr[0:]), data: data})
	default:
		return fmt.Errorf("afu event transport: unknown frame opcode 0x%02x", op)
	}
	return nil
}
