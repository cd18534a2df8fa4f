package pslse

import (
	"io"
	"net"
	"sync"
	"time"
)

// sockio.go: bounded socket helpers shared by the session core and
// the protocol subsystems. Nothing here holds a lock across a read;
// writes performed from paths that can run concurrently with a
// session's worker goroutine go through putBytesLocked.

// getBytes reads exactly n bytes from conn, waiting at most timeout.
func getBytes(conn net.Conn, n int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, n)
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func putBytes(conn net.Conn, b []byte) error {
	_, err := conn.Write(b)
	return err
}

func putBytesLocked(lock *sync.Mutex, conn net.Conn, b []byte) error {
	lock.Lock()
	err := putBytes(conn, b)
	lock.Unlock()
	return err
}

// pollByte checks conn for one readable command byte with a very
// short bounded wait, so a scan over all client slots stays
// responsive. ok is false with a nil error when no byte is pending.
func pollByte(conn net.Conn, wait time.Duration) (b byte, ok bool, err error) {
	var one [1]byte
	conn.SetReadDeadline(time.Now().Add(wait))
	defer conn.SetReadDeadline(time.Time{})
	n, err := conn.Read(one[:])
	if n == 1 {
		return one[0], true, nil
	}
	if nerr, isNetErr := err.(net.Error); isNetErr && nerr.Timeout() {
		return 0, false, nil
	}
	return 0, false, err
}

// little-endian helpers for the fixed-size payloads in both the
// client protocol and the AFU event transport.

func le64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 |
		uint64(b[3])<<24 | uint64(b[4])<<32 | uint64(b[5])<<40 |
		uint64(b[6])<<48 | uint64(b[7])<<56
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putLE32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putLE16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}
