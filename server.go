package pslse

import (
	"net"
	"time"

	"github.com/glycerine/idem"
)

// server.go: accepts application connections and places them into a
// session's client slot table. A connecting client sends MsgOpen plus
// the 6 character AFU name; the reply is one status byte (MsgAttach
// on success, MsgDetach otherwise) followed by the assigned context
// number. The session core receives the slot already valid.

type Server struct {
	reg   *Registry
	parms *Parms
	dbg   *DbgSink
	lis   net.Listener
	halt  *idem.Halter
}

func NewServer(reg *Registry, parms *Parms, dbg *DbgSink) *Server {
	return &Server{
		reg:   reg,
		parms: parms,
		dbg:   dbg,
		halt:  idem.NewHalter(),
	}
}

// Start listens on addr and serves handshakes until Close.
func (s *Server) Start(addr string) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errf(ErrResource, err, "cannot listen on '%v'", addr)
	}
	s.lis = lis
	alwaysPrintf("listening for clients on %v", lis.Addr())
	go s.acceptLoop()
	return lis.Addr(), nil
}

func (s *Server) Close() {
	s.halt.ReqStop.Close()
	if s.lis != nil {
		s.lis.Close()
	}
	<-s.halt.Done.Chan
}

func (s *Server) acceptLoop() {
	defer s.halt.Done.Close()
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			select {
			case <-s.halt.ReqStop.Chan:
				return
			default:
			}
			alwaysPrintf("accept failed: %v", err)
			return
		}
		// handshakes are short; one at a time keeps slot
		// reservation simple.
		s.handshake(conn)
	}
}

// handshake validates the opening message and reserves a client slot
// in the named session.
func (s *Server) handshake(conn net.Conn) {
	fail := func() {
		putBytes(conn, []byte{MsgDetach, 0})
		conn.Close()
	}
	hdr, err := getBytes(conn, 7, 10*time.Second)
	if err != nil || hdr[0] != MsgOpen {
		pp("bad client handshake: %v", err)
		fail()
		return
	}
	name := string(hdr[1:7])
	p := s.reg.Lookup(name)
	if p == nil {
		alwaysPrintf("client asked for unknown AFU '%v'", name)
		fail()
		return
	}
	context, alright := p.reserveClient(conn)
	if !alright {
		alwaysPrintf("no free context on %v for %v", name, conn.RemoteAddr())
		fail()
		return
	}
	if err := putBytesLocked(&p.lock, conn, []byte{MsgAttach, byte(context)}); err != nil {
		pp("handshake reply failed: %v", err)
	}
}
