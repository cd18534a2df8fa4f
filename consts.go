package pslse

// consts.go: wire constants shared between the session core, the
// AFU-facing event transport, and attached application clients.
//
// Every client message starts with a single command byte. The session
// answers an attach or detach with a single acknowledgement byte,
// either MsgAttach (success) or MsgDetach (failure/terminal).

// client -> session command bytes, and session -> client messages.
const (
	// handshake: MsgOpen is followed by the 6 character AFU name.
	MsgOpen byte = 0x0A

	MsgDetach      byte = 0x01
	MsgAttach      byte = 0x02
	MsgMemFailure  byte = 0x03
	MsgMemSuccess  byte = 0x04
	MsgMmioMap     byte = 0x05
	MsgMmioWrite64 byte = 0x06
	MsgMmioRead64  byte = 0x07
	MsgMmioWrite32 byte = 0x08
	MsgMmioRead32  byte = 0x09

	// session -> client requests driven by AFU commands.
	MsgMemRead   byte = 0x10
	MsgMemWrite  byte = 0x11
	MsgMemTouch  byte = 0x12
	MsgInterrupt byte = 0x13
	MsgMmioAck   byte = 0x14
)

// SessionState is the lifecycle state of one AFU session.
// A zero Psl starts out idle.
type SessionState int32

const (
	StateIdle    SessionState = 0
	StateRunning SessionState = 1
	StateDone    SessionState = 2
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateDone:
		return "DONE"
	}
	return "UNKNOWN"
}

// ClientValidity is the tri-state occupancy of a client slot.
// The VALID -> DETACHING transition is one way; a DETACHING client
// is only freed once its idle countdown reaches zero, so the last
// acknowledgement byte has had time to drain.
type ClientValidity int8

const (
	ClientInvalid   ClientValidity = 0
	ClientValid     ClientValidity = 1
	ClientDetaching ClientValidity = -1
)

// job control codes driven to the AFU.
const (
	JobStart byte = 0x90
	JobReset byte = 0x80
)

// response codes returned to the AFU for completed commands.
const (
	RespDone    uint8 = 0x00
	RespAerror  uint8 = 0x01
	RespDerror  uint8 = 0x03
	RespFlushed uint8 = 0x06
	RespFault   uint8 = 0x07
	RespFailed  uint8 = 0x08
	RespPaged   uint8 = 0x0A
)

// AFU command opcode classes. The simulated AFU issues these over the
// event transport; the cmd handler classifies them into memory reads,
// memory writes, address touches, and interrupt requests.
const (
	AfuCmdInterrupt uint16 = 0x0000
	AfuCmdTouch     uint16 = 0x0240
	AfuCmdRead      uint16 = 0x0A00
	AfuCmdWrite     uint16 = 0x0D00
)
