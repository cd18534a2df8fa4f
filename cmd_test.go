package pslse

import (
	"net"
	"sync"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

// cmdFixture stands up a Cmd bound to a fake AFU and one valid client
// in slot 0. app is the application side of the client socket.
func cmdFixture(t *testing.T, parms *Parms) (fa *fakeAfu, ae *AfuEvent, cm *Cmd, cl *Client, app net.Conn) {
	t.Helper()
	fa = newFakeAfu(t)
	host, port := fa.hostPort()
	ae, err := ConnectAfuEvent(host, port, time.Second)
	panicOn(err)
	t.Cleanup(func() { ae.Close() })

	var lock sync.Mutex
	cm, err = cmdInit(ae, parms, &lock, nil, 0)
	panicOn(err)

	app, srv := tcpPair(t)
	clients := make([]Client, parms.MaxClients)
	clients[0] = Client{conn: srv, valid: ClientValid}
	cm.BindClients(clients)
	return fa, ae, cm, &clients[0], app
}

func Test300_cmd_read_flow(t *testing.T) {

	cv.Convey("an AFU memory read turns into a client read request, and the client's data is pushed to the AFU buffer and retired DONE", t, func() {

		parms := testParms()
		fa, ae, cm, cl, app := cmdFixture(t, parms)

		fa.sendCommand(0x0011, AfuCmdRead, 0x1000, 64, 0)
		pollEvents(t, ae)
		cm.HandleCommand(false, 0)
		cv.So(cm.Credits(), cv.ShouldEqual, parms.Credits-1)
		cv.So(cm.ClientCmd(0), cv.ShouldBeTrue)

		cm.HandleBufferWrite()
		req, err := getBytes(app, 11, time.Second)
		panicOn(err)
		cv.So(req[0], cv.ShouldEqual, MsgMemRead)
		cv.So(le64(req[1:]), cv.ShouldEqual, uint64(0x1000))
		cv.So(le16(req[9:]), cv.ShouldEqual, uint16(64))
		cv.So(cl.memAccess.idx, cv.ShouldNotEqual, int32(0))

		// the client answers with 64 bytes of read data.
		data := make([]byte, 64)
		for i := range data {
			data[i] = byte(i)
		}
		panicOn(putBytes(app, data))
		var lock sync.Mutex
		panicOn(cm.HandleMemReturn(cl.memAccess, cl.conn, &lock))

		waitFor(t, "buffer write to afu", func() bool { return fa.bufWriteCount() == 1 })

		// the return path already pushed the data; another scheduler
		// pass must not push it again.
		cm.HandleBufferWrite()
		time.Sleep(20 * time.Millisecond)
		cv.So(fa.bufWriteCount(), cv.ShouldEqual, 1)

		cm.HandleResponse()
		waitFor(t, "response", func() bool { return fa.respCount() == 1 })
		r := fa.lastResp()
		cv.So(r.tag, cv.ShouldEqual, uint16(0x0011))
		cv.So(r.resp, cv.ShouldEqual, RespDone)

		// slot retired, credit restored.
		cv.So(cm.Credits(), cv.ShouldEqual, parms.Credits)
		cv.So(cm.ClientCmd(0), cv.ShouldBeFalse)
	})
}

func Test301_cmd_write_flow(t *testing.T) {

	cv.Convey("an AFU memory write pulls buffer data from the AFU, forwards it to the client, and retires DONE on the client's success", t, func() {

		parms := testParms()
		fa, ae, cm, cl, app := cmdFixture(t, parms)

		fa.sendCommand(0x0022, AfuCmdWrite, 0x2000, 8, 0)
		pollEvents(t, ae)
		cm.HandleCommand(false, 0)

		cm.HandleBufferRead()
		waitFor(t, "buffer read request", func() bool {
			fa.mut.Lock()
			n := len(fa.bufReads)
			fa.mut.Unlock()
			return n == 1
		})

		fa.sendBufData(0x0022, []byte{1, 2, 3, 4, 5, 6, 7, 8})
		pollEvents(t, ae)
		cm.HandleBufferData()

		req, err := getBytes(app, 11+8, time.Second)
		panicOn(err)
		cv.So(req[0], cv.ShouldEqual, MsgMemWrite)
		cv.So(le64(req[1:]), cv.ShouldEqual, uint64(0x2000))
		cv.So(le16(req[9:]), cv.ShouldEqual, uint16(8))
		cv.So(req[11:], cv.ShouldResemble, []byte{1, 2, 3, 4, 5, 6, 7, 8})

		var lock sync.Mutex
		panicOn(cm.HandleMemReturn(cl.memAccess, cl.conn, &lock))
		cm.HandleResponse()
		waitFor(t, "response", func() bool { return fa.respCount() == 1 })
		cv.So(fa.lastResp().resp, cv.ShouldEqual, RespDone)
	})
}

func Test302_cmd_touch_and_interrupt(t *testing.T) {

	cv.Convey("touches round-trip through the client; interrupts are forwarded and retired immediately", t, func() {

		parms := testParms()
		fa, ae, cm, cl, app := cmdFixture(t, parms)

		fa.sendCommand(0x0033, AfuCmdTouch, 0x3000, 4096, 0)
		pollEvents(t, ae)
		cm.HandleCommand(false, 0)
		cm.HandleTouch()

		req, err := getBytes(app, 11, time.Second)
		panicOn(err)
		cv.So(req[0], cv.ShouldEqual, MsgMemTouch)
		cv.So(le64(req[1:]), cv.ShouldEqual, uint64(0x3000))

		var lock sync.Mutex
		panicOn(cm.HandleMemReturn(cl.memAccess, cl.conn, &lock))
		cm.HandleResponse()
		waitFor(t, "touch response", func() bool { return fa.respCount() == 1 })
		cv.So(fa.lastResp().resp, cv.ShouldEqual, RespDone)

		// interrupt: the source number travels in the addr field.
		fa.sendCommand(0x0044, AfuCmdInterrupt, 5, 0, 0)
		pollEvents(t, ae)
		cm.HandleCommand(false, 0)
		cm.HandleInterrupt()

		irq, err := getBytes(app, 3, time.Second)
		panicOn(err)
		cv.So(irq[0], cv.ShouldEqual, MsgInterrupt)
		cv.So(le16(irq[1:]), cv.ShouldEqual, uint16(5))

		cm.HandleResponse()
		waitFor(t, "interrupt response", func() bool { return fa.respCount() == 2 })
		cv.So(fa.lastResp().resp, cv.ShouldEqual, RespDone)
	})
}

func Test303_cmd_refusals(t *testing.T) {

	cv.Convey("commands with no credits, a dead context, or an unknown code are answered without touching client memory", t, func() {

		parms := testParms()
		fa, ae, cm, _, _ := cmdFixture(t, parms)

		// dead context.
		fa.sendCommand(0x0055, AfuCmdRead, 0, 8, 3)
		pollEvents(t, ae)
		cm.HandleCommand(false, 0)
		waitFor(t, "fault response", func() bool { return fa.respCount() == 1 })
		cv.So(fa.lastResp().resp, cv.ShouldEqual, RespFault)

		// unknown command code.
		fa.sendCommand(0x0066, 0x1234, 0, 8, 0)
		pollEvents(t, ae)
		cm.HandleCommand(false, 0)
		cm.HandleResponse()
		waitFor(t, "failed response", func() bool { return fa.respCount() == 2 })
		cv.So(fa.lastResp().resp, cv.ShouldEqual, RespFailed)

		// exhausted credits.
		cm.credits = 0
		fa.sendCommand(0x0077, AfuCmdRead, 0, 8, 0)
		pollEvents(t, ae)
		cm.HandleCommand(false, 0)
		waitFor(t, "flushed response", func() bool { return fa.respCount() == 3 })
		cv.So(fa.lastResp().resp, cv.ShouldEqual, RespFlushed)
	})
}

func Test304_cmd_weak_handles(t *testing.T) {

	cv.Convey("handles are weak: a stale or zero handle resolves to nothing, and HandleAerror force-completes only live accesses", t, func() {

		parms := testParms()
		fa, ae, cm, cl, _ := cmdFixture(t, parms)

		cv.So(cm.resolve(CmdHandle{}), cv.ShouldBeNil)

		fa.sendCommand(0x0088, AfuCmdRead, 0x4000, 8, 0)
		pollEvents(t, ae)
		cm.HandleCommand(false, 0)
		cm.HandleBufferWrite()

		h := cl.memAccess
		ev := cm.resolve(h)
		cv.So(ev, cv.ShouldNotBeNil)
		done := ev.DoneCh.WhenClosed()

		// the client goes away mid-access.
		cm.HandleAerror(h)
		cv.So(ev.state, cv.ShouldEqual, CmdDoneMem)
		cv.So(ev.resp, cv.ShouldEqual, RespAerror)
		select {
		case <-done:
		default:
			t.Fatal("completion channel did not close")
		}

		cm.HandleResponse()
		waitFor(t, "aerror response", func() bool { return fa.respCount() == 1 })
		cv.So(fa.lastResp().resp, cv.ShouldEqual, RespAerror)

		// the handle now points at a retired generation.
		cv.So(cm.resolve(h), cv.ShouldBeNil)
		cm.HandleAerror(h) // no-op
		var lock sync.Mutex
		cv.So(cm.HandleMemReturn(h, cl.conn, &lock), cv.ShouldBeNil)
		cv.So(fa.respCount(), cv.ShouldEqual, 1)
	})
}

func Test305_cmd_paged_injection(t *testing.T) {

	cv.Convey("with PAGED_PERCENT at 100 every eligible command is answered PAGED to exercise client retries", t, func() {

		parms := testParms()
		parms.PagedPercent = 100
		fa, ae, cm, _, _ := cmdFixture(t, parms)

		fa.sendCommand(0x0099, AfuCmdRead, 0, 8, 0)
		pollEvents(t, ae)
		cm.HandleCommand(false, 0)
		waitFor(t, "paged response", func() bool { return fa.respCount() == 1 })
		cv.So(fa.lastResp().resp, cv.ShouldEqual, RespPaged)
		cv.So(cm.Credits(), cv.ShouldEqual, parms.Credits)
	})
}
