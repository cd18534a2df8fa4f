package pslse

import (
	"sync"

	"github.com/eapache/queue"
)

// job.go: work-unit control for one session. Dedicated mode only:
// at most one live work unit at a time. Queued job controls are
// driven to the AFU one per clock by Send; aux2 status coming back
// moves the session between RUNNING and IDLE.

type JobState int8

const (
	JobPending JobState = 0
	JobRunning JobState = 1
	JobDone    JobState = 2
)

// JobEvent is one queued or live job control.
type JobEvent struct {
	code  byte
	addr  uint64 // the work element descriptor for JobStart
	state JobState
}

type Job struct {
	afu   *AfuEvent
	lock  *sync.Mutex
	state *SessionState
	dbg   *DbgSink
	dbgID uint16

	// pending holds *JobEvent not yet driven to the AFU.
	pending *queue.Queue

	// active is the dedicated-mode work unit, nil when none has
	// been started or the last one finished.
	active *JobEvent

	// queuedStarts counts JobStart controls sitting in pending, so a
	// second attach is refused even before the first start is driven.
	queuedStarts int
}

func jobInit(afu *AfuEvent, lock *sync.Mutex, state *SessionState, dbg *DbgSink, dbgID uint16) (*Job, error) {
	if afu == nil {
		return nil, errf(ErrResource, nil, "jobInit: nil afu event transport")
	}
	return &Job{
		afu:     afu,
		lock:    lock,
		state:   state,
		dbg:     dbg,
		dbgID:   dbgID,
		pending: queue.New(),
	}, nil
}

// Add queues a job control. A JobStart while a work unit is still
// live is refused (dedicated mode) and returns nil.
func (j *Job) Add(code byte, wed uint64) *JobEvent {
	if code == JobStart {
		if j.queuedStarts > 0 || (j.active != nil && j.active.state != JobDone) {
			pp("job add: refusing second work unit in dedicated mode")
			return nil
		}
		j.queuedStarts++
	}
	ev := &JobEvent{code: code, addr: wed}
	j.pending.Add(ev)
	j.dbg.Event("job_add", j.dbgID, "")
	return ev
}

// Send drives the next queued job control to the AFU, one per call.
func (j *Job) Send() {
	if j.pending.Length() == 0 {
		return
	}
	ev := j.pending.Remove().(*JobEvent)
	if ev.code == JobStart {
		j.queuedStarts--
	}
	j.lock.Lock()
	err := j.afu.SendJobFrame(ev.code, ev.addr)
	j.lock.Unlock()
	if err != nil {
		alwaysPrintf("job send failed: %v", err)
		ev.state = JobDone
		return
	}
	ev.state = JobRunning
	if ev.code == JobStart {
		j.active = ev
	}
}

// HandleAux2 consumes the latest aux2 status from the AFU, updating
// the session state and the parity/latency mirrors.
func (j *Job) HandleAux2(parityEnabled *bool, latency *uint32) {
	if !j.afu.aux2Valid {
		return
	}
	j.afu.aux2Valid = false
	*parityEnabled = j.afu.aux2Parity
	*latency = uint32(j.afu.aux2Latency)
	if j.afu.aux2Jerror != 0 {
		alwaysPrintf("job error jerror=0x%016x", j.afu.aux2Jerror)
	}
	if j.afu.aux2Running && *j.state != StateDone {
		*j.state = StateRunning
	}
	if j.afu.aux2Done {
		if j.active != nil {
			j.active.state = JobDone
			j.active = nil
		}
		if *j.state != StateDone {
			*j.state = StateIdle
		}
	}
}

// Outstanding reports whether any job control is still queued and
// unsent; it feeds the scheduler's idle detection.
func (j *Job) Outstanding() bool {
	return j.pending.Length() > 0
}
