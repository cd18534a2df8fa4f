package pslse

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// debug.go: trace sink shared by every session. Each record is one
// JSON line; a ".gz" path gets gzip-compressed output. A nil *DbgSink
// is valid everywhere and records nothing, so tests and embedders can
// run without a trace file.

type traceRec struct {
	Tm      string `json:"tm"`
	Kind    string `json:"kind"`
	DbgID   uint16 `json:"dbg_id"`
	Context int    `json:"context,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

type DbgSink struct {
	mut sync.Mutex
	f   io.WriteCloser
	gz  *gzip.Writer
	enc *json.Encoder

	// afus tracks the sessions currently registered with the sink,
	// dbgID -> display name.
	afus *Mutexmap[uint16, string]
}

// NewDbgSink opens (truncates) the trace file at path.
func NewDbgSink(path string) (*DbgSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errf(ErrResource, err, "cannot create trace file '%v'", path)
	}
	d := &DbgSink{
		f:    f,
		afus: NewMutexmap[uint16, string](),
	}
	var w io.Writer = f
	if strings.HasSuffix(path, ".gz") {
		d.gz = gzip.NewWriter(f)
		w = d.gz
	}
	d.enc = json.NewEncoder(w)
	return d, nil
}

func (d *DbgSink) record(kind string, dbgID uint16, context int, detail string) {
	if d == nil {
		return
	}
	d.mut.Lock()
	d.enc.Encode(&traceRec{
		Tm:      time.Now().In(gtz).Format(rfc3339NanoNumericTZ0pad),
		Kind:    kind,
		DbgID:   dbgID,
		Context: context,
		Detail:  detail,
	})
	d.mut.Unlock()
}

// AfuConnect registers a session with the sink.
func (d *DbgSink) AfuConnect(dbgID uint16, name string) {
	if d == nil {
		return
	}
	d.afus.Set(dbgID, name)
	d.record("afu_connect", dbgID, 0, name)
}

// AfuDrop releases the sink's per-session tracking during teardown.
func (d *DbgSink) AfuDrop(dbgID uint16) {
	if d == nil {
		return
	}
	name, _ := d.afus.Get(dbgID)
	d.afus.Del(dbgID)
	d.record("afu_drop", dbgID, 0, name)
}

func (d *DbgSink) ContextAdd(dbgID uint16, context int) {
	d.record("context_add", dbgID, context, "")
}

func (d *DbgSink) ContextRemove(dbgID uint16, context int) {
	d.record("context_remove", dbgID, context, "")
}

// Event records a free-form trace point from one of the protocol
// subsystems.
func (d *DbgSink) Event(kind string, dbgID uint16, detail string) {
	d.record(kind, dbgID, 0, detail)
}

func (d *DbgSink) Close() error {
	if d == nil {
		return nil
	}
	d.mut.Lock()
	defer d.mut.Unlock()
	if d.gz != nil {
		d.gz.Close()
	}
	return d.f.Close()
}
