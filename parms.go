package pslse

import (
	"os"
	"time"

	json "github.com/goccy/go-json"
)

// Parms are the simulation tunables, read once at startup.
// The zero value is not useful; start from NewParms().
type Parms struct {
	// Timeout bounds the attach payload read and the client
	// memory-return reads, in seconds.
	Timeout int `json:"TIMEOUT"`

	// IdleCycles is how many clock edges we keep driving to an
	// idle AFU before gating the clock off.
	IdleCycles int `json:"IDLE_CYCLES"`

	// Credits is the command credit pool programmed into the AFU
	// over the aux1 interface at session creation.
	Credits int `json:"CREDITS"`

	// MaxClients bounds the client slot table of each session.
	MaxClients int `json:"MAX_CLIENTS"`

	// Seed feeds the response-shuffling randomness; 0 means
	// seed from the clock.
	Seed int64 `json:"SEED"`

	// PagedPercent of eligible responses are returned RespPaged
	// to exercise client retry paths.
	PagedPercent int `json:"PAGED_PERCENT"`
}

func NewParms() *Parms {
	return &Parms{
		Timeout:    10,
		IdleCycles: 20,
		Credits:    64,
		MaxClients: 4,
	}
}

// LoadParms reads a JSON parms file over the NewParms defaults.
// A missing path returns the defaults untouched.
func LoadParms(path string) (*Parms, error) {
	p := NewParms()
	if path == "" {
		return p, nil
	}
	by, err := os.ReadFile(path)
	if err != nil {
		return nil, errf(ErrConfig, err, "cannot read parms file '%v'", path)
	}
	if err := json.Unmarshal(by, p); err != nil {
		return nil, errf(ErrConfig, err, "cannot parse parms file '%v'", path)
	}
	if p.IdleCycles < 1 || p.Credits < 1 || p.MaxClients < 1 {
		return nil, errf(ErrConfig, nil, "parms file '%v' has non-positive tunable", path)
	}
	if p.Seed == 0 {
		p.Seed = time.Now().UnixNano()
	}
	return p, nil
}

func (p *Parms) timeout() time.Duration {
	return time.Duration(p.Timeout) * time.Second
}
