package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/glycerine/pslse"
)

// pslse binds simulated AFUs to application clients. Each -afu flag
// names one simulator endpoint, e.g. -afu afu0.0@localhost:32768.

type afuList []string

func (a *afuList) String() string     { return strings.Join(*a, ",") }
func (a *afuList) Set(s string) error { *a = append(*a, s); return nil }

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var afus afuList
	flag.Var(&afus, "afu", "AFU to attach, as name@host:port (repeatable). Name is e.g. afu0.0")
	var listen = flag.String("listen", ":16384", "address to accept application clients on")
	var parmsPath = flag.String("parms", "", "path to JSON parms file; defaults used when empty")
	var tracePath = flag.String("trace", "", "path for the debug trace file; a .gz suffix compresses it; empty disables tracing")
	flag.Parse()

	if len(afus) == 0 {
		log.Printf("no AFUs given; use -afu name@host:port at least once\n")
		os.Exit(1)
	}

	parms, err := pslse.LoadParms(*parmsPath)
	if err != nil {
		log.Printf("bad parms: '%v'\n", err)
		os.Exit(1)
	}

	var dbg *pslse.DbgSink
	if *tracePath != "" {
		dbg, err = pslse.NewDbgSink(*tracePath)
		if err != nil {
			log.Printf("bad trace path: '%v'\n", err)
			os.Exit(1)
		}
		defer dbg.Close()
	}

	reg := pslse.NewRegistry()
	for _, spec := range afus {
		name, host, port, err := splitAfuSpec(spec)
		if err != nil {
			log.Printf("bad -afu '%v': %v\n", spec, err)
			os.Exit(1)
		}
		if _, err := pslse.NewPsl(reg, parms, name, host, port, dbg); err != nil {
			log.Printf("cannot attach '%v': %v\n", spec, err)
			os.Exit(1)
		}
	}

	srv := pslse.NewServer(reg, parms, dbg)
	if _, err := srv.Start(*listen); err != nil {
		log.Printf("cannot serve clients: '%v'\n", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	srv.Close()
	for _, p := range reg.All() {
		p.Stop()
	}
}

func splitAfuSpec(spec string) (name, host string, port int, err error) {
	at := strings.IndexByte(spec, '@')
	colon := strings.LastIndexByte(spec, ':')
	if at < 0 || colon < at {
		return "", "", 0, &pslse.PslError{Kind: pslse.ErrConfig, Msg: "want name@host:port"}
	}
	name = spec[:at]
	host = spec[at+1 : colon]
	port, err = strconv.Atoi(spec[colon+1:])
	if err != nil {
		return "", "", 0, &pslse.PslError{Kind: pslse.ErrConfig, Msg: "bad port", Err: err}
	}
	return name, host, port, nil
}
