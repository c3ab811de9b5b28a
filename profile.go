package main

import (
	"log"
	"os"
	"runtime"
	"runtime/pprof"
)

// profile starts cpu profiling if cpupath is set. The returned function stops
// it, and writes a heap profile if mempath is set.
func profile(cpupath, mempath string) func() {
	var cpuf *os.File
	if cpupath != "" {
		var err error
		cpuf, err = os.Create(cpupath)
		xcheckf(err, "creating cpu profile")
		err = pprof.StartCPUProfile(cpuf)
		xcheckf(err, "start cpu profile")
	}

	return func() {
		if cpuf != nil {
			pprof.StopCPUProfile()
			if err := cpuf.Close(); err != nil {
				log.Printf("closing cpu profile: %v", err)
			}
		}
		if mempath == "" {
			return
		}
		f, err := os.Create(mempath)
		xcheckf(err, "creating memory profile")
		defer func() {
			if err := f.Close(); err != nil {
				log.Printf("closing memory profile: %v", err)
			}
		}()
		runtime.GC() // For up-to-date statistics.
		err = pprof.WriteHeapProfile(f)
		xcheckf(err, "writing memory profile")
	}
}
