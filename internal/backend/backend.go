// Package backend names the execution devices a model can be bound to.
package backend

import (
	"fmt"
	"runtime/debug"
	"strings"
)

const (
	CPU  = "cpu"
	CUDA = "cuda"
	Auto = "auto"
)

// device describes one compiled-in execution device.
type device struct {
	// release hands cached memory back after a model bound to the device is
	// closed.
	release func()
}

// devices lists the backends this build can execute on. The GPT-2 runtime is
// pure Go, so only the CPU is registered.
var devices = map[string]device{
	CPU: {release: debug.FreeOSMemory},
}

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case CPU, CUDA, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, cpu, or cuda)", backend)
	}
}

// Has reports whether the named backend is available in this build.
func Has(name string) bool {
	_, ok := devices[name]
	return ok
}

// Select resolves a backend preference to a concrete device. Auto prefers an
// accelerator and falls back to the CPU; naming an unavailable backend is an
// error.
func Select(preference string) (string, error) {
	name, err := Normalize(preference)
	if err != nil {
		return "", err
	}
	if name == Auto {
		if Has(CUDA) {
			return CUDA, nil
		}
		return CPU, nil
	}
	if !Has(name) {
		return "", fmt.Errorf("%s backend is not available in this build (available: %s)", name, Available())
	}
	return name, nil
}

// Release returns memory cached on behalf of models that ran on device.
func Release(name string) {
	if d, ok := devices[name]; ok && d.release != nil {
		d.release()
	}
}
