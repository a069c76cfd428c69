package intmap

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// cacheLineSize is used in structure padding to prevent false sharing
// between the current-core pointer and a core's hot fields. Computed from
// golang.org/x/sys/cpu rather than hardcoded, so it tracks the build target.
const cacheLineSize = unsafe.Sizeof(cpu.CacheLinePad{})
