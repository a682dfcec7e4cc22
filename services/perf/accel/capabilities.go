// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package accel

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// DetectCapabilities reports what the host can run.
//
// # Description
//
// SIMD is reported when the CPU has 128-bit vector instructions the module
// runtime can lower WebAssembly SIMD to (SSE4.1 on amd64, ASIMD on arm64).
// The remaining WebAssembly 2.0 features are implemented in software by the
// runtime and are always present. Threads require more than one CPU.
func DetectCapabilities() CapabilitySet {
	caps := NewCapabilitySet(
		CapabilityBulkMemory,
		CapabilityMultiValue,
		CapabilitySignExtend,
		CapabilityNonTrapping,
	)
	if hostHasSIMD() {
		caps[CapabilitySIMD] = true
	}
	if runtime.NumCPU() > 1 {
		caps[CapabilityThreads] = true
	}
	return caps
}

func hostHasSIMD() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasSSE41
	case "arm64":
		return cpu.ARM64.HasASIMD
	default:
		return false
	}
}
