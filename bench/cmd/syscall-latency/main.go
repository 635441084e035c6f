// Package main — syscall-latency.
//
// Measures end-to-end dispatch latency for a single syscall number,
// from Dispatcher.Dispatch entry (capability validation, capability-
// bit check) through its typed handler and back.
//
// Method:
//  1. Builds a standalone Dispatcher wired to the same subsystem
//     constructors kernelcore.New uses, bypassing the budget limiter
//     and audit log so only dispatch-path cost is measured.
//  2. Issues a fixed admin-capability token for AgentRegister in a
//     tight loop, timing each call with time.Now.
//  3. Writes per-iteration latency to a CSV file and reports p50/p95/
//     p99 from a microsecond histogram.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/octoreflex/agentkernel/internal/agent/scheduler"
	"github.com/octoreflex/agentkernel/internal/capability"
	"github.com/octoreflex/agentkernel/internal/memory/fabric"
	"github.com/octoreflex/agentkernel/internal/memory/frame"
	"github.com/octoreflex/agentkernel/internal/memory/vm"
	"github.com/octoreflex/agentkernel/internal/quota"
	"github.com/octoreflex/agentkernel/internal/syscall"
)

func main() {
	iterations := flag.Int("iterations", 10000, "Number of AgentRegister dispatches to measure")
	outputFile := flag.String("output", "syscall_latency_raw.csv", "Output CSV file path")
	flag.Parse()

	now := func() uint64 { return uint64(time.Now().UnixNano()) }
	sched := scheduler.New(nil, now)
	frames := frame.New(4096 * 4096)
	vmMgr := vm.New(frames, nil, nil, nil, now)
	fab := fabric.New(vmMgr, nil, now)
	quotas := quota.New(nil, nil, now)
	dispatcher := syscall.New(sched, vmMgr, fab, frames, quotas, nil, nil, nil, now)

	token := &capability.Token{TokenID: 1, AgentID: 1, Capabilities: ^uint64(0), ExpiresAt: ^uint64(0)}
	token.Signature[0] = 0xAB

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us", "success"})

	var failures int
	var histogram [10001]int // microsecond buckets, 0-10000us

	for i := 0; i < *iterations; i++ {
		start := time.Now()
		result := dispatcher.Dispatch(syscall.AgentRegister, []uint64{uint64(i) + 1}, token)
		latency := time.Since(start)

		if !result.Success {
			failures++
		}
		latencyUs := int(latency.Microseconds())
		if latencyUs < len(histogram) {
			histogram[latencyUs]++
		}
		_ = w.Write([]string{strconv.Itoa(i), strconv.Itoa(latencyUs), strconv.FormatBool(result.Success)})
	}

	p50, p95, p99 := computePercentiles(histogram[:], *iterations)

	fmt.Printf("Syscall Dispatch Latency Results (%d iterations)\n", *iterations)
	fmt.Printf("  Failures: %d/%d\n", failures, *iterations)
	fmt.Printf("  p50: %dus\n", p50)
	fmt.Printf("  p95: %dus\n", p95)
	fmt.Printf("  p99: %dus\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)

	if p99 > 2000 {
		fmt.Fprintf(os.Stderr, "FAIL: p99 %dus exceeds 2000us target\n", p99)
		os.Exit(1)
	}
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
