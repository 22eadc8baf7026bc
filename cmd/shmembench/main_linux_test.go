//go:build linux

package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiihann/shmembench/report"
	"github.com/weiihann/shmembench/shmem/shm"
)

func TestLaunchAtomicAddJSON(t *testing.T) {
	// The PE count comes from the segment; run's --pes is ignored.
	out, err := execute(t, "launch", "--pes", "3", "--heap-size", "64KiB", "--",
		"run", "--bench", "AtomicAdd", "--ntimes", "200", "--pes", "7", "--format", "json")
	require.NoError(t, err)

	var doc report.Document
	require.NoError(t, json.Unmarshal([]byte(out), &doc), out)

	assert.Equal(t, "AtomicAdd", doc.Routine)
	assert.Equal(t, 3, doc.NumPEs)
	require.NotNil(t, doc.Readback)
	assert.Equal(t, int32(3*200), *doc.Readback)
}

func TestLaunchBarrierTable(t *testing.T) {
	out, err := execute(t, "launch", "--pes", "2", "--heap-size", "4KiB", "--",
		"run", "--bench", "Barrier", "--ntimes", "50")
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(out, "Test Information"))
	assert.Contains(t, out, shm.Name)
	assert.Contains(t, out, "Number of PEs:          2")
	assert.Equal(t, 1, strings.Count(out, "avg time per barrier (us):"))
}

func TestLaunchSweepTooLargeForHeap(t *testing.T) {
	out, err := execute(t, "launch", "--pes", "2", "--heap-size", "4KiB", "--",
		"run", "--bench", "Get", "--msg-sizes", "1,8192")
	require.Error(t, err)

	assert.NotContains(t, out, "Test Information")
	assert.NotContains(t, out, "Benchmark Results")
}
