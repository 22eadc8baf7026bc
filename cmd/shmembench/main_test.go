package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiihann/shmembench/bench"
	"github.com/weiihann/shmembench/report"
	"github.com/weiihann/shmembench/shmem/shm"
)

// TestMain runs the CLI as a PE when the test binary is started by
// "shmembench launch".
func TestMain(m *testing.M) {
	if shm.Launched() {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		root := newRootCmd(logger, new(slog.LevelVar))
		root.SetArgs(os.Args[1:])

		if err := root.Execute(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		os.Exit(0)
	}

	os.Exit(m.Run())
}

// execute runs the CLI with args and returns what it wrote to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(shm.EnvSegment, "")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := newRootCmd(logger, new(slog.LevelVar))

	var stdout bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(io.Discard)
	root.SetArgs(args)

	err := root.Execute()

	return stdout.String(), err
}

func TestRunBarrier(t *testing.T) {
	out, err := execute(t, "run", "--bench", "Barrier", "--ntimes", "100", "--pes", "4")
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(out, "Test Information"))
	assert.Equal(t, 1, strings.Count(out, "avg time per barrier (us):"))
	assert.Contains(t, out, "Number of PEs:          4")
	assert.NotContains(t, out, "Msg Size")
}

func TestRunGetTable(t *testing.T) {
	out, err := execute(t, "run", "--bench", "get", "--ntimes", "10", "--msg-sizes", "1,4,16")
	require.NoError(t, err)

	assert.Contains(t, out, "size (b)")
	assert.Contains(t, out, "Min Msg Size (bytes):   1")
	assert.Contains(t, out, "Max Msg Size (bytes):   16")

	var sizes []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 3 && (fields[0] == "1" || fields[0] == "4" || fields[0] == "16") {
			sizes = append(sizes, fields[0])
		}
	}

	assert.Equal(t, []string{"1", "4", "16"}, sizes)
}

func TestRunPutJSON(t *testing.T) {
	out, err := execute(t, "run", "--bench", "Put", "--ntimes", "5",
		"--msg-size-max", "8", "--format", "json")
	require.NoError(t, err)

	var doc report.Document
	require.NoError(t, json.Unmarshal([]byte(out), &doc))

	assert.Equal(t, "Put", doc.Routine)
	assert.Equal(t, 2, doc.NumPEs)
	require.Len(t, doc.Rows, 4)

	for i, want := range []int{1, 2, 4, 8} {
		assert.Equal(t, want, doc.Rows[i].SizeBytes)
	}
}

func TestRunAtomicAddReadback(t *testing.T) {
	out, err := execute(t, "run", "--bench", "AtomicAdd", "--ntimes", "500", "--format", "json")
	require.NoError(t, err)

	var doc report.Document
	require.NoError(t, json.Unmarshal([]byte(out), &doc))

	require.NotNil(t, doc.Readback)
	assert.Equal(t, int32(1000), *doc.Readback)
	require.NotNil(t, doc.AvgMicros)
	assert.Empty(t, doc.Rows)
}

func TestRunYAML(t *testing.T) {
	out, err := execute(t, "run", "--bench", "atomic-fetch", "--ntimes", "20", "--format", "yaml")
	require.NoError(t, err)

	assert.Contains(t, out, "routine: AtomicFetch")
	assert.NotContains(t, out, "Test Information")
}

func TestRunCollectiveJSON(t *testing.T) {
	for _, name := range []string{"broadcast", "fcollect", "all-to-all", "put-nbi", "get-nbi"} {
		out, err := execute(t, "run", "--bench", name, "--ntimes", "4", "--pes", "3",
			"--msg-sizes", "2,64", "--format", "json")
		require.NoError(t, err, name)

		var doc report.Document
		require.NoError(t, json.Unmarshal([]byte(out), &doc), name)

		assert.Equal(t, 3, doc.NumPEs, name)
		require.Len(t, doc.Rows, 2, name)
		assert.Equal(t, 2, doc.Rows[0].SizeBytes, name)
		assert.Equal(t, 64, doc.Rows[1].SizeBytes, name)
	}
}

func TestRunLongFormRoutineName(t *testing.T) {
	out, err := execute(t, "run", "--bench", "AtomicIncrement", "--ntimes", "10", "--format", "json")
	require.NoError(t, err)

	var doc report.Document
	require.NoError(t, json.Unmarshal([]byte(out), &doc))

	assert.Equal(t, "AtomicInc", doc.Routine)
	require.NotNil(t, doc.Readback)
	assert.Equal(t, int32(20), *doc.Readback)
}

func TestRunBidirectional(t *testing.T) {
	out, err := execute(t, "run", "--bench", "Put", "--bidirectional", "--pes", "4",
		"--ntimes", "3", "--msg-sizes", "16", "--format", "json")
	require.NoError(t, err)

	var doc report.Document
	require.NoError(t, json.Unmarshal([]byte(out), &doc))

	assert.True(t, doc.Bidirectional)
	assert.Equal(t, 4, doc.NumPEs)
	require.Len(t, doc.Rows, 1)
}

func TestRunRejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want error
	}{
		{
			name: "zero max size",
			args: []string{"run", "--bench", "Get", "--msg-size-max", "0"},
			want: bench.ErrInvalidSize,
		},
		{
			name: "zero size in list",
			args: []string{"run", "--bench", "Put", "--msg-sizes", "4,0"},
			want: bench.ErrInvalidSize,
		},
		{
			name: "zero ntimes",
			args: []string{"run", "--bench", "Barrier", "--ntimes", "0"},
			want: bench.ErrInvalidConfig,
		},
		{name: "unknown routine", args: []string{"run", "--bench", "Allreduce"}},
		{name: "missing bench", args: []string{"run"}},
		{
			name: "both size flags",
			args: []string{"run", "--bench", "Get", "--msg-size-max", "8", "--msg-sizes", "1"},
		},
		{name: "bad format", args: []string{"run", "--bench", "Get", "--format", "xml"}},
		{name: "bad log level", args: []string{"--log-level", "loud", "routines"}},
		{name: "no PEs", args: []string{"run", "--bench", "Barrier", "--pes", "0"}},
		{
			name: "bidirectional barrier",
			args: []string{"run", "--bench", "Barrier", "--bidirectional"},
			want: bench.ErrInvalidConfig,
		},
		{
			name: "bidirectional odd PEs",
			args: []string{"run", "--bench", "Get", "--bidirectional", "--pes", "3", "--msg-sizes", "4"},
			want: bench.ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			require.Error(t, err)

			if tt.want != nil {
				assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
			}

			assert.NotContains(t, out, "Benchmark Results")
		})
	}
}

func TestRoutinesCmd(t *testing.T) {
	out, err := execute(t, "routines")
	require.NoError(t, err)

	for _, r := range bench.Routines() {
		assert.Contains(t, out, r.String())
	}

	assert.Contains(t, out, "compare+swap")
}

func TestLaunchRejectsBadHeapSize(t *testing.T) {
	_, err := execute(t, "launch", "--heap-size", "lots", "--", "run", "--bench", "Barrier")
	assert.ErrorContains(t, err, "--heap-size")
}
