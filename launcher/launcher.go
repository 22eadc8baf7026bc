// Package launcher starts a group of PE processes that share one segment.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/weiihann/shmembench/shmem/shm"
	"golang.org/x/sync/errgroup"
)

// DefaultHeapSize is the per-PE symmetric heap used when none is given. It
// fits the default message sweep with room for the atomic cells.
const DefaultHeapSize = 4 << 20

// Config holds parameters for a single launch.
type Config struct {
	NumPEs   int
	HeapSize int64
	Timeout  time.Duration

	// Binary is the program every PE runs, with Args as its arguments.
	// Env is appended to the inherited environment.
	Binary string
	Args   []string
	Env    []string

	Stdout io.Writer
	Stderr io.Writer
}

// Launcher creates a segment and runs one child process per PE against it.
type Launcher struct {
	Logger *slog.Logger
}

// New creates a Launcher.
func New(logger *slog.Logger) *Launcher {
	return &Launcher{Logger: logger}
}

// Run launches cfg.NumPEs copies of cfg.Binary and waits for all of them. If
// any PE fails, the segment is aborted so the others leave their barriers
// instead of hanging. Every PE failure is reported.
func (l *Launcher) Run(ctx context.Context, cfg Config) error {
	if cfg.NumPEs < 1 {
		return fmt.Errorf("launch: need at least one PE, got %d", cfg.NumPEs)
	}

	if cfg.Binary == "" {
		return errors.New("launch: no binary given")
	}

	if cfg.HeapSize == 0 {
		cfg.HeapSize = DefaultHeapSize
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	path := shm.SegmentPath(uuid.NewString())

	seg, err := shm.Create(path, cfg.NumPEs, cfg.HeapSize)
	if err != nil {
		return fmt.Errorf("launch: %w", err)
	}

	defer func() {
		if err := seg.Remove(); err != nil {
			l.Logger.Warn("failed to remove segment",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}()

	l.Logger.InfoContext(ctx, "launching PEs",
		slog.String("binary", cfg.Binary),
		slog.Int("pes", cfg.NumPEs),
		slog.Int64("heap_size", seg.HeapSize()),
		slog.String("segment", path),
	)

	stdout := syncWriter(cfg.Stdout, os.Stdout)
	stderr := syncWriter(cfg.Stderr, os.Stderr)

	wallStart := time.Now()
	errs := make([]error, cfg.NumPEs)

	var g errgroup.Group
	for pe := 0; pe < cfg.NumPEs; pe++ {
		cmd := exec.CommandContext(ctx, cfg.Binary, cfg.Args...)
		cmd.Env = append(os.Environ(), cfg.Env...)
		cmd.Env = append(cmd.Env,
			shm.EnvSegment+"="+path,
			shm.EnvPE+"="+strconv.Itoa(pe),
		)
		cmd.Stdout = stdout
		cmd.Stderr = stderr

		if err := cmd.Start(); err != nil {
			seg.Abort()
			_ = g.Wait()

			return errors.Join(append(errs, fmt.Errorf("start PE %d: %w", pe, err))...)
		}

		pe := pe
		g.Go(func() error {
			if err := cmd.Wait(); err != nil {
				seg.Abort()
				errs[pe] = fmt.Errorf("PE %d: %w", pe, err)
			}

			return nil
		})
	}

	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		return err
	}

	l.Logger.InfoContext(ctx, "PEs finished",
		slog.Duration("wall_time", time.Since(wallStart)),
		slog.Int("attached", seg.Attached()),
	)

	return nil
}

// syncWriter serializes writes from several children onto one writer. An
// *os.File is handed to the children directly.
func syncWriter(w, fallback io.Writer) io.Writer {
	if w == nil {
		w = fallback
	}

	if _, ok := w.(*os.File); ok {
		return w
	}

	return &lockedWriter{w: w}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	return lw.w.Write(p)
}
