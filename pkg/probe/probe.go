package probe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/cuemby/rgmanager/pkg/log"
	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/prometheus/procfs"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	// DefaultMaxResults bounds a probe when the caller does not
	DefaultMaxResults = 64

	// terminateMaxResults bounds TerminateAll so a pattern that matches too
	// broadly cannot signal the whole process table
	terminateMaxResults = 256

	// commLen is the length the kernel truncates /proc/<pid>/comm to
	commLen = 15
)

// KillFunc sends a signal to a pid
type KillFunc func(pid int, sig syscall.Signal) error

// Probe inspects the live process table. It holds no state between calls.
type Probe struct {
	fs     procfs.FS
	kill   KillFunc
	self   int
	logger zerolog.Logger
}

// Option configures a Probe
type Option func(*Probe)

// WithKillFunc replaces the signal sender (used by tests)
func WithKillFunc(fn KillFunc) Option {
	return func(p *Probe) { p.kill = fn }
}

// New creates a probe over the proc filesystem mounted at procRoot.
// An empty procRoot uses /proc.
func New(procRoot string, opts ...Option) (*Probe, error) {
	if procRoot == "" {
		procRoot = procfs.DefaultMountPoint
	}

	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open proc filesystem %s: %w", procRoot, err)
	}

	p := &Probe{
		fs:     fs,
		kill:   unix.Kill,
		self:   os.Getpid(),
		logger: log.WithComponent("probe"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// FindProcesses returns processes whose name equals pattern. Names longer
// than the kernel's comm field match on the truncated comm and are confirmed
// against the basename of argv[0], or of the executable. With MatchPID
// only processes whose pid is in pids are returned. At most maxResults
// records are returned; zero matches is an empty slice, not an error.
func (p *Probe) FindProcesses(pattern string, maxResults int, mode types.MatchMode, pids ...int) ([]types.ProcessRecord, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty process pattern")
	}
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	var allowed map[int]bool
	if mode == types.MatchPID {
		allowed = make(map[int]bool, len(pids))
		for _, pid := range pids {
			allowed[pid] = true
		}
		if len(allowed) == 0 {
			return []types.ProcessRecord{}, nil
		}
	}

	procs, err := p.fs.AllProcs()
	if err != nil {
		return nil, &types.TransientProbeError{Pattern: pattern, Err: err}
	}

	records := make([]types.ProcessRecord, 0)
	for _, proc := range procs {
		if allowed != nil && !allowed[proc.PID] {
			continue
		}

		matched, err := matchName(proc, pattern)
		if err != nil {
			// Process exited between listing and reading
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, &types.TransientProbeError{Pattern: pattern, Err: err}
		}
		if !matched {
			continue
		}

		records = append(records, types.ProcessRecord{PID: proc.PID, MatchedPattern: pattern})
		if len(records) >= maxResults {
			p.logger.Warn().
				Str("pattern", pattern).
				Int("max", maxResults).
				Msg("Probe result limit reached")
			break
		}
	}

	return records, nil
}

func matchName(proc procfs.Proc, pattern string) (bool, error) {
	comm, err := proc.Comm()
	if err != nil {
		return false, err
	}
	if len(pattern) <= commLen {
		return comm == pattern, nil
	}
	if comm != pattern[:commLen] {
		return false, nil
	}

	cmdline, err := proc.CmdLine()
	if err != nil {
		return false, err
	}
	if len(cmdline) > 0 && filepath.Base(cmdline[0]) == pattern {
		return true, nil
	}

	// Kernel threads and processes that rewrote argv
	exe, err := proc.Executable()
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return false, nil
		}
		return false, err
	}
	return exe != "" && filepath.Base(exe) == pattern, nil
}

// TerminateAll sends sig to every process named pattern and returns how many
// were signaled. It does not wait for the processes to exit.
func (p *Probe) TerminateAll(pattern string, sig syscall.Signal) (int, error) {
	records, err := p.FindProcesses(pattern, terminateMaxResults, types.MatchName)
	if err != nil {
		return 0, err
	}

	var errs []error
	count := 0
	for _, rec := range records {
		if rec.PID == p.self || rec.PID <= 1 {
			continue
		}
		if err := p.kill(rec.PID, sig); err != nil {
			if errors.Is(err, unix.ESRCH) {
				continue
			}
			errs = append(errs, fmt.Errorf("signal pid %d: %w", rec.PID, err))
			continue
		}
		count++
	}

	if count > 0 {
		p.logger.Info().
			Str("pattern", pattern).
			Str("signal", sig.String()).
			Int("count", count).
			Msg("Signaled processes")
	}

	return count, errors.Join(errs...)
}

// ReadPIDFile reads a pid from a pid file
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d in %s", pid, path)
	}
	return pid, nil
}
