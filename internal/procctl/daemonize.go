package procctl

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// StartupLimits is the one-shot process posture the original sets up
// during RM_START before entering the main loop: file descriptor and
// core-dump rlimits, an optional memory lock, a nice level, and an OOM
// score adjustment. Go's runtime is multi-threaded from the start so this
// module skips the original's double-fork daemonization and instead
// assumes the caller (init system, procctl wrapper) already detached the
// process.
type StartupLimits struct {
	MaxOpenFiles uint64
	LockMemory   bool
	NiceLevel    int
	DisableOOMKiller bool
}

// Apply sets every configured limit, continuing past individual failures
// (as the original does, logging rather than aborting) and returning one
// error per limit that could not be applied.
func Apply(l StartupLimits) []error {
	var errs []error

	if l.MaxOpenFiles > 0 {
		rl := unix.Rlimit{Cur: l.MaxOpenFiles, Max: l.MaxOpenFiles}
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
			errs = append(errs, fmt.Errorf("RLIMIT_NOFILE: %w", err))
		}
	}

	coreRl := unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &coreRl); err != nil {
		errs = append(errs, fmt.Errorf("RLIMIT_CORE: %w", err))
	}

	if l.LockMemory {
		if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
			errs = append(errs, fmt.Errorf("mlockall: %w", err))
		}
	}

	if l.NiceLevel != 0 {
		if err := unix.Setpriority(unix.PRIO_PROCESS, 0, l.NiceLevel); err != nil {
			errs = append(errs, fmt.Errorf("setpriority: %w", err))
		}
	}

	if l.DisableOOMKiller {
		if err := writeOOMScoreAdj(-1000); err != nil {
			errs = append(errs, fmt.Errorf("oom_score_adj: %w", err))
		}
	}

	return errs
}

func writeOOMScoreAdj(score int) error {
	return os.WriteFile("/proc/self/oom_score_adj", []byte(strconv.Itoa(score)), 0644)
}
