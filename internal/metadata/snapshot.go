package metadata

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// emergencyDirs are the well-known absolute paths meta_storeall falls back
// to, in order, after the working directory and $HOME both fail.
var emergencyDirs = []string{
	"/tmp", "/var", "/usr", "/usr/share", "/usr/local", "/usr/local/var", "/usr/local/share",
}

// SnapshotResult reports the outcome of a background snapshot the way the
// original's forked child would have via its exit code: 0 ok, 1 emergency
// save, 2 total failure. Go has no real child to exit, so the reactor
// learns of any result other than ok through ExitRequester.RequestExit.
type SnapshotResult struct {
	OK        bool
	Emergency bool
	Path      string
	Err       error
}

// SnapshotBackground is the lock-protected goroutine replacement for the
// original's fork()-based background save (SPEC_FULL.md §4). It takes the
// same advisory lock on metadata.mfs.back.tmp a foreground Store would, so
// the two can never race, then streams the image while holding only a
// brief read-lock over the section snapshot (stateMu), rather than a
// process-wide copy-on-write snapshot.
func (e *Engine) SnapshotBackground() SnapshotResult {
	if e.MetaVersion() == 0 {
		return SnapshotResult{OK: true}
	}

	if locked, err := e.tmpFileLocked(); err != nil {
		return SnapshotResult{Err: err}
	} else if locked {
		e.log.Warn("background save skipped: another save already in progress")
		return SnapshotResult{OK: true}
	}

	start := time.Now()
	err := e.storeOnce()
	elapsed := time.Since(start).Seconds()
	if err == nil {
		e.recordSave(SaveOK, elapsed)
		return SnapshotResult{OK: true, Path: e.path(fileBack)}
	}

	e.recordSave(SaveFailed, elapsed)
	e.log.WithError(err).Error("background metadata save failed, attempting emergency save")

	path, emErr := e.emergencySave()
	if emErr != nil {
		e.log.WithError(emErr).Error("emergency metadata save failed too")
		if e.exit != nil {
			e.exit.RequestExit()
		}
		return SnapshotResult{Err: fmt.Errorf("store: %v; emergency: %v", err, emErr)}
	}
	e.recordSave(SaveEmergency, elapsed)
	if e.exit != nil {
		e.exit.RequestExit()
	}
	return SnapshotResult{Emergency: true, Path: path}
}

// emergencyFallback wraps a foreground Store failure: it tries the same
// fallback chain but, unlike SnapshotBackground, returns the original
// error to the caller rather than requesting process exit — a foreground
// caller (e.g. a CLI "test" run) is better placed to decide what happens
// next.
func (e *Engine) emergencyFallback(storeErr error) error {
	path, err := e.emergencySave()
	if err != nil {
		return fmt.Errorf("store failed (%v) and emergency save failed (%v)", storeErr, err)
	}
	e.log.WithField("path", path).Warn("metadata stored to emergency location after primary save failed")
	return nil
}

// emergencySave tries, in order: ./metadata.mfs.emergency, then
// $HOME/metadata.mfs.emergency, then each directory of emergencyDirs in
// turn, stopping at the first location writeImage succeeds in.
func (e *Engine) emergencySave() (string, error) {
	candidates := []string{filepath.Join(e.dataPath, "metadata.mfs.emergency")}
	for _, dir := range e.emergencySearchDirs() {
		candidates = append(candidates, filepath.Join(dir, "metadata.mfs.emergency"))
	}

	var lastErr error
	for _, path := range candidates {
		if err := e.writeImageTo(path); err != nil {
			lastErr = err
			continue
		}
		return path, nil
	}
	return "", fmt.Errorf("no writable emergency location (last error: %v)", lastErr)
}

func (e *Engine) writeImageTo(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriterSize(f, metaFileBufferSize)
	return e.writeImage(f, w, nil)
}

// lockWholeFile takes an advisory whole-file write lock via fcntl,
// matching the original's lockf(fd, F_TLOCK, 0) on metadata.mfs.back.tmp.
func lockWholeFile(f *os.File) error {
	lock := unix.Flock_t{Type: unix.F_WRLCK, Whence: io.SeekStart, Start: 0, Len: 0}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lock)
}
