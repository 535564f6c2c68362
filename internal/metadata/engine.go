package metadata

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const metaFileBufferSize = 1 << 16

// fileNames are the on-disk files an Engine manages, relative to DataPath.
const (
	fileCurrent = "metadata.mfs"
	fileBack    = "metadata.mfs.back"
	fileTmp     = "metadata.mfs.back.tmp"
	fileCRC     = "metadata.crc"
)

// LastSaveStatus mirrors laststorestatus: 0 = never, 1 = emergency, 2 = ok.
type LastSaveStatus int

const (
	SaveNever LastSaveStatus = iota
	SaveEmergency
	SaveOK
	SaveFailed
)

// ExitRequester lets the engine ask the process to shut down when a
// background snapshot reports a non-zero result: an emergency save or a
// total failure. cmd/mfsmaster satisfies it with a wrapper that calls
// (*reactor.Reactor).NotifyInternalExit.
type ExitRequester interface {
	RequestExit()
}

// Engine owns one master's metadata image: the registry of sections, the
// current (metaversion, metaid) pair, and the bookkeeping a save/restore
// cycle needs.
type Engine struct {
	log      *logrus.Entry
	dataPath string
	registry *Registry
	exit     ExitRequester

	// stateMu guards the section list a save copies per SPEC_FULL.md §4:
	// writeImage (used by Store and SnapshotBackground alike) holds the
	// read-lock just long enough to copy the section list, then streams
	// the sections without it.
	stateMu sync.RWMutex

	metaversion uint64 // atomic
	metaid      uint64 // atomic

	backMetaCopies uint32
	ignoreMode     bool

	statsMu          sync.Mutex
	lastSuccessStore int64
	lastStoreSeconds float64
	lastStoreStatus  LastSaveStatus
}

// NewEngine wires a registry of section collaborators into an engine
// rooted at dataPath.
func NewEngine(log *logrus.Entry, dataPath string, registry *Registry, exit ExitRequester, backMetaCopies uint32, ignoreMode bool) *Engine {
	if backMetaCopies > 99 {
		backMetaCopies = 99
	}
	return &Engine{
		log:            log,
		dataPath:       dataPath,
		registry:       registry,
		exit:           exit,
		backMetaCopies: backMetaCopies,
		ignoreMode:     ignoreMode,
	}
}

func (e *Engine) path(name string) string { return filepath.Join(e.dataPath, name) }

func (e *Engine) MetaVersion() uint64 { return atomic.LoadUint64(&e.metaversion) }
func (e *Engine) MetaID() uint64      { return atomic.LoadUint64(&e.metaid) }

// SetMetaVersion and SetMetaID seed the engine's in-memory counters, e.g.
// after Load or Restore.
func (e *Engine) SetMetaVersion(v uint64) { atomic.StoreUint64(&e.metaversion, v) }
func (e *Engine) SetMetaID(id uint64)     { atomic.StoreUint64(&e.metaid, id) }

// IncMetaVersion bumps and returns the new metaversion, called once per
// applied changelog entry.
func (e *Engine) IncMetaVersion() uint64 { return atomic.AddUint64(&e.metaversion, 1) }

func (e *Engine) LastSaveInfo() (successAt int64, seconds float64, status LastSaveStatus) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.lastSuccessStore, e.lastStoreSeconds, e.lastStoreStatus
}

func (e *Engine) recordSave(status LastSaveStatus, seconds float64) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.lastStoreStatus = status
	e.lastStoreSeconds = seconds
	if status == SaveOK || status == SaveEmergency {
		e.lastSuccessStore = time.Now().Unix()
	}
}

// writeImage streams the signature, header, every registered section (in
// order, with a patched-back length and an optional CRC record), and the
// EOF marker to w/f. f is needed alongside the buffered w to seek for the
// length patch-back, mirroring meta_store_chunk's bio_seek dance.
func (e *Engine) writeImage(f *os.File, w *bufio.Writer, crcw *bufio.Writer) error {
	if _, err := w.WriteString(signature); err != nil {
		return err
	}

	var hdr [16]byte
	binary.BigEndian.PutUint64(hdr[0:8], e.MetaVersion())
	binary.BigEndian.PutUint64(hdr[8:16], e.MetaID())
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	e.stateMu.RLock()
	tags := e.registry.OrderedTags()
	secs := make([]Section, len(tags))
	for i, tag := range tags {
		secs[i], _ = e.registry.Lookup(tag)
	}
	e.stateMu.RUnlock()

	for i, tag := range tags {
		sec := secs[i]
		ver := sec.Source.StorageVersion()

		lenOffset, err := writeSectionHeader(f, w, tag, ver)
		if err != nil {
			return fmt.Errorf("section %s header: %w", tag, err)
		}

		var cw *crc32Writer
		var dst io.Writer = w
		if crcw != nil {
			cw = newCRC32Writer(w)
			dst = cw
		}
		if err := sec.Source.WriteSection(dst); err != nil {
			return fmt.Errorf("section %s payload: %w", tag, err)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		endPos, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}
		length := uint64(endPos) - uint64(lenOffset) - 8
		if err := patchSectionLength(f, w, lenOffset, length); err != nil {
			return fmt.Errorf("section %s length patch: %w", tag, err)
		}

		if crcw != nil {
			var rec [8]byte
			copy(rec[0:4], tag)
			binary.BigEndian.PutUint32(rec[4:8], cw.crc)
			if _, err := crcw.Write(rec[:]); err != nil {
				return err
			}
		}
	}

	if _, err := w.WriteString(eofMarker); err != nil {
		return err
	}
	return w.Flush()
}

// Store streams a full image to metadata.mfs.back.tmp and, on success,
// rotates backups and promotes the temp file into place. When another
// save already holds the advisory lock on the temp file, Store returns
// ErrLocked without writing anything.
func (e *Engine) Store() error {
	if e.MetaVersion() == 0 {
		return fmt.Errorf("metadata: refusing to store before first load")
	}

	if locked, err := e.tmpFileLocked(); err != nil {
		return err
	} else if locked {
		return ErrLocked
	}

	start := time.Now()
	err := e.storeOnce()
	elapsed := time.Since(start).Seconds()
	if err != nil {
		e.recordSave(SaveFailed, elapsed)
		return e.emergencyFallback(err)
	}
	e.recordSave(SaveOK, elapsed)
	return nil
}

// tmpFileLocked reports whether another save already holds the advisory
// whole-file lock on the temp file.
func (e *Engine) tmpFileLocked() (bool, error) {
	f, err := os.OpenFile(e.path(fileTmp), os.O_RDWR, 0644)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrIOError, err)
	}
	defer f.Close()

	lock := unix.Flock_t{Type: unix.F_WRLCK, Whence: io.SeekStart, Start: 0, Len: 0}
	if err := unix.FcntlFlock(f.Fd(), unix.F_GETLK, &lock); err != nil {
		return false, fmt.Errorf("%w: %v", ErrIOError, err)
	}
	return lock.Type != unix.F_UNLCK, nil
}

func (e *Engine) storeOnce() error {
	f, err := os.OpenFile(e.path(fileTmp), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := lockWholeFile(f); err != nil {
		return fmt.Errorf("already locked: %w", err)
	}

	crcFile, err := os.Create(e.path(fileCRC))
	if err != nil {
		return err
	}
	defer crcFile.Close()
	crcw := bufio.NewWriter(crcFile)

	w := bufio.NewWriterSize(f, metaFileBufferSize)
	if err := e.writeImage(f, w, crcw); err != nil {
		os.Remove(e.path(fileTmp))
		return err
	}
	if err := crcw.Flush(); err != nil {
		return err
	}

	return e.promoteTmp()
}

// promoteTmp rotates the existing backups and renames the temp file into
// the canonical metadata.mfs.back, matching meta_storeall's rotation loop.
func (e *Engine) promoteTmp() error {
	if e.backMetaCopies > 0 {
		for n := int(e.backMetaCopies) - 1; n > 0; n-- {
			os.Rename(e.path(fmt.Sprintf("metadata.mfs.back.%d", n)), e.path(fmt.Sprintf("metadata.mfs.back.%d", n+1)))
		}
		os.Rename(e.path(fileBack), e.path("metadata.mfs.back.1"))
	}
	if err := os.Rename(e.path(fileTmp), e.path(fileBack)); err != nil {
		return err
	}
	os.Remove(e.path(fileCurrent))
	return nil
}

// Load reads a complete image from path into the registered sections.
func (e *Engine) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoFile, err)
	}
	defer f.Close()

	var sig [8]byte
	if _, err := io.ReadFull(f, sig[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	if string(sig[:]) == "MFSM NEW" {
		e.SetMetaVersion(1)
		e.SetMetaID(0)
		return nil
	}
	if !isVersionedSignature(sig[:]) {
		return ErrBadHeader
	}

	var hdr [16]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	version := binary.BigEndian.Uint64(hdr[0:8])
	id := binary.BigEndian.Uint64(hdr[8:16])

	r := bufio.NewReaderSize(f, metaFileBufferSize)
	for {
		var shdr [16]byte
		if _, err := io.ReadFull(r, shdr[:]); err != nil {
			return fmt.Errorf("%w: %v", ErrIOError, err)
		}
		if string(shdr[:]) == eofMarker {
			break
		}
		tag := string(shdr[0:4])
		ver := SectionVersion{Major: shdr[5] - '0', Minor: shdr[7] - '0'}
		length := binary.BigEndian.Uint64(shdr[8:16])

		sec, ok := e.registry.Lookup(tag)
		if !ok {
			if e.ignoreMode && length != ^uint64(0) {
				if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
					return fmt.Errorf("%w: %v", ErrIOError, err)
				}
				continue
			}
			return fmt.Errorf("%w: %s", ErrUnknownSection, tag)
		}

		cur := sec.Sink.CurrentVersion()
		if ver.Major > cur.Major || (ver.Major == cur.Major && ver.Minor > cur.Minor) {
			return fmt.Errorf("%w: section %s is %s, code supports up to %s", ErrVersionTooNew, tag, ver, cur)
		}

		var n int64 = -1
		var lr io.Reader = r
		if length != ^uint64(0) {
			n = int64(length)
			lr = io.LimitReader(r, n)
		}
		counting := &countingReader{r: lr}
		if err := sec.Sink.LoadSection(counting, ver, n); err != nil {
			return fmt.Errorf("section %s: %w", tag, err)
		}
		if n >= 0 && counting.n != n {
			if !e.ignoreMode {
				return fmt.Errorf("%w: section %s consumed %d of %d bytes", ErrLengthMismatch, tag, counting.n, n)
			}
			if counting.n < n {
				io.CopyN(io.Discard, r, n-counting.n)
			}
		}
	}

	e.SetMetaVersion(version)
	e.SetMetaID(id)
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
