package metadata

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"
)

// Changelog is the external collaborator that owns changelog.%d.mfs files:
// appending entries as they're applied, rotating them once per hour, and
// replaying a span of them during restore. Grounded on
// original_source/mfsmaster/changelog.c's changelog_rotate/change_log.
type Changelog interface {
	// Rotate renames changelog.N.mfs -> changelog.(N+1).mfs up to keep
	// copies and opens a fresh changelog.0.mfs, called once an hour.
	Rotate(keep int) error
	// Replay applies every entry in files, in order, whose version is
	// > startVersion, tolerating a gap of at most maxGap between the
	// highest applied version and the image's metaversion. It returns the
	// version reached.
	Replay(files []string, startVersion uint64, maxGap uint64) (uint64, error)
}

var changelogNameRe = regexp.MustCompile(`^changelog\.(\d+)\.mfs(\.gz)?$`)

// IsChangelogName reports whether name matches the changelog.N.mfs[.gz]
// pattern.
func IsChangelogName(name string) bool {
	return changelogNameRe.MatchString(filepath.Base(name))
}

// changelogIndex extracts the rotation index N from changelog.N.mfs.
func changelogIndex(name string) (int, bool) {
	m := changelogNameRe.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// SortChangelogsDescending orders changelog file paths from most recent
// (changelog.0.mfs, the currently-open one) to oldest, the order
// meta_loadall scans them in when searching for a replay starting point.
func SortChangelogsDescending(paths []string) []string {
	out := append([]string(nil), paths...)
	sort.Slice(out, func(i, j int) bool {
		ni, _ := changelogIndex(out[i])
		nj, _ := changelogIndex(out[j])
		return ni < nj
	})
	return out
}

// RotatePeriodic performs the hourly changelog rotation and, when the
// elapsed hour count is a multiple of saveFreq, triggers a background
// snapshot. nowHour is main_time()/3600 from the original's
// meta_dostoreall; callers drive this from a reactor.Timer with a
// 1-hour period.
func (e *Engine) RotatePeriodic(cl Changelog, nowHour uint64, saveFreq uint32, backLogs int) {
	if err := cl.Rotate(backLogs); err != nil {
		e.log.WithError(err).Error("changelog rotate failed")
	}
	if saveFreq == 0 {
		saveFreq = 1
	}
	if nowHour%uint64(saveFreq) != 0 {
		return
	}
	go e.SnapshotBackground()
}

// CapSaveFreq clamps MetaSaveFreq to at most BackLogs/2, matching the
// reload-time cap from spec §6.
func CapSaveFreq(saveFreq uint32, backLogs int) uint32 {
	max := uint32(backLogs / 2)
	if max == 0 {
		max = 1
	}
	if saveFreq > max {
		return max
	}
	if saveFreq == 0 {
		return 1
	}
	return saveFreq
}

// applySetMetaID is the replicated-operation handler for SETMETAID: it
// only accepts the assignment when the engine has no id yet or the id
// already matches, mirroring the original's rejection of a divergent
// assignment from a leader replaying a foreign id.
func (e *Engine) applySetMetaID(id uint64) error {
	cur := e.MetaID()
	if cur != 0 && cur != id {
		return fmt.Errorf("metadata: refusing SETMETAID(%d), current id is %d", id, cur)
	}
	e.SetMetaID(id)
	return nil
}

func newChangelogLogger(log *logrus.Entry) *logrus.Entry {
	return log.WithField("component", "changelog")
}
