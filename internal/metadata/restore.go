package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
)

// candidateImage is one metadata* file found in a data directory,
// validated enough to compare against its siblings.
type candidateImage struct {
	path    string
	version uint64
	id      uint64
}

// AutoRestore implements meta_loadall's startup recovery: pick the
// highest-version image among metadata.mfs / metadata.mfs.back[.N],
// refuse the whole restore if any image's metaid diverges from the chosen
// one unless ignoreMode is set, load it, then hand every changelog file in
// dataPath (oldest first) to cl.Replay with the image's metaversion as the
// start and maxGap as the tolerated gap. Changelog files are not filtered
// by their version range here; Replay is not called when there are none.
func (e *Engine) AutoRestore(cl Changelog, maxGap uint64) error {
	images, err := e.findImages()
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return fmt.Errorf("%w: no metadata image found in %s", ErrNoFile, e.dataPath)
	}

	best := images[0]
	for _, c := range images[1:] {
		if c.version > best.version {
			best = c
		}
	}
	if !e.ignoreMode {
		for _, c := range images {
			if c.id != 0 && best.id != 0 && c.id != best.id {
				return fmt.Errorf("metadata: divergent metaid across images (%d vs %d); rerun with ignore mode to proceed anyway", c.id, best.id)
			}
		}
	}

	if err := e.Load(best.path); err != nil {
		return fmt.Errorf("loading %s: %w", best.path, err)
	}

	if err := e.promoteLoadedImage(best.path); err != nil {
		e.log.WithError(err).Warn("could not retire loaded image file after load")
	}

	files, err := e.findChangelogs()
	if err != nil {
		return err
	}
	if len(files) > 0 && cl != nil {
		reached, err := cl.Replay(files, e.MetaVersion(), maxGap)
		if err != nil {
			return fmt.Errorf("replaying changelogs: %w", err)
		}
		e.SetMetaVersion(reached)
	}

	return nil
}

// findImages scans dataPath for metadata.mfs and metadata.mfs.back[.N],
// validating each with CheckFile. Once a non-zero metaid has turned up
// among those, it also consults $HOME and the well-known emergency
// locations (the same candidates emergencySave writes to) for a matching
// metadata.mfs.emergency, per meta_loadall's fallback search — but only
// once a metaid is known, so a stray emergency file left by an unrelated
// instance elsewhere on the machine is never picked up blind.
func (e *Engine) findImages() ([]candidateImage, error) {
	names := []string{fileCurrent, fileBack}
	for n := 1; n <= 99; n++ {
		names = append(names, fmt.Sprintf("metadata.mfs.back.%d", n))
	}

	var out []candidateImage
	var seenID uint64
	for _, name := range names {
		path := filepath.Join(e.dataPath, name)
		res := CheckFile(path)
		if res.Err != nil {
			continue
		}
		if !res.OK {
			continue
		}
		out = append(out, candidateImage{path: path, version: res.Version, id: res.ID})
		if res.ID != 0 {
			seenID = res.ID
		}
	}

	if seenID != 0 {
		for _, dir := range e.emergencySearchDirs() {
			path := filepath.Join(dir, "metadata.mfs.emergency")
			res := CheckFile(path)
			if res.Err != nil || !res.OK || res.ID != seenID {
				continue
			}
			out = append(out, candidateImage{path: path, version: res.Version, id: res.ID})
		}
	}

	return out, nil
}

// emergencySearchDirs is $HOME followed by emergencyDirs, the same
// locations emergencySave tries in order.
func (e *Engine) emergencySearchDirs() []string {
	var dirs []string
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		dirs = append(dirs, home)
	}
	dirs = append(dirs, emergencyDirs...)
	return dirs
}

// findChangelogs lists changelog.N.mfs files in dataPath, oldest
// (highest N) first.
func (e *Engine) findChangelogs() ([]string, error) {
	entries, err := os.ReadDir(e.dataPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOError, err)
	}
	var paths []string
	for _, ent := range entries {
		if ent.IsDir() || !IsChangelogName(ent.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(e.dataPath, ent.Name()))
	}
	sort.Slice(paths, func(i, j int) bool {
		ni, _ := changelogIndex(paths[i])
		nj, _ := changelogIndex(paths[j])
		return ni > nj // oldest (highest N) first, so replay runs forward in time
	})
	return paths, nil
}

// promoteLoadedImage moves a stale metadata.mfs out of the way once its
// contents have been loaded, so a subsequent Store doesn't collide with
// it: rename to metadata.mfs.back if that slot is free, otherwise to a
// unique temp name so no data is silently dropped.
func (e *Engine) promoteLoadedImage(loadedFrom string) error {
	current := e.path(fileCurrent)
	if loadedFrom != current {
		return nil
	}
	back := e.path(fileBack)
	if _, err := os.Stat(back); os.IsNotExist(err) {
		return os.Rename(current, back)
	}
	unique := e.path(fmt.Sprintf("metadata.mfs.stale.%s", uuid.NewString()))
	return os.Rename(current, unique)
}

// SynthesizeMetaID assigns a fresh metaid on first post-load save, per
// meta_store's "(now_s<<32) | (rand32+now_us)" construction. The caller
// supplies nowSec and randAndMicros (rand32+now_us); the function reads
// no clock or RNG itself, so its result depends only on its inputs.
func SynthesizeMetaID(nowSec int64, randAndMicros uint32) uint64 {
	return uint64(nowSec)<<32 | uint64(randAndMicros)
}
