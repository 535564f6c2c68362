package metadata

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSection is a minimal SectionSource/SectionSink backed by an in-memory
// byte slice, standing in for a real collaborator (node tree, edge table,
// ...) in round-trip tests.
type memSection struct {
	ver  SectionVersion
	data []byte
	got  []byte
}

func (m *memSection) StorageVersion() SectionVersion { return m.ver }
func (m *memSection) CurrentVersion() SectionVersion { return m.ver }

func (m *memSection) WriteSection(w io.Writer) error {
	_, err := w.Write(m.data)
	return err
}

func (m *memSection) LoadSection(r io.Reader, ver SectionVersion, n int64) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.got = buf
	return nil
}

func newTestRegistry() (*Registry, map[string]*memSection) {
	mk := func(b byte, n int) *memSection {
		return &memSection{ver: SectionVersion{1, 0}, data: bytes.Repeat([]byte{b}, n)}
	}
	secs := map[string]*memSection{
		"SESS": mk('s', 12),
		"NODE": mk('n', 340),
		"EDGE": mk('e', 80),
		"CHNK": mk('c', 4096),
	}
	reg := make(map[string]Section, len(secs))
	for tag, s := range secs {
		reg[tag] = Section{Tag: tag, Source: s, Sink: s}
	}
	return NewRegistry(reg), secs
}

func newTestEngine(t *testing.T) (*Engine, *Registry, map[string]*memSection) {
	t.Helper()
	dir := t.TempDir()
	reg, secs := newTestRegistry()
	log := logrus.NewEntry(logrus.New())
	e := NewEngine(log, dir, reg, nil, 3, false)
	return e, reg, secs
}

func TestStoreLoadRoundTrip(t *testing.T) {
	e, _, secs := newTestEngine(t)
	e.SetMetaVersion(42)
	e.SetMetaID(0xdeadbeef)

	require.NoError(t, e.Store())

	e2, _, secs2 := newTestEngine(t)
	e2.dataPath = e.dataPath
	require.NoError(t, e2.Load(e.path(fileBack)))

	assert.Equal(t, uint64(42), e2.MetaVersion())
	assert.Equal(t, uint64(0xdeadbeef), e2.MetaID())
	for tag, want := range secs {
		got, ok := secs2[tag]
		require.True(t, ok)
		if diff := pretty.Compare(want.data, got.got); diff != "" {
			t.Errorf("section %s payload mismatch:\n%s", tag, diff)
		}
	}
}

func TestStoreWritesCRCSidecarPerSection(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.SetMetaVersion(1)
	require.NoError(t, e.Store())

	f, err := os.Open(e.path(fileCRC))
	require.NoError(t, err)
	defer f.Close()

	info, err := f.Stat()
	require.NoError(t, err)
	const wiredSections = 4 // SESS, NODE, EDGE, CHNK in newTestRegistry
	assert.Equal(t, int64(wiredSections*8), info.Size())
}

func TestCheckFileDetectsBadHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.mfs")
	require.NoError(t, os.WriteFile(path, []byte("not-a-valid-header-at-all"), 0644))

	res := CheckFile(path)
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrBadHeader)
}

func TestCheckFileAcceptsBootstrapSignature(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.mfs")
	require.NoError(t, os.WriteFile(path, []byte("MFSM NEW"), 0644))

	res := CheckFile(path)
	assert.True(t, res.OK)
	assert.Equal(t, uint64(1), res.Version)
}

func TestCheckFileRejectsMissingEOFMarker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.mfs")

	f, err := os.Create(path)
	require.NoError(t, err)
	w := bufio.NewWriter(f)
	w.WriteString(signature)
	var hdr [16]byte
	w.Write(hdr[:])
	w.WriteString("this is not the marker you want")
	require.NoError(t, w.Flush())
	require.NoError(t, f.Close())

	res := CheckFile(path)
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrBadEnding)
}

func TestLoadRejectsUnknownSectionWithoutIgnoreMode(t *testing.T) {
	e, reg, _ := newTestEngine(t)
	e.SetMetaVersion(7)
	require.NoError(t, e.Store())

	// drop CHNK from the loader's registry so it looks unknown.
	trimmed := make(map[string]Section)
	for _, tag := range reg.OrderedTags() {
		if tag == "CHNK" {
			continue
		}
		sec, _ := reg.Lookup(tag)
		trimmed[tag] = sec
	}
	e2 := NewEngine(logrus.NewEntry(logrus.New()), e.dataPath, NewRegistry(trimmed), nil, 3, false)
	err := e2.Load(e.path(fileBack))
	assert.ErrorIs(t, err, ErrUnknownSection)
}

func TestBackupRotationKeepsConfiguredCopies(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.SetMetaVersion(1)

	for i := 0; i < 5; i++ {
		e.SetMetaVersion(uint64(i + 1))
		require.NoError(t, e.Store())
	}

	for _, name := range []string{"metadata.mfs.back", "metadata.mfs.back.1", "metadata.mfs.back.2", "metadata.mfs.back.3"} {
		_, err := os.Stat(e.path(name))
		assert.NoError(t, err, "expected %s to exist", name)
	}
	_, err := os.Stat(e.path("metadata.mfs.back.4"))
	assert.True(t, os.IsNotExist(err), "metadata.mfs.back.4 should not exist with backMetaCopies=3")
}

func TestAutoRestorePicksHighestVersionAndReplaysChangelog(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.SetMetaVersion(10)
	e.SetMetaID(7)
	require.NoError(t, e.Store())

	e.SetMetaVersion(11)
	require.NoError(t, e.Store())

	// AutoRestore only calls Replay when a changelog file is present.
	require.NoError(t, os.WriteFile(filepath.Join(e.dataPath, "changelog.0.mfs"), []byte("12: test\n"), 0644))

	fresh := NewEngine(logrus.NewEntry(logrus.New()), e.dataPath, mustRegistry(t), nil, 3, false)
	replay := &fakeChangelog{reachedVersion: 15}
	require.NoError(t, fresh.AutoRestore(replay, 10000))

	assert.Equal(t, uint64(15), fresh.MetaVersion())
	assert.Equal(t, uint64(7), fresh.MetaID())
}

func mustRegistry(t *testing.T) *Registry {
	reg, _ := newTestRegistry()
	return reg
}

type fakeChangelog struct{ reachedVersion uint64 }

func (f *fakeChangelog) Rotate(keep int) error { return nil }
func (f *fakeChangelog) Replay(files []string, startVersion uint64, maxGap uint64) (uint64, error) {
	return f.reachedVersion, nil
}

func TestSynthesizeMetaIDIsDeterministicGivenInputs(t *testing.T) {
	id := SynthesizeMetaID(1700000000, 12345)
	want := uint64(1700000000)<<32 | uint64(12345)
	assert.Equal(t, want, id)
	assert.NotZero(t, id)
}

func TestIsChangelogNameMatchesExpectedForms(t *testing.T) {
	cases := map[string]bool{
		"changelog.0.mfs":    true,
		"changelog.12.mfs":   true,
		"changelog.3.mfs.gz": true,
		"metadata.mfs":       false,
		"changelog.mfs":      false,
		"changelog.x.mfs":    false,
	}
	for name, want := range cases {
		assert.Equal(t, want, IsChangelogName(name), "name=%s", name)
	}
}
