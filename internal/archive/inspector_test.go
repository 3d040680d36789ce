package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/abduss/oakregistry/internal/apperror"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name     string
	body     string
	typeflag byte
	linkname string
}

func buildArchive(t *testing.T, entries ...entry) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Typeflag: e.typeflag, Linkname: e.linkname}
		switch e.typeflag {
		case 0, tar.TypeReg:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.body))
		case tar.TypeDir:
			hdr.Mode = 0o755
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func randomBytes(n int) string {
	b := make([]byte, n)
	rand.New(rand.NewSource(1)).Read(b)
	return string(b)
}

func countFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func newTestInspector(t *testing.T) (*Inspector, string) {
	t.Helper()
	scratch := t.TempDir()
	return NewInspector(Options{
		ScratchRoot:       scratch,
		MaxArchiveBytes:   1 << 20,
		MaxExtractedBytes: 4 << 20,
		MaxEntries:        100,
	}), scratch
}

func scratchEntries(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return entries
}

func TestExtractFindsManifestAtRoot(t *testing.T) {
	insp, _ := newTestInspector(t)
	data := buildArchive(t,
		entry{name: "oaklibs.json", body: `{"name":"demo-pkg","version":"1.0.0"}`},
		entry{name: "src/", typeflag: tar.TypeDir},
		entry{name: "src/main.oak", body: "print 1"},
	)

	x, err := insp.Extract(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	defer x.Cleanup()

	assert.Equal(t, x.Dir, x.Root)
	manifest, err := x.ReadManifest()
	require.NoError(t, err)
	assert.Contains(t, string(manifest), "demo-pkg")
	assert.FileExists(t, filepath.Join(x.Dir, "src", "main.oak"))
	assert.Equal(t, 3, x.Entries)
}

func TestExtractDescendsIntoSingleTopLevelDirectory(t *testing.T) {
	insp, _ := newTestInspector(t)
	data := buildArchive(t,
		entry{name: "package/", typeflag: tar.TypeDir},
		entry{name: "package/oaklibs.json", body: `{}`},
		entry{name: "package/lib/a.oak", body: "a"},
	)

	x, err := insp.Extract(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	defer x.Cleanup()

	assert.Equal(t, filepath.Join(x.Dir, "package"), x.Root)
	assert.Equal(t, filepath.Join(x.Dir, "package", "oaklibs.json"), x.ManifestPath)
}

func TestExtractDoesNotDescendPastTopLevel(t *testing.T) {
	insp, scratch := newTestInspector(t)
	data := buildArchive(t,
		entry{name: "outer/inner/oaklibs.json", body: `{}`},
	)

	_, err := insp.Extract(context.Background(), bytes.NewReader(data))
	assert.ErrorIs(t, err, apperror.ErrManifestNotFound)
	assert.Empty(t, scratchEntries(t, scratch))
}

func TestExtractMissingManifest(t *testing.T) {
	insp, scratch := newTestInspector(t)
	data := buildArchive(t, entry{name: "README.md", body: "hi"})

	_, err := insp.Extract(context.Background(), bytes.NewReader(data))
	assert.ErrorIs(t, err, apperror.ErrManifestNotFound)
	assert.Empty(t, scratchEntries(t, scratch))
}

func TestExtractRejectsUnsafeEntries(t *testing.T) {
	cases := []struct {
		name  string
		entry entry
	}{
		{"parent traversal", entry{name: "../../etc/passwd", body: "root:x:0:0"}},
		{"nested traversal", entry{name: "pkg/../../escape.txt", body: "x"}},
		{"absolute path", entry{name: "/etc/passwd", body: "root:x:0:0"}},
		{"backslash traversal", entry{name: `..\..\evil.txt`, body: "x"}},
		{"symlink", entry{name: "link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"}},
		{"hardlink", entry{name: "hard", typeflag: tar.TypeLink, linkname: "oaklibs.json"}},
		{"fifo", entry{name: "pipe", typeflag: tar.TypeFifo}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parent := t.TempDir()
			scratch := filepath.Join(parent, "a", "b", "scratch")
			require.NoError(t, os.MkdirAll(scratch, 0o750))
			insp := NewInspector(Options{ScratchRoot: scratch, MaxArchiveBytes: 1 << 20})

			data := buildArchive(t,
				entry{name: "oaklibs.json", body: `{}`},
				tc.entry,
			)

			_, err := insp.Extract(context.Background(), bytes.NewReader(data))
			require.Error(t, err)
			assert.ErrorIs(t, err, apperror.ErrArchiveExtractionFailed)

			assert.Empty(t, scratchEntries(t, scratch))
			assert.Zero(t, countFiles(t, parent))
		})
	}
}

func TestExtractRejectsNonGzip(t *testing.T) {
	insp, scratch := newTestInspector(t)

	_, err := insp.Extract(context.Background(), bytes.NewReader([]byte("definitely not gzip")))
	assert.ErrorIs(t, err, apperror.ErrArchiveFormatInvalid)
	assert.Empty(t, scratchEntries(t, scratch))
}

func TestExtractRejectsGzipThatIsNotTar(t *testing.T) {
	insp, _ := newTestInspector(t)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(bytes.Repeat([]byte("plain text, no tar header here. "), 40))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	_, err = insp.Extract(context.Background(), &buf)
	assert.ErrorIs(t, err, apperror.ErrArchiveFormatInvalid)
}

func TestExtractRejectsTruncatedStream(t *testing.T) {
	insp, scratch := newTestInspector(t)
	data := buildArchive(t,
		entry{name: "oaklibs.json", body: `{}`},
		entry{name: "big.bin", body: randomBytes(256 << 10)},
	)

	_, err := insp.Extract(context.Background(), bytes.NewReader(data[:len(data)/2]))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrArchiveExtractionFailed)
	assert.Empty(t, scratchEntries(t, scratch))
}

func TestExtractEnforcesCompressedCeiling(t *testing.T) {
	scratch := t.TempDir()
	insp := NewInspector(Options{ScratchRoot: scratch, MaxArchiveBytes: 64})
	data := buildArchive(t,
		entry{name: "oaklibs.json", body: `{}`},
		entry{name: "noise.bin", body: randomBytes(4 << 10)},
	)
	require.Greater(t, len(data), 64)

	_, err := insp.Extract(context.Background(), bytes.NewReader(data))
	assert.ErrorIs(t, err, apperror.ErrArchiveTooLarge)
	assert.Empty(t, scratchEntries(t, scratch))
}

func TestExtractEnforcesExtractedCeiling(t *testing.T) {
	scratch := t.TempDir()
	insp := NewInspector(Options{ScratchRoot: scratch, MaxArchiveBytes: 1 << 20, MaxExtractedBytes: 1024})
	data := buildArchive(t,
		entry{name: "oaklibs.json", body: `{}`},
		entry{name: "zeros.bin", body: string(make([]byte, 8<<10))},
	)

	_, err := insp.Extract(context.Background(), bytes.NewReader(data))
	assert.ErrorIs(t, err, apperror.ErrArchiveTooLarge)
	assert.Empty(t, scratchEntries(t, scratch))
}

func TestExtractEnforcesEntryLimit(t *testing.T) {
	scratch := t.TempDir()
	insp := NewInspector(Options{ScratchRoot: scratch, MaxEntries: 2})
	data := buildArchive(t,
		entry{name: "oaklibs.json", body: `{}`},
		entry{name: "a", body: "a"},
		entry{name: "b", body: "b"},
	)

	_, err := insp.Extract(context.Background(), bytes.NewReader(data))
	assert.ErrorIs(t, err, apperror.ErrArchiveExtractionFailed)
}

func TestExtractHonoursCancelledContext(t *testing.T) {
	insp, scratch := newTestInspector(t)
	data := buildArchive(t, entry{name: "oaklibs.json", body: `{}`})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := insp.Extract(ctx, bytes.NewReader(data))
	assert.ErrorIs(t, err, apperror.ErrArchiveExtractionFailed)
	assert.Empty(t, scratchEntries(t, scratch))
}

func TestCleanupIsIdempotent(t *testing.T) {
	insp, scratch := newTestInspector(t)
	data := buildArchive(t, entry{name: "oaklibs.json", body: `{}`})

	x, err := insp.Extract(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)

	require.NoError(t, x.Cleanup())
	require.NoError(t, x.Cleanup())
	assert.NoDirExists(t, x.Dir)
	assert.Empty(t, scratchEntries(t, scratch))

	var nilExtraction *Extraction
	assert.NoError(t, nilExtraction.Cleanup())
}

func TestExtractUsesUniqueDirectories(t *testing.T) {
	insp, _ := newTestInspector(t)
	data := buildArchive(t, entry{name: "oaklibs.json", body: `{}`})

	a, err := insp.Extract(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	defer a.Cleanup()
	b, err := insp.Extract(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	defer b.Cleanup()

	assert.NotEqual(t, a.Dir, b.Dir)
}

func TestSafeJoin(t *testing.T) {
	base := t.TempDir()

	got, err := safeJoin(base, "./pkg/./lib/a.oak")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "pkg", "lib", "a.oak"), got)

	got, err = safeJoin(base, "./")
	require.NoError(t, err)
	assert.Equal(t, base, got)

	for _, bad := range []string{"", "..", "a/../../b", "/abs", `\abs`, "a/..\\..\\b"} {
		_, err := safeJoin(base, bad)
		assert.Error(t, err, bad)
	}
}
