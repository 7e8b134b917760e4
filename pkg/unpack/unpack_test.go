package unpack

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name     string
	body     string
	typeflag byte
}

func archive(t *testing.T, entries []entry) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		typeflag := e.typeflag
		if typeflag == 0 {
			typeflag = tar.TypeReg
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     e.name,
			Mode:     0644,
			Size:     int64(len(e.body)),
			Typeflag: typeflag,
		}))
		_, err := tw.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return &buf
}

func TestUnpackExtractsFiles(t *testing.T) {
	dir := t.TempDir()
	p := &Pipeline{}

	err := p.Unpack(archive(t, []entry{
		{name: "module.json", body: `{"name":"x"}`},
		{name: "firmware/", typeflag: tar.TypeDir},
		{name: "firmware/fw.bin", body: "\x01\x02"},
		{name: "nested/deep/file.txt", body: "hi"},
	}), dir)
	require.NoError(t, err)

	for path, want := range map[string]string{
		"module.json":          `{"name":"x"}`,
		"firmware/fw.bin":      "\x01\x02",
		"nested/deep/file.txt": "hi",
	} {
		got, err := os.ReadFile(filepath.Join(dir, path))
		require.NoError(t, err, path)
		assert.Equal(t, want, string(got), path)
	}
}

func TestUnpackRejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	p := &Pipeline{}

	err := p.Unpack(archive(t, []entry{
		{name: "../evil.txt", body: "nope"},
	}), filepath.Join(dir, "mod"))
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "evil.txt"))
	assert.True(t, os.IsNotExist(statErr), "escaping entry was written")
}

func TestUnpackSkipsSpecialEntries(t *testing.T) {
	dir := t.TempDir()
	p := &Pipeline{}

	err := p.Unpack(archive(t, []entry{
		{name: "link", typeflag: tar.TypeSymlink},
		{name: "ok.txt", body: "ok"},
	}), dir)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dir, "ok.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(got))

	_, statErr := os.Lstat(filepath.Join(dir, "link"))
	assert.True(t, os.IsNotExist(statErr), "special entry was materialized")
}

func TestUnpackRejectsCorruptStream(t *testing.T) {
	p := &Pipeline{}
	err := p.Unpack(bytes.NewReader([]byte("not gzip")), t.TempDir())
	require.Error(t, err)
}
