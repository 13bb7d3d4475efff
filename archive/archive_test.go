package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxelmed/segvol/segerr"
)

func writeZipArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func writeTarArchive(t *testing.T, path string, files map[string]string, gzipped bool) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	var tw *tar.Writer
	var gz *gzip.Writer
	if gzipped {
		gz = gzip.NewWriter(f)
		tw = tar.NewWriter(gz)
	} else {
		tw = tar.NewWriter(f)
	}
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err = tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	if gz != nil {
		require.NoError(t, gz.Close())
	}
	require.NoError(t, f.Close())
}

func TestDetectByContentNotExtension(t *testing.T) {
	dir := t.TempDir()

	// A zip file deliberately named .tar must still be detected as zip.
	zipPath := filepath.Join(dir, "dataset.tar")
	writeZipArchive(t, zipPath, map[string]string{"a.txt": "x"})
	format, err := Detect(zipPath)
	require.NoError(t, err)
	assert.Equal(t, Zip, format)

	tarPath := filepath.Join(dir, "dataset.zip")
	writeTarArchive(t, tarPath, map[string]string{"a.txt": "x"}, false)
	format, err = Detect(tarPath)
	require.NoError(t, err)
	assert.Equal(t, Tar, format)

	tgzPath := filepath.Join(dir, "dataset.bin")
	writeTarArchive(t, tgzPath, map[string]string{"a.txt": "x"}, true)
	format, err = Detect(tgzPath)
	require.NoError(t, err)
	assert.Equal(t, TarGz, format)

	junk := filepath.Join(dir, "junk")
	require.NoError(t, os.WriteFile(junk, []byte("plain text"), 0o644))
	_, err = Detect(junk)
	var inputErr *segerr.InputError
	assert.ErrorAs(t, err, &inputErr)
}

func TestExtractZipAndTar(t *testing.T) {
	files := map[string]string{
		"task/imagesTr/case_01.nii.gz": "image-bytes",
		"task/labelsTr/case_01.nii.gz": "label-bytes",
	}
	dir := t.TempDir()

	for _, tt := range []struct {
		name  string
		write func(path string)
	}{
		{"zip", func(p string) { writeZipArchive(t, p, files) }},
		{"tar", func(p string) { writeTarArchive(t, p, files, false) }},
		{"tar.gz", func(p string) { writeTarArchive(t, p, files, true) }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			archivePath := filepath.Join(dir, "archive-"+tt.name)
			tt.write(archivePath)

			dest := filepath.Join(dir, "out-"+tt.name)
			require.NoError(t, Extract(archivePath, dest))

			got, err := os.ReadFile(filepath.Join(dest, "task", "imagesTr", "case_01.nii.gz"))
			require.NoError(t, err)
			assert.Equal(t, "image-bytes", string(got))
		})
	}
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "evil.zip")
	writeZipArchive(t, archivePath, map[string]string{"../escape.txt": "bad"})

	err := Extract(archivePath, filepath.Join(dir, "out"))
	assert.Error(t, err)
}

func TestPackZipRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "processed")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "imagesTr"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "imagesTr", "a.nii.gz"), []byte("abc"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "top.txt"), []byte("t"), 0o644))

	zipPath := filepath.Join(dir, "processed.zip")
	require.NoError(t, PackZip(src, zipPath))

	dest := filepath.Join(dir, "unpacked")
	require.NoError(t, Extract(zipPath, dest))

	got, err := os.ReadFile(filepath.Join(dest, "imagesTr", "a.nii.gz"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestFindDir(t *testing.T) {
	dir := t.TempDir()
	deep := filepath.Join(dir, "extracted", "Task03_Liver", "imagesTr")
	require.NoError(t, os.MkdirAll(deep, 0o755))

	found, err := FindDir(dir, "imagesTr")
	require.NoError(t, err)
	assert.Equal(t, deep, found)

	_, err = FindDir(dir, "labelsTr")
	var notFound *segerr.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestMetadataJSONLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.jsonl")

	records := []FileMetadata{
		{File: "preprocessed.zip", Metadata: map[string]interface{}{
			"dataset-versions": []interface{}{"dataset://task03_liver/version1"},
		}},
		{File: "model.ckpt", Metadata: map[string]interface{}{"alias": "latest-model"}},
	}
	require.NoError(t, WriteMetadataJSONL(path, records))

	got, err := ReadMetadataJSONL(path)
	require.NoError(t, err)
	assert.Equal(t, records, got)
}
