package postproc_test

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/beast-69-bot/azmegadownloader/postproc"
)

func TestRename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		fileName string
		prefix   string
		suffix   string
		want     string
	}{
		{name: "no_affixes", fileName: "movie.mkv", prefix: "", suffix: "", want: "movie.mkv"},
		{name: "prefix_only", fileName: "movie.mkv", prefix: "[AZ] ", suffix: "", want: "[AZ] movie.mkv"},
		{name: "suffix_only", fileName: "movie.mkv", prefix: "", suffix: " (2024)", want: "movie (2024).mkv"},
		{name: "both", fileName: "movie.mkv", prefix: "[AZ] ", suffix: " (2024)", want: "[AZ] movie (2024).mkv"},
		{name: "no_extension", fileName: "README", prefix: "x-", suffix: "-y", want: "x-README-y"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, postproc.Rename(tt.fileName, tt.prefix, tt.suffix))
		})
	}
}

func TestRenderCaption(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		template string
		fileName string
		want     string
	}{
		{name: "empty_template_falls_back_to_filename", template: "", fileName: "a.mkv", want: "a.mkv"},
		{name: "all_placeholders", template: "{filename} | {basename} | {ext}", fileName: "a.mkv", want: "a.mkv | a | mkv"},
		{name: "unknown_placeholder_left_verbatim", template: "{basename} {unknown}", fileName: "a.mkv", want: "a {unknown}"},
		{name: "no_extension", template: "{basename}.{ext}", fileName: "README", want: "README."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, postproc.RenderCaption(tt.template, tt.fileName))
		})
	}
}

func TestSplitRoundTrip(t *testing.T) {
	t.Parallel()

	const (
		fileSize = 10_000
		partSize = 3_000
	)

	dir := t.TempDir()
	content := make([]byte, fileSize)
	_, err := rand.Read(content)
	require.NoError(t, err)

	srcPath := filepath.Join(dir, "blob.bin")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	parts, err := postproc.Split(t.Context(), srcPath, filepath.Join(dir, "blob.bin"), partSize)
	require.NoError(t, err)
	require.Len(t, parts, 4)

	sorted := slices.Clone(parts)
	slices.Sort(sorted)
	require.Equal(t, parts, sorted, "parts must already be in ascending name order")

	var joined bytes.Buffer
	for i, p := range parts {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		if i < len(parts)-1 {
			require.Len(t, data, partSize, "every part except the last must be exactly the threshold size")
		}
		joined.Write(data)
	}
	require.Equal(t, content, joined.Bytes(), "concatenated parts must reproduce the source bytes")

	original, err := os.ReadFile(srcPath)
	require.NoError(t, err)
	require.Equal(t, content, original, "source file must not be modified")
}

func TestSplitPastThousandPartsKeepsNameOrder(t *testing.T) {
	t.Parallel()

	const fileSize = 1050

	dir := t.TempDir()
	content := make([]byte, fileSize)
	_, err := rand.Read(content)
	require.NoError(t, err)

	srcPath := filepath.Join(dir, "blob.bin")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	parts, err := postproc.Split(t.Context(), srcPath, filepath.Join(dir, "blob.bin"), 1)
	require.NoError(t, err)
	require.Len(t, parts, fileSize)

	// part1000 must not sort before part101.
	require.Equal(t, filepath.Join(dir, "blob.bin.part0001"), parts[0])
	require.Equal(t, filepath.Join(dir, "blob.bin.part1050"), parts[fileSize-1])
	sorted := slices.Clone(parts)
	slices.Sort(sorted)
	require.Equal(t, parts, sorted, "parts must already be in ascending name order")

	var joined bytes.Buffer
	for _, p := range parts {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		joined.Write(data)
	}
	require.Equal(t, content, joined.Bytes(), "concatenated parts must reproduce the source bytes")
}

func TestApplySplitsAndCaptions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	outDir := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(outDir, 0o755))

	content := bytes.Repeat([]byte("x"), 2_500)
	srcPath := filepath.Join(dir, "video.mp4")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	settings := postproc.Settings{
		SplitSize: 1_000,
		Prefix:    "p-",
		Suffix:    "-s",
		Caption:   "{basename}.{ext}",
	}
	outputs, err := postproc.Apply(t.Context(), settings, srcPath, outDir)
	require.NoError(t, err)
	require.Len(t, outputs, 3)

	require.Equal(t, "p-video-s.mp4.part001", outputs[0].FileName)
	require.Equal(t, "p-video-s.mp4.part002", outputs[1].FileName)
	require.Equal(t, "p-video-s.mp4.part003", outputs[2].FileName)

	for _, out := range outputs {
		require.Equal(t, "p-video-s.mp4", out.Caption, "caption renders from the post-rename name")
	}
	require.EqualValues(t, 1_000, outputs[0].Size)
	require.EqualValues(t, 1_000, outputs[1].Size)
	require.EqualValues(t, 500, outputs[2].Size)
}

func TestApplyWithoutSplitLinksOutput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	outDir := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(outDir, 0o755))

	srcPath := filepath.Join(dir, "doc.pdf")
	require.NoError(t, os.WriteFile(srcPath, []byte("pdf"), 0o644))

	outputs, err := postproc.Apply(t.Context(), postproc.Settings{}, srcPath, outDir)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.Equal(t, "doc.pdf", outputs[0].FileName)
	require.Equal(t, "doc.pdf", outputs[0].Caption)

	data, err := os.ReadFile(outputs[0].Path)
	require.NoError(t, err)
	require.Equal(t, []byte("pdf"), data)
}

func TestApplySkipsMissingThumbnail(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	outDir := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(outDir, 0o755))

	srcPath := filepath.Join(dir, "doc.pdf")
	require.NoError(t, os.WriteFile(srcPath, []byte("pdf"), 0o644))

	settings := postproc.Settings{ThumbPath: filepath.Join(dir, "missing.jpg")}
	outputs, err := postproc.Apply(t.Context(), settings, srcPath, outDir)
	require.NoError(t, err)
	require.Empty(t, outputs[0].ThumbPath)
}
