// Package postproc applies a task's settings snapshot to downloaded files:
// rename, split, caption rendering and thumbnail association, in that fixed
// order. It only ever reads source files and writes new outputs.
package postproc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeptore/flaw/v8"

	"github.com/beast-69-bot/azmegadownloader/errutil"
)

type Settings struct {
	SplitSize int64
	Prefix    string
	Suffix    string
	Caption   string
	ThumbPath string
}

// Output is one file ready for upload.
type Output struct {
	Path      string
	FileName  string
	Caption   string
	ThumbPath string
	Size      int64
}

// Apply transforms one downloaded file into its upload outputs. A file
// larger than the split threshold becomes multiple sequential parts, all
// other settings apply to every produced output.
func Apply(ctx context.Context, settings Settings, srcPath, outDir string) ([]Output, error) {
	info, err := os.Stat(srcPath)
	if nil != err {
		flawP := flaw.P{"path": srcPath, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to stat downloaded file: %v", err)).Append(flawP)
	}

	renamed := Rename(filepath.Base(srcPath), settings.Prefix, settings.Suffix)
	caption := RenderCaption(settings.Caption, renamed)

	thumb := settings.ThumbPath
	if thumb != "" {
		if _, err := os.Stat(thumb); nil != err {
			thumb = ""
		}
	}

	if settings.SplitSize > 0 && info.Size() > settings.SplitSize {
		partPaths, err := Split(ctx, srcPath, filepath.Join(outDir, renamed), settings.SplitSize)
		if nil != err {
			return nil, err
		}
		outputs := make([]Output, len(partPaths))
		for i, p := range partPaths {
			partInfo, err := os.Stat(p)
			if nil != err {
				flawP := flaw.P{"path": p, "err_debug_tree": errutil.Tree(err).FlawP()}
				return nil, flaw.From(fmt.Errorf("failed to stat split part: %v", err)).Append(flawP)
			}
			outputs[i] = Output{
				Path:      p,
				FileName:  filepath.Base(p),
				Caption:   caption,
				ThumbPath: thumb,
				Size:      partInfo.Size(),
			}
		}
		return outputs, nil
	}

	outPath := filepath.Join(outDir, renamed)
	if err := linkOrCopy(srcPath, outPath); nil != err {
		return nil, err
	}
	return []Output{{
		Path:      outPath,
		FileName:  renamed,
		Caption:   caption,
		ThumbPath: thumb,
		Size:      info.Size(),
	}}, nil
}

// Rename concatenates prefix and suffix onto the base file name, preserving
// the extension.
func Rename(fileName, prefix, suffix string) string {
	ext := filepath.Ext(fileName)
	base := strings.TrimSuffix(fileName, ext)
	return prefix + base + suffix + ext
}

// RenderCaption fills the template placeholders {filename}, {basename} and
// {ext} from the post-rename file name. Unknown placeholders stay verbatim.
// An empty template renders to the file name itself.
func RenderCaption(template, fileName string) string {
	if template == "" {
		return fileName
	}
	ext := filepath.Ext(fileName)
	base := strings.TrimSuffix(fileName, ext)
	return strings.NewReplacer(
		"{filename}", fileName,
		"{basename}", base,
		"{ext}", strings.TrimPrefix(ext, "."),
	).Replace(template)
}

// linkOrCopy hardlinks the source into place, falling back to a byte copy on
// filesystems that refuse links.
func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); nil == err {
		return nil
	}
	srcF, err := os.Open(src)
	if nil != err {
		flawP := flaw.P{"path": src, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to open source file: %v", err)).Append(flawP)
	}
	defer func() { _ = srcF.Close() }()

	dstF, err := os.Create(dst)
	if nil != err {
		flawP := flaw.P{"path": dst, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to create output file: %v", err)).Append(flawP)
	}
	defer func() { _ = dstF.Close() }()

	if _, err := dstF.ReadFrom(srcF); nil != err {
		flawP := flaw.P{"src": src, "dst": dst, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to copy file: %v", err)).Append(flawP)
	}
	return nil
}
