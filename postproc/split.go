package postproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/xeptore/flaw/v8"

	"github.com/beast-69-bot/azmegadownloader/errutil"
	"github.com/beast-69-bot/azmegadownloader/mathutil"
)

// Split partitions the source file into sequential parts of exactly
// partSize bytes each, except possibly the last. Parts are named
// <outBase>.part001, <outBase>.part002, ..., padded to the width of the
// total part count, so concatenating them in ascending name order
// reproduces the source exactly.
func Split(ctx context.Context, srcPath, outBase string, partSize int64) ([]string, error) {
	if partSize <= 0 {
		return nil, fmt.Errorf("part size must be positive, got %d", partSize)
	}

	src, err := os.Open(srcPath)
	if nil != err {
		flawP := flaw.P{"path": srcPath, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to open file for splitting: %v", err)).Append(flawP)
	}
	defer func() { _ = src.Close() }()

	info, err := src.Stat()
	if nil != err {
		flawP := flaw.P{"path": srcPath, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to stat file for splitting: %v", err)).Append(flawP)
	}

	numParts := mathutil.CeilInts(info.Size(), partSize)
	width := max(len(strconv.FormatInt(numParts, 10)), 3)
	parts := make([]string, 0, numParts)
	for i := int64(1); i <= numParts; i++ {
		if err := ctx.Err(); nil != err {
			return nil, err
		}

		partPath := fmt.Sprintf("%s.part%0*d", outBase, width, i)
		if err := writePart(src, partPath, partSize); nil != err {
			return nil, err
		}
		parts = append(parts, partPath)
	}
	return parts, nil
}

func writePart(src io.Reader, partPath string, partSize int64) (err error) {
	dst, err := os.Create(partPath)
	if nil != err {
		flawP := flaw.P{"path": partPath, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to create split part: %v", err)).Append(flawP)
	}
	defer func() {
		if closeErr := dst.Close(); nil != closeErr && nil == err {
			flawP := flaw.P{"path": partPath, "err_debug_tree": errutil.Tree(closeErr).FlawP()}
			err = flaw.From(fmt.Errorf("failed to close split part: %v", closeErr)).Append(flawP)
		}
	}()

	if _, err := io.CopyN(dst, src, partSize); nil != err && !errors.Is(err, io.EOF) {
		flawP := flaw.P{"path": partPath, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to write split part: %v", err)).Append(flawP)
	}
	return nil
}
