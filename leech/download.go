package leech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/xeptore/flaw/v8"
	"golang.org/x/sys/unix"

	"github.com/beast-69-bot/azmegadownloader/errutil"
)

const transferChunkSize = 1 << 20

// download streams every manifest item into the task's scratch directory in
// listed order. Cancellation stops before the next unstarted item, leaving
// completed items on disk for the terminal cleanup pass. The first item that
// exhausts its retry budget fails the whole task.
func (e *Engine) download(ctx context.Context, t *Task, manifest *Manifest) error {
	dir := e.downloadDir(t.ID)
	if err := os.MkdirAll(dir, 0o755); nil != err {
		flawP := flaw.P{"dir": dir, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to create task download directory: %v", err)).Append(flawP)
	}

	var base int64
	for i, item := range manifest.Items {
		if err := ctx.Err(); nil != err {
			return err
		}

		if err := ensureSpace(dir, item.Size); nil != err {
			return err
		}

		err := e.transferRetry.Do(ctx, func(ctx context.Context) error {
			return e.transferItem(ctx, t, dir, item, i, base)
		})
		if nil != err {
			return err
		}

		base += item.Size
		t.markItemDone(i)
	}
	return nil
}

// transferItem downloads one manifest item from scratch. The destination
// file is truncated on entry so a retry restarts the item cleanly.
func (e *Engine) transferItem(ctx context.Context, t *Task, dir string, item ManifestItem, idx int, base int64) (err error) {
	rc, err := e.remote.OpenRead(ctx, t.Link, item)
	if nil != err {
		if errutil.IsContext(ctx) {
			return ctx.Err()
		}
		return err
	}
	src := newIdleReader(rc, e.limits.DownloadIdleTimeout)
	defer func() {
		if closeErr := src.Close(); nil != closeErr && nil == err {
			e.logger.Warn().Err(closeErr).Str("task_id", t.ID).Str("item", item.Path).Msg("Failed to close item stream")
		}
	}()

	dstPath := filepath.Join(dir, filepath.FromSlash(item.Path))
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); nil != err {
		flawP := flaw.P{"path": dstPath, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to create item directory: %v", err)).Append(flawP)
	}
	dst, err := os.Create(dstPath)
	if nil != err {
		flawP := flaw.P{"path": dstPath, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to create item file: %v", err)).Append(flawP)
	}
	defer func() {
		if closeErr := dst.Close(); nil != closeErr && nil == err {
			flawP := flaw.P{"path": dstPath, "err_debug_tree": errutil.Tree(closeErr).FlawP()}
			err = flaw.From(fmt.Errorf("failed to close item file: %v", closeErr)).Append(flawP)
		}
	}()

	var written int64
	buf := make([]byte, transferChunkSize)
	for {
		// The token is checked once per chunk so cancellation latency stays
		// bounded even for very large single files.
		if err := ctx.Err(); nil != err {
			return err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); nil != writeErr {
				if isNoSpace(writeErr) {
					return &StorageExhaustedError{Need: item.Size - written, Free: 0}
				}
				flawP := flaw.P{"path": dstPath, "err_debug_tree": errutil.Tree(writeErr).FlawP()}
				return flaw.From(fmt.Errorf("failed to write item chunk: %v", writeErr)).Append(flawP)
			}
			written += int64(n)
			if t.updateProgress(item.Path, idx, base+written, 0) {
				e.publishProgress(t)
			}
		}
		if nil != readErr {
			if errors.Is(readErr, io.EOF) {
				break
			}
			if errutil.IsContext(ctx) {
				return ctx.Err()
			}
			return &TransientNetworkError{Err: readErr}
		}
	}

	if written != item.Size {
		return &TransientNetworkError{Err: fmt.Errorf("item truncated: got %d of %d bytes", written, item.Size)}
	}
	return nil
}

// ensureSpace fails fast before a transfer that cannot fit on the scratch
// filesystem.
func ensureSpace(dir string, need int64) error {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); nil != err {
		flawP := flaw.P{"dir": dir, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to stat scratch filesystem: %v", err)).Append(flawP)
	}
	free := int64(st.Bavail) * st.Bsize
	if need > free {
		return &StorageExhaustedError{Need: need, Free: free}
	}
	return nil
}

func isNoSpace(err error) bool {
	return errors.Is(err, unix.ENOSPC)
}

var errIdleTimeout = errors.New("stream idle timeout")

// idleReader closes the underlying stream when no bytes arrive for the
// configured window. The resulting read error surfaces as a transient
// network failure, distinct from explicit cancellation.
type idleReader struct {
	rc       io.ReadCloser
	timeout  time.Duration
	timer    *time.Timer
	timedOut atomic.Bool
	closed   atomic.Bool
}

func newIdleReader(rc io.ReadCloser, timeout time.Duration) *idleReader {
	r := &idleReader{rc: rc, timeout: timeout}
	r.timer = time.AfterFunc(timeout, func() {
		r.timedOut.Store(true)
		_ = r.rc.Close()
	})
	return r
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if nil != err && r.timedOut.Load() {
		return n, errIdleTimeout
	}
	if nil == err {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

func (r *idleReader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.timer.Stop()
	if r.timedOut.Load() {
		return nil
	}
	return r.rc.Close()
}
