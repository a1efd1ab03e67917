package leech

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeptore/flaw/v8"

	"github.com/beast-69-bot/azmegadownloader/errutil"
	"github.com/beast-69-bot/azmegadownloader/log"
	"github.com/beast-69-bot/azmegadownloader/must"
	"github.com/beast-69-bot/azmegadownloader/postproc"
	"github.com/beast-69-bot/azmegadownloader/retry"
)

type Limits struct {
	MaxConcurrentTasks  int
	PerOwnerTasks       int
	FreeDailyQuota      int
	MaxUploadPartSize   int64
	DownloadIdleTimeout time.Duration
}

type Engine struct {
	ctx          context.Context
	limits       Limits
	scratchBase  string
	registry     *Registry
	reporter     *Reporter
	remote       RemoteSource
	delivery     Delivery
	entitlements Entitlements
	quota        Quota
	settings     Settings
	logger       zerolog.Logger

	slots      chan struct{}
	ownerMu    sync.Mutex
	ownerSlots map[int64]chan struct{}
	wg         sync.WaitGroup

	resolveRetry  retry.Policy
	transferRetry retry.Policy
}

func NewEngine(
	ctx context.Context,
	limits Limits,
	scratchBase string,
	registry *Registry,
	reporter *Reporter,
	remote RemoteSource,
	delivery Delivery,
	entitlements Entitlements,
	quota Quota,
	settings Settings,
	logger zerolog.Logger,
) *Engine {
	return &Engine{
		ctx:          ctx,
		limits:       limits,
		scratchBase:  scratchBase,
		registry:     registry,
		reporter:     reporter,
		remote:       remote,
		delivery:     delivery,
		entitlements: entitlements,
		quota:        quota,
		settings:     settings,
		logger:       logger.With().Str("module", "engine").Logger(),
		slots:        make(chan struct{}, limits.MaxConcurrentTasks),
		ownerMu:      sync.Mutex{},
		ownerSlots:   make(map[int64]chan struct{}),
		wg:           sync.WaitGroup{},
		resolveRetry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxInterval: 10 * time.Second,
			Retryable:   IsTransient,
		},
		transferRetry: retry.Policy{
			MaxAttempts: 4,
			BaseDelay:   2 * time.Second,
			MaxInterval: 15 * time.Second,
			Retryable:   IsTransient,
		},
	}
}

func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) Reporter() *Reporter { return e.reporter }

// Subscribe attaches a progress channel to a task. A task that reached its
// terminal state before the subscription landed gets its terminal sample
// synthesized from the registry snapshot, so a late subscriber never blocks
// waiting for a publish that already happened. Subscribing to an unknown
// (already purged) task yields a closed channel.
func (e *Engine) Subscribe(taskID string) (<-chan Sample, func()) {
	ch, unsubscribe := e.reporter.Subscribe(taskID)
	snap, err := e.registry.Status(taskID)
	if nil == err && !snap.State.Terminal() {
		return ch, unsubscribe
	}

	unsubscribe()
	out := make(chan Sample, 1)
	if nil == err {
		out <- SampleFromSnapshot(snap)
	}
	close(out)
	return out, func() {}
}

// Wait blocks until every task pipeline has reached a terminal state. Meant
// for process shutdown after the engine context has been cancelled.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// run drives a single task pipeline to its terminal state, then cleans up
// scratch storage and retires the registry entry.
func (e *Engine) run(ctx context.Context, t *Task) {
	logger := e.logger.With().Str("task_id", t.ID).Logger()

	err := e.pipeline(ctx, t)
	switch {
	case nil == err:
		e.mustTransition(t, StateCompleted)
		logger.Info().Msg("Task completed")
	case errors.Is(err, context.Canceled), errors.Is(context.Cause(ctx), errTaskCanceled):
		e.mustTransition(t, StateCancelled)
		logger.Info().Msg("Task cancelled")
	default:
		t.setErrorKind(ErrorKind(err))
		e.mustTransition(t, StateFailed)
		if errutil.IsFlaw(err) {
			logger.Error().Func(log.Flaw(must.BeFlaw(err).Append(t.flawP()))).Msg("Task failed")
		} else {
			logger.Error().Err(err).Str("kind", ErrorKind(err)).Msg("Task failed")
		}
	}

	// Cleanup is best-effort: a failure to delete scratch files must never
	// block reporting the terminal state.
	if err := os.RemoveAll(e.taskDir(t.ID)); nil != err {
		logger.Warn().Err(err).Str("dir", e.taskDir(t.ID)).Msg("Failed to remove task scratch directory")
	}

	e.reporter.Publish(SampleFromSnapshot(t.snapshot()))

	e.registry.retire(e.ctx, t)
}

func (e *Engine) pipeline(ctx context.Context, t *Task) error {
	if err := e.acquireSlots(ctx, t); nil != err {
		return err
	}
	defer e.releaseSlots(t.Owner)

	e.mustTransition(t, StateResolving)
	manifest, err := e.resolve(ctx, t)
	if nil != err {
		return err
	}
	t.setManifest(manifest)

	e.mustTransition(t, StateDownloading)
	if err := e.download(ctx, t, manifest); nil != err {
		return err
	}

	e.mustTransition(t, StateProcessing)
	outputs, err := e.process(ctx, t, manifest)
	if nil != err {
		return err
	}

	e.mustTransition(t, StateUploading)
	return e.upload(ctx, t, outputs)
}

func (e *Engine) resolve(ctx context.Context, t *Task) (*Manifest, error) {
	var manifest *Manifest
	err := e.resolveRetry.Do(ctx, func(ctx context.Context) error {
		m, err := e.remote.List(ctx, t.Link)
		if nil != err {
			return err
		}
		manifest = m
		return nil
	})
	if nil != err {
		return nil, err
	}
	if len(manifest.Items) == 0 {
		return nil, ErrRemoteNotFound
	}
	return manifest, nil
}

func (e *Engine) process(ctx context.Context, t *Task, manifest *Manifest) ([]postproc.Output, error) {
	outDir := filepath.Join(e.taskDir(t.ID), "out")
	if err := os.MkdirAll(outDir, 0o755); nil != err {
		flawP := flaw.P{"dir": outDir, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to create task output directory: %v", err)).Append(flawP)
	}

	settings := postproc.Settings{
		SplitSize: t.Settings.SplitSize,
		Prefix:    t.Settings.Prefix,
		Suffix:    t.Settings.Suffix,
		Caption:   t.Settings.Caption,
		ThumbPath: t.Settings.ThumbPath,
	}

	var outputs []postproc.Output
	for i, item := range manifest.Items {
		if err := ctx.Err(); nil != err {
			return nil, err
		}
		srcPath := filepath.Join(e.downloadDir(t.ID), filepath.FromSlash(item.Path))
		t.updateProgress(item.Path, i, t.snapshot().Progress.Bytes, 0)

		// Outputs mirror the manifest's directory layout so same-named files
		// from different folders never overwrite each other.
		itemOutDir := outDir
		if relDir := filepath.Dir(filepath.FromSlash(item.Path)); relDir != "." {
			itemOutDir = filepath.Join(outDir, relDir)
			if err := os.MkdirAll(itemOutDir, 0o755); nil != err {
				flawP := flaw.P{"dir": itemOutDir, "err_debug_tree": errutil.Tree(err).FlawP()}
				return nil, flaw.From(fmt.Errorf("failed to create item output directory: %v", err)).Append(flawP)
			}
		}
		outs, err := postproc.Apply(ctx, settings, srcPath, itemOutDir)
		if nil != err {
			return nil, err
		}
		outputs = append(outputs, outs...)
	}
	return outputs, nil
}

func (e *Engine) upload(ctx context.Context, t *Task, outputs []postproc.Output) error {
	var base int64
	for i, out := range outputs {
		// Cancellation lets the in-flight item finish but never starts the
		// next one.
		if err := ctx.Err(); nil != err {
			return err
		}

		if out.Size > e.limits.MaxUploadPartSize {
			return &ConfigurationError{
				Reason: fmt.Sprintf("split threshold produced a %d byte part exceeding the %d byte platform limit", out.Size, e.limits.MaxUploadPartSize),
			}
		}

		req := SendFileRequest{
			Path:      out.Path,
			FileName:  out.FileName,
			Caption:   out.Caption,
			ThumbPath: out.ThumbPath,
			Size:      out.Size,
			TopicID:   t.Settings.TopicID,
			Progress: func(sent int64) {
				if t.updateProgress(out.FileName, i, base+sent, 0) {
					e.publishProgress(t)
				}
			},
		}
		if _, err := e.delivery.SendFile(context.WithoutCancel(ctx), t.ChatID, req); nil != err {
			if errutil.IsContext(ctx) {
				return ctx.Err()
			}
			return err
		}
		base += out.Size
		t.markUploaded()
		e.publishProgress(t)
	}
	return nil
}

func (e *Engine) publishProgress(t *Task) {
	e.reporter.Publish(SampleFromSnapshot(t.snapshot()))
}

// mustTransition panics on an invalid transition: stage ordering is owned by
// the pipeline and a violation is a programming error, not a runtime
// condition.
func (e *Engine) mustTransition(t *Task, to State) {
	if err := t.transition(to); nil != err {
		panic(err.Error())
	}
	e.publishProgress(t)
}

func (e *Engine) taskDir(taskID string) string {
	return filepath.Join(e.scratchBase, taskID)
}

func (e *Engine) downloadDir(taskID string) string {
	return filepath.Join(e.taskDir(taskID), "in")
}
