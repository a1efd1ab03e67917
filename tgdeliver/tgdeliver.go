// Package tgdeliver sends leeched files and status edits to Telegram chats.
// Uploads go through a per-call DC pool so large files stream in parallel
// parts, and all message sends are paced by a shared wait queue to stay
// under flood limits.
package tgdeliver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/styling"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/h2non/filetype"
	"github.com/iyear/tdl/core/dcpool"
	"github.com/rs/zerolog"
	"github.com/xeptore/flaw/v8"
	"golang.org/x/sync/errgroup"

	"github.com/beast-69-bot/azmegadownloader/cache"
	"github.com/beast-69-bot/azmegadownloader/errutil"
	"github.com/beast-69-bot/azmegadownloader/leech"
	"github.com/beast-69-bot/azmegadownloader/must"
	"github.com/beast-69-bot/azmegadownloader/ratelimit"
	"github.com/beast-69-bot/azmegadownloader/tgutil"
	"github.com/beast-69-bot/azmegadownloader/waitqueue"
)

type Deliverer struct {
	client  *telegram.Client
	sender  *message.Sender
	thumbs  *cache.UploadedThumbsCache
	queue   *waitqueue.WaitQueue
	peersMu sync.RWMutex
	peers   map[int64]tg.InputPeerClass
	logger  zerolog.Logger
}

var _ leech.Delivery = (*Deliverer)(nil)

func New(
	client *telegram.Client,
	sender *message.Sender,
	thumbs *cache.UploadedThumbsCache,
	queue *waitqueue.WaitQueue,
	logger zerolog.Logger,
) *Deliverer {
	return &Deliverer{
		client:  client,
		sender:  sender,
		thumbs:  thumbs,
		queue:   queue,
		peersMu: sync.RWMutex{},
		peers:   make(map[int64]tg.InputPeerClass),
		logger:  logger.With().Str("module", "tgdeliver").Logger(),
	}
}

// RememberPeer records the input peer of a chat the bot has seen an update
// from. Sends to a chat require its peer to have been remembered.
func (d *Deliverer) RememberPeer(chatID int64, peer tg.InputPeerClass) {
	d.peersMu.Lock()
	defer d.peersMu.Unlock()
	d.peers[chatID] = peer
}

func (d *Deliverer) peer(chatID int64) (tg.InputPeerClass, error) {
	d.peersMu.RLock()
	defer d.peersMu.RUnlock()
	if p, ok := d.peers[chatID]; ok {
		return p, nil
	}
	return nil, flaw.From(fmt.Errorf("no known input peer for chat %d", chatID))
}

// SendFile uploads one file as a document message. The thumbnail, when set,
// is uploaded alongside the file and reused across sends via the thumbs
// cache.
func (d *Deliverer) SendFile(ctx context.Context, chatID int64, req leech.SendFileRequest) (ref leech.MessageRef, err error) {
	peer, err := d.peer(chatID)
	if nil != err {
		return leech.MessageRef{}, err
	}

	flawP := flaw.P{"chat_id": chatID, "file_name": req.FileName}

	pool := dcpool.NewPool(d.client, 8, tgutil.DefaultMiddlewares(ctx)...)
	defer func() {
		if closeErr := pool.Close(); nil != closeErr {
			flawP["err_debug_tree"] = errutil.Tree(closeErr).FlawP()
			closeErr = flaw.From(fmt.Errorf("failed to close uploader pool: %v", closeErr)).Append(flawP)
			switch {
			case nil == err:
				err = closeErr
			case errutil.IsContext(ctx):
				err = flaw.From(errors.New("context ended")).Join(closeErr)
			case errutil.IsFlaw(err):
				err = must.BeFlaw(err).Join(closeErr)
			default:
				panic(errutil.UnknownError(err))
			}
		}
	}()

	up := uploader.NewUploader(pool.Default(ctx)).
		WithPartSize(uploader.MaximumPartSize).
		WithThreads(4).
		WithProgress(progressFunc(req.Progress))

	var (
		upload tg.InputFileClass
		thumb  tg.InputFileClass
	)
	wg, wgCtx := errgroup.WithContext(ctx)
	wg.SetLimit(ratelimit.UploadConcurrency)
	wg.Go(func() error {
		f, err := up.FromPath(wgCtx, req.Path)
		if nil != err {
			if errutil.IsContext(wgCtx) {
				return wgCtx.Err()
			}
			flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
			return flaw.From(fmt.Errorf("failed to upload file: %v", err)).Append(flawP)
		}
		upload = f
		return nil
	})
	if req.ThumbPath != "" {
		wg.Go(func() error {
			t, err := d.uploadThumb(wgCtx, up, req.ThumbPath)
			if nil != err {
				return err
			}
			thumb = t
			return nil
		})
	}
	if err := wg.Wait(); nil != err {
		if errutil.IsContext(ctx) {
			return leech.MessageRef{}, ctx.Err()
		}
		return leech.MessageRef{}, err
	}

	document := message.UploadedDocument(upload, styling.Plain(req.Caption)).
		MIME(sniffMIME(req.Path)).
		Attributes(&tg.DocumentAttributeFilename{FileName: req.FileName}).
		ForceFile(true)
	if nil != thumb {
		document = document.Thumb(thumb)
	}

	var updates tg.UpdatesClass
	sendErr := d.queue.SendSingle(ctx, func() error {
		builder := &d.sender.To(peer).Builder
		if req.TopicID > 0 {
			builder = builder.Reply(req.TopicID)
		}
		u, err := builder.Media(ctx, document)
		if nil != err {
			return err
		}
		updates = u
		return nil
	})
	if nil != sendErr {
		if errutil.IsContext(ctx) {
			return leech.MessageRef{}, ctx.Err()
		}
		flawP["err_debug_tree"] = errutil.Tree(sendErr).FlawP()
		return leech.MessageRef{}, flaw.From(fmt.Errorf("failed to send document message: %v", sendErr)).Append(flawP)
	}

	return leech.MessageRef{ChatID: chatID, MsgID: msgIDFromUpdates(updates)}, nil
}

func (d *Deliverer) uploadThumb(ctx context.Context, up *uploader.Uploader, path string) (tg.InputFileClass, error) {
	cached, err := d.thumbs.Fetch(thumbKey(path), cache.DefaultUploadedThumbTTL, func() (tg.InputFileClass, error) {
		uploaded, err := up.FromPath(ctx, path)
		if nil != err {
			if errutil.IsContext(ctx) {
				return nil, ctx.Err()
			}
			flawP := flaw.P{"path": path, "err_debug_tree": errutil.Tree(err).FlawP()}
			return nil, flaw.From(fmt.Errorf("failed to upload thumbnail: %v", err)).Append(flawP)
		}
		return uploaded, nil
	})
	if nil != err {
		return nil, err
	}
	return cached.Value(), nil
}

func thumbKey(path string) string {
	info, err := os.Stat(path)
	if nil != err {
		return path
	}
	return path + ":" + strconv.FormatInt(info.ModTime().UnixNano(), 10)
}

// SendText sends a plain text message and returns its reference, so the
// caller can keep editing it as a status line.
func (d *Deliverer) SendText(ctx context.Context, chatID int64, topicID int, text string) (leech.MessageRef, error) {
	peer, err := d.peer(chatID)
	if nil != err {
		return leech.MessageRef{}, err
	}

	var updates tg.UpdatesClass
	sendErr := d.queue.SendSingle(ctx, func() error {
		builder := &d.sender.To(peer).Builder
		if topicID > 0 {
			builder = builder.Reply(topicID)
		}
		u, err := builder.Text(ctx, text)
		if nil != err {
			return err
		}
		updates = u
		return nil
	})
	if nil != sendErr {
		if errutil.IsContext(ctx) {
			return leech.MessageRef{}, ctx.Err()
		}
		flawP := flaw.P{"chat_id": chatID, "err_debug_tree": errutil.Tree(sendErr).FlawP()}
		return leech.MessageRef{}, flaw.From(fmt.Errorf("failed to send text message: %v", sendErr)).Append(flawP)
	}

	return leech.MessageRef{ChatID: chatID, MsgID: msgIDFromUpdates(updates)}, nil
}

// EditMessage replaces the text of a previously sent message. Edits share
// the same pacing queue as sends.
func (d *Deliverer) EditMessage(ctx context.Context, ref leech.MessageRef, text string) error {
	peer, err := d.peer(ref.ChatID)
	if nil != err {
		return err
	}

	sendErr := d.queue.SendSingle(ctx, func() error {
		_, err := d.sender.To(peer).Edit(ref.MsgID).Text(ctx, text)
		return err
	})
	if nil != sendErr {
		if errutil.IsContext(ctx) {
			return ctx.Err()
		}
		if tgerr.Is(sendErr, tg.ErrMessageNotModified) {
			return nil
		}
		flawP := flaw.P{"chat_id": ref.ChatID, "msg_id": ref.MsgID, "err_debug_tree": errutil.Tree(sendErr).FlawP()}
		return flaw.From(fmt.Errorf("failed to edit message: %v", sendErr)).Append(flawP)
	}
	return nil
}

type progressFunc func(sent int64)

func (f progressFunc) Chunk(_ context.Context, state uploader.ProgressState) error {
	if nil != f {
		f(state.Uploaded)
	}
	return nil
}

func sniffMIME(path string) string {
	const fallback = "application/octet-stream"

	f, err := os.Open(path)
	if nil != err {
		return fallback
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, 261)
	n, err := f.Read(head)
	if nil != err && !errors.Is(err, io.EOF) {
		return fallback
	}

	kind, err := filetype.Match(head[:n])
	if nil != err || kind == filetype.Unknown {
		return fallback
	}
	return kind.MIME.Value
}

func msgIDFromUpdates(updates tg.UpdatesClass) int {
	switch u := updates.(type) {
	case *tg.UpdateShortSentMessage:
		return u.ID
	case *tg.Updates:
		for _, upd := range u.Updates {
			switch m := upd.(type) {
			case *tg.UpdateNewMessage:
				if msg, ok := m.Message.(*tg.Message); ok {
					return msg.ID
				}
			case *tg.UpdateNewChannelMessage:
				if msg, ok := m.Message.(*tg.Message); ok {
					return msg.ID
				}
			case *tg.UpdateMessageID:
				return m.ID
			}
		}
	}
	return 0
}
