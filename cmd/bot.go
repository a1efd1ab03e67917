package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"github.com/beast-69-bot/azmegadownloader/cache"
	"github.com/beast-69-bot/azmegadownloader/config"
	"github.com/beast-69-bot/azmegadownloader/errutil"
	"github.com/beast-69-bot/azmegadownloader/leech"
	"github.com/beast-69-bot/azmegadownloader/log"
	"github.com/beast-69-bot/azmegadownloader/mega"
	"github.com/beast-69-bot/azmegadownloader/must"
	"github.com/beast-69-bot/azmegadownloader/store"
	"github.com/beast-69-bot/azmegadownloader/tgdeliver"
)

const helpText = `Commands:
/leech <mega link> - download the link and upload its files here
/status <task id> - show task progress
/cancel <task id> - cancel a task you own
/setsplit <size> - split files larger than size (e.g. 1900MB, 0 disables)
/setprefix <text> - file name prefix (empty clears)
/setsuffix <text> - file name suffix (empty clears)
/setcaption <template> - caption template, supports {filename} {basename} {ext}
/setthumb <path> - thumbnail image path on the bot host (empty clears)
/setdest <topic id> - forum topic to upload into (0 clears)`

// Bot routes incoming Telegram messages to the leech engine and the
// settings store.
type Bot struct {
	config    *config.Config
	engine    *leech.Engine
	store     *store.Store
	cache     *cache.Cache
	deliverer *tgdeliver.Deliverer
	// msgCtx outlives the run context by a grace window so terminal status
	// messages still go out during shutdown.
	msgCtx context.Context
	logger zerolog.Logger
}

func (b *Bot) onNewMessage(ctx context.Context, e tg.Entities, update *tg.UpdateNewMessage) error {
	// A panicking handler must not take down the whole updates loop.
	defer func() {
		if r := recover(); nil != r {
			b.logger.Error().Func(log.Panic(r)).Msg("Message handler panicked")
		}
	}()

	m, ok := update.Message.(*tg.Message)
	if !ok || m.Out {
		return nil
	}

	chatID, peer := peerFromMessage(e, m)
	if peer == nil {
		return nil
	}
	b.deliverer.RememberPeer(chatID, peer)

	senderID := senderFromMessage(m)
	if senderID == 0 {
		return nil
	}
	if !b.authorized(chatID, senderID) {
		return nil
	}

	text := strings.TrimSpace(m.Message)
	cmd, arg, _ := strings.Cut(text, " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	arg = strings.TrimSpace(arg)

	topicID := topicFromMessage(m)

	switch cmd {
	case "/start", "/help":
		b.reply(chatID, topicID, helpText)
	case "/ping":
		b.reply(chatID, topicID, "pong")
	case "/leech":
		b.handleLeech(ctx, chatID, senderID, topicID, arg)
	case "/status":
		b.handleStatus(chatID, topicID, arg)
	case "/cancel":
		b.handleCancel(ctx, chatID, senderID, topicID, arg)
	case "/setsplit":
		b.handleSetSplit(ctx, chatID, senderID, topicID, arg)
	case "/setprefix":
		b.handleSetString(ctx, chatID, senderID, topicID, arg, "Prefix", b.store.SetPrefix)
	case "/setsuffix":
		b.handleSetString(ctx, chatID, senderID, topicID, arg, "Suffix", b.store.SetSuffix)
	case "/setcaption":
		b.handleSetString(ctx, chatID, senderID, topicID, arg, "Caption template", b.store.SetCaption)
	case "/setthumb":
		b.handleSetThumb(ctx, chatID, senderID, topicID, arg)
	case "/setdest":
		b.handleSetDest(ctx, chatID, senderID, topicID, arg)
	case "/ban":
		b.handleSetFlag(ctx, chatID, senderID, topicID, arg, "banned", func(ctx context.Context, id int64) error {
			return b.store.SetBanned(ctx, id, true)
		})
	case "/unban":
		b.handleSetFlag(ctx, chatID, senderID, topicID, arg, "unbanned", func(ctx context.Context, id int64) error {
			return b.store.SetBanned(ctx, id, false)
		})
	case "/premium":
		b.handlePremium(ctx, chatID, senderID, topicID, arg)
	default:
		if mega.IsLink(text) {
			b.handleLeech(ctx, chatID, senderID, topicID, text)
		}
	}
	return nil
}

// authorized restricts the bot to its configured chats. The owner may use it
// anywhere.
func (b *Bot) authorized(chatID, senderID int64) bool {
	if senderID == b.config.OwnerID {
		return true
	}
	if len(b.config.AuthorizedChatIDs) == 0 {
		return true
	}
	return slices.Contains(b.config.AuthorizedChatIDs, chatID)
}

func (b *Bot) handleLeech(ctx context.Context, chatID, senderID int64, topicID int, link string) {
	if link == "" {
		b.reply(chatID, topicID, "Usage: /leech <mega link>")
		return
	}

	taskID, err := b.engine.Admit(ctx, senderID, chatID, link)
	if nil != err {
		b.reply(chatID, topicID, admissionErrorText(err))
		if errutil.IsFlaw(err) {
			b.logger.Error().Func(log.Flaw(must.BeFlaw(err))).Msg("Task admission failed")
		}
		return
	}

	ref, err := b.deliverer.SendText(b.msgCtx, chatID, topicID, fmt.Sprintf("Task %s accepted.", taskID))
	if nil != err {
		b.logSendErr(err, "Failed to send task acceptance message")
		return
	}
	go b.streamStatus(taskID, ref)
}

// streamStatus keeps one status message per task updated until the terminal
// sample arrives. The reporter already throttles sample frequency, the wait
// queue paces the resulting edits.
func (b *Bot) streamStatus(taskID string, ref leech.MessageRef) {
	samples, unsubscribe := b.engine.Subscribe(taskID)
	defer unsubscribe()

	for s := range samples {
		if err := b.deliverer.EditMessage(b.msgCtx, ref, leech.FormatSample(s)); nil != err {
			if errutil.IsContext(b.msgCtx) {
				return
			}
			b.logSendErr(err, "Failed to edit status message")
		}
		if s.Done {
			return
		}
	}
}

func (b *Bot) handleStatus(chatID int64, topicID int, taskID string) {
	if taskID == "" {
		b.reply(chatID, topicID, "Usage: /status <task id>")
		return
	}

	snap, err := b.engine.Registry().Status(taskID)
	if nil != err {
		b.reply(chatID, topicID, admissionErrorText(err))
		return
	}
	b.reply(chatID, topicID, leech.FormatSample(leech.SampleFromSnapshot(snap)))
}

func (b *Bot) handleCancel(ctx context.Context, chatID, senderID int64, topicID int, taskID string) {
	if taskID == "" {
		b.reply(chatID, topicID, "Usage: /cancel <task id>")
		return
	}

	isAdmin := senderID == b.config.OwnerID
	if !isAdmin {
		ent, err := b.store.Lookup(ctx, senderID)
		if nil != err {
			b.logSendErr(err, "Failed to look up requester entitlement")
		} else {
			isAdmin = ent.Admin
		}
	}

	snap, err := b.engine.Registry().Cancel(taskID, senderID, isAdmin)
	if nil != err {
		b.reply(chatID, topicID, admissionErrorText(err))
		return
	}
	if snap.State.Terminal() {
		b.reply(chatID, topicID, fmt.Sprintf("Task %s already finished as %s.", taskID, snap.State))
		return
	}
	b.reply(chatID, topicID, fmt.Sprintf("Cancelling task %s...", taskID))
}

func (b *Bot) handleSetSplit(ctx context.Context, chatID, senderID int64, topicID int, arg string) {
	if arg == "" {
		b.reply(chatID, topicID, "Usage: /setsplit <size>, e.g. /setsplit 1900MB")
		return
	}

	size, err := humanize.ParseBytes(arg)
	if nil != err {
		b.reply(chatID, topicID, fmt.Sprintf("Cannot parse %q as a size.", arg))
		return
	}
	if size > config.MaxUploadPartSize {
		b.reply(chatID, topicID, fmt.Sprintf("Split size cannot exceed %s.", humanize.IBytes(config.MaxUploadPartSize)))
		return
	}

	if err := b.store.SetSplitSize(ctx, senderID, int64(size)); nil != err {
		b.replyStoreFailure(chatID, topicID, err)
		return
	}
	if size == 0 {
		b.reply(chatID, topicID, "Splitting disabled.")
		return
	}
	b.reply(chatID, topicID, fmt.Sprintf("Files larger than %s will be split.", humanize.IBytes(size)))
}

func (b *Bot) handleSetString(
	ctx context.Context,
	chatID, senderID int64,
	topicID int,
	arg, label string,
	set func(context.Context, int64, string) error,
) {
	if err := set(ctx, senderID, arg); nil != err {
		b.replyStoreFailure(chatID, topicID, err)
		return
	}
	if arg == "" {
		b.reply(chatID, topicID, label+" cleared.")
		return
	}
	b.reply(chatID, topicID, fmt.Sprintf("%s set to %q.", label, arg))
}

func (b *Bot) handleSetThumb(ctx context.Context, chatID, senderID int64, topicID int, arg string) {
	if arg != "" {
		if _, err := os.Stat(arg); nil != err {
			b.reply(chatID, topicID, fmt.Sprintf("Thumbnail file %q is not readable on the bot host.", arg))
			return
		}
	}
	if err := b.store.SetThumbPath(ctx, senderID, arg); nil != err {
		b.replyStoreFailure(chatID, topicID, err)
		return
	}
	if arg == "" {
		b.reply(chatID, topicID, "Thumbnail cleared.")
		return
	}
	b.reply(chatID, topicID, "Thumbnail set.")
}

func (b *Bot) handleSetDest(ctx context.Context, chatID, senderID int64, topicID int, arg string) {
	id := 0
	if arg != "" {
		parsed, err := strconv.Atoi(arg)
		if nil != err || parsed < 0 {
			b.reply(chatID, topicID, "Usage: /setdest <topic id>, 0 clears")
			return
		}
		id = parsed
	}
	if err := b.store.SetTopicID(ctx, senderID, id); nil != err {
		b.replyStoreFailure(chatID, topicID, err)
		return
	}
	if id == 0 {
		b.reply(chatID, topicID, "Uploads will go to the main chat.")
		return
	}
	b.reply(chatID, topicID, fmt.Sprintf("Uploads will go to topic %d.", id))
}

func (b *Bot) handleSetFlag(
	ctx context.Context,
	chatID, senderID int64,
	topicID int,
	arg, verb string,
	set func(context.Context, int64) error,
) {
	if senderID != b.config.OwnerID {
		return
	}
	target, err := strconv.ParseInt(arg, 10, 64)
	if nil != err || target == 0 {
		b.reply(chatID, topicID, "Expected a numeric user id.")
		return
	}
	if err := set(ctx, target); nil != err {
		b.replyStoreFailure(chatID, topicID, err)
		return
	}
	b.cache.Entitlements.Invalidate(target)
	b.reply(chatID, topicID, fmt.Sprintf("User %d %s.", target, verb))
}

func (b *Bot) handlePremium(ctx context.Context, chatID, senderID int64, topicID int, arg string) {
	if senderID != b.config.OwnerID {
		return
	}

	userArg, daysArg, _ := strings.Cut(arg, " ")
	target, err := strconv.ParseInt(userArg, 10, 64)
	if nil != err || target == 0 {
		b.reply(chatID, topicID, "Usage: /premium <user id> <days>, 0 days revokes")
		return
	}
	days, err := strconv.Atoi(strings.TrimSpace(daysArg))
	if nil != err || days < 0 {
		b.reply(chatID, topicID, "Usage: /premium <user id> <days>, 0 days revokes")
		return
	}

	var expiry time.Time
	if days > 0 {
		expiry = time.Now().AddDate(0, 0, days)
	}
	if err := b.store.SetPremium(ctx, target, expiry); nil != err {
		b.replyStoreFailure(chatID, topicID, err)
		return
	}
	b.cache.Entitlements.Invalidate(target)
	if days == 0 {
		b.reply(chatID, topicID, fmt.Sprintf("Premium revoked for user %d.", target))
		return
	}
	b.reply(chatID, topicID, fmt.Sprintf("Premium granted to user %d until %s.", target, expiry.Format(time.DateOnly)))
}

func (b *Bot) reply(chatID int64, topicID int, text string) {
	if _, err := b.deliverer.SendText(b.msgCtx, chatID, topicID, text); nil != err {
		b.logSendErr(err, "Failed to send reply")
	}
}

func (b *Bot) replyStoreFailure(chatID int64, topicID int, err error) {
	b.logSendErr(err, "Settings update failed")
	b.reply(chatID, topicID, "Could not save the setting. Try again later.")
}

func (b *Bot) logSendErr(err error, msg string) {
	if errutil.IsContext(b.msgCtx) {
		return
	}
	if errutil.IsFlaw(err) {
		b.logger.Error().Func(log.Flaw(must.BeFlaw(err))).Msg(msg)
		return
	}
	b.logger.Error().Err(err).Msg(msg)
}

// admissionErrorText maps engine errors onto the short user-facing texts.
// Internal details never leak into chat.
func admissionErrorText(err error) string {
	switch kind := leech.ErrorKind(err); kind {
	case "InvalidLink":
		return "That does not look like a MEGA file or folder link."
	case "Forbidden":
		return "You are not allowed to do that."
	case "QuotaExceeded":
		return "Daily free task quota reached. Try again tomorrow or upgrade."
	case "NotFound":
		return "No such task. It may have expired already."
	default:
		return "Request failed: " + kind + "."
	}
}

func peerFromMessage(e tg.Entities, m *tg.Message) (int64, tg.InputPeerClass) {
	switch p := m.PeerID.(type) {
	case *tg.PeerUser:
		if u, ok := e.Users[p.UserID]; ok {
			return p.UserID, u.AsInputPeer()
		}
	case *tg.PeerChat:
		return p.ChatID, &tg.InputPeerChat{ChatID: p.ChatID}
	case *tg.PeerChannel:
		if c, ok := e.Channels[p.ChannelID]; ok {
			return p.ChannelID, c.AsInputPeer()
		}
	}
	return 0, nil
}

func senderFromMessage(m *tg.Message) int64 {
	if from, ok := m.FromID.(*tg.PeerUser); ok {
		return from.UserID
	}
	// Private chats omit FromID, the peer is the sender.
	if p, ok := m.PeerID.(*tg.PeerUser); ok {
		return p.UserID
	}
	return 0
}

// topicFromMessage extracts the forum topic a message was posted in, so
// replies land in the same topic.
func topicFromMessage(m *tg.Message) int {
	reply, ok := m.GetReplyTo()
	if !ok {
		return 0
	}
	header, ok := reply.(*tg.MessageReplyHeader)
	if !ok || !header.ForumTopic {
		return 0
	}
	if topMsgID, ok := header.GetReplyToTopID(); ok {
		return topMsgID
	}
	return header.ReplyToMsgID
}
