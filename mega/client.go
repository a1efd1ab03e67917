package mega

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/xeptore/flaw/v8"

	"github.com/beast-69-bot/azmegadownloader/config"
	"github.com/beast-69-bot/azmegadownloader/errutil"
	"github.com/beast-69-bot/azmegadownloader/httputil"
	"github.com/beast-69-bot/azmegadownloader/leech"
)

const defaultAPIBase = "https://g.api.mega.co.nz/cs"

// MEGA API error codes.
const (
	codeAgain       = -3
	codeRateLimit   = -4
	codeNotFound    = -9
	codeAccess      = -11
	codeBlocked     = -16
	codeOverQuota   = -17
	codeTempUnavail = -18
)

// Client talks to MEGA's public web API and implements the leech engine's
// remote source. No account credentials are involved, only public share
// links.
type Client struct {
	httpClient *http.Client
	apiBase    string
	seq        atomic.Uint64
	logger     zerolog.Logger
}

func NewClient(logger zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{}, //nolint:exhaustruct
		apiBase:    defaultAPIBase,
		seq:        atomic.Uint64{},
		logger:     logger.With().Str("module", "mega").Logger(),
	}
}

var _ leech.RemoteSource = (*Client)(nil)

func (c *Client) Classify(link string) (leech.SourceKind, error) {
	l, err := ParseLink(link)
	if nil != err {
		return 0, err
	}
	if l.Kind == LinkFolder {
		return leech.KindFolder, nil
	}
	return leech.KindFile, nil
}

// List resolves a link into an ordered manifest. Folder links are traversed
// in a single listing call so a cancellation aborts the whole resolution,
// never surfacing a partial manifest.
func (c *Client) List(ctx context.Context, link string) (*leech.Manifest, error) {
	l, err := ParseLink(link)
	if nil != err {
		return nil, err
	}

	switch l.Kind {
	case LinkFile:
		return c.listFile(ctx, l)
	case LinkFolder:
		return c.listFolder(ctx, l)
	default:
		panic(fmt.Sprintf("unsupported link kind %d", l.Kind))
	}
}

func (c *Client) listFile(ctx context.Context, l *Link) (*leech.Manifest, error) {
	cmd := map[string]any{"a": "g", "p": l.Handle}
	res, err := c.request(ctx, cmd, "", config.MegaAPIRequestTimeout)
	if nil != err {
		return nil, err
	}

	attrKey, err := foldKey(l.Key)
	if nil != err {
		return nil, &MalformedLinkError{Link: l.Raw, Err: err}
	}
	attrBytes, err := decodeBase64(res.Get("at").String())
	if nil != err {
		flawP := flaw.P{"handle": l.Handle, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to decode file attributes: %v", err)).Append(flawP)
	}
	name, err := decryptAttr(attrKey, attrBytes)
	if nil != err {
		flawP := flaw.P{"handle": l.Handle, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to decrypt file attributes: %v", err)).Append(flawP)
	}

	return &leech.Manifest{
		Name: name,
		Items: []leech.ManifestItem{{
			ID:   l.Handle,
			Path: name,
			Size: res.Get("s").Int(),
			Key:  l.Key,
		}},
	}, nil
}

type folderNode struct {
	handle string
	parent string
	name   string
	isDir  bool
	size   int64
	key    []byte
}

func (c *Client) listFolder(ctx context.Context, l *Link) (*leech.Manifest, error) {
	cmd := map[string]any{"a": "f", "c": 1, "r": 1}
	res, err := c.request(ctx, cmd, l.Handle, config.FolderListRequestTimeout)
	if nil != err {
		return nil, err
	}

	rawNodes := res.Get("f").Array()
	if len(rawNodes) == 0 {
		return nil, leech.ErrRemoteNotFound
	}

	nodes := make(map[string]*folderNode, len(rawNodes))
	order := make([]string, 0, len(rawNodes))
	for _, raw := range rawNodes {
		n, err := c.decryptNode(l, raw)
		if nil != err {
			return nil, err
		}
		if n == nil {
			continue
		}
		nodes[n.handle] = n
		order = append(order, n.handle)
	}

	// A listing where every node was skipped has nothing to leech.
	if len(order) == 0 {
		return nil, leech.ErrRemoteNotFound
	}

	rootName := ""
	if root, ok := nodes[order[0]]; ok && root.isDir {
		rootName = root.name
	}

	var items []leech.ManifestItem
	for _, handle := range order {
		n := nodes[handle]
		if n.isDir {
			continue
		}
		items = append(items, leech.ManifestItem{
			ID:   n.handle,
			Path: nodePath(nodes, n),
			Size: n.size,
			Key:  n.key,
		})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Path < items[j].Path })

	return &leech.Manifest{Name: rootName, Items: items}, nil
}

// decryptNode decodes one listing entry. Nodes with unusable key material
// are skipped rather than failing the whole listing.
func (c *Client) decryptNode(l *Link, raw gjson.Result) (*folderNode, error) {
	nodeType := raw.Get("t").Int()
	if nodeType != 0 && nodeType != 1 {
		return nil, nil
	}

	_, encKeyStr, found := strings.Cut(raw.Get("k").String(), ":")
	if !found || encKeyStr == "" {
		c.logger.Warn().Str("handle", raw.Get("h").String()).Msg("Skipping node without key material")
		return nil, nil
	}
	encKey, err := decodeBase64(encKeyStr)
	if nil != err {
		flawP := flaw.P{"handle": raw.Get("h").String(), "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to decode node key: %v", err)).Append(flawP)
	}
	nodeKey, err := decryptNodeKey(l.Key, encKey)
	if nil != err {
		flawP := flaw.P{"handle": raw.Get("h").String(), "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to decrypt node key: %v", err)).Append(flawP)
	}

	attrKey, err := foldKey(nodeKey)
	if nil != err {
		c.logger.Warn().Str("handle", raw.Get("h").String()).Err(err).Msg("Skipping node with unexpected key length")
		return nil, nil
	}
	attrBytes, err := decodeBase64(raw.Get("a").String())
	if nil != err {
		flawP := flaw.P{"handle": raw.Get("h").String(), "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to decode node attributes: %v", err)).Append(flawP)
	}
	name, err := decryptAttr(attrKey, attrBytes)
	if nil != err {
		flawP := flaw.P{"handle": raw.Get("h").String(), "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to decrypt node attributes: %v", err)).Append(flawP)
	}

	return &folderNode{
		handle: raw.Get("h").String(),
		parent: raw.Get("p").String(),
		name:   name,
		isDir:  nodeType == 1,
		size:   raw.Get("s").Int(),
		key:    nodeKey,
	}, nil
}

// nodePath builds the slash-separated path of a node relative to the share
// root. The root folder's own name is not part of item paths.
func nodePath(nodes map[string]*folderNode, n *folderNode) string {
	var segments []string
	for cur := n; cur != nil; {
		parent, ok := nodes[cur.parent]
		if !ok {
			break
		}
		segments = append([]string{cur.name}, segments...)
		cur = parent
	}
	if len(segments) == 0 {
		return n.name
	}
	out := segments[0]
	for _, s := range segments[1:] {
		out += "/" + s
	}
	return out
}

// OpenRead fetches the item's download URL and opens a decrypting stream
// over its content.
func (c *Client) OpenRead(ctx context.Context, link string, item leech.ManifestItem) (io.ReadCloser, error) {
	l, err := ParseLink(link)
	if nil != err {
		return nil, err
	}

	var (
		cmd    map[string]any
		folder string
	)
	if l.Kind == LinkFolder {
		cmd = map[string]any{"a": "g", "g": 1, "n": item.ID}
		folder = l.Handle
	} else {
		cmd = map[string]any{"a": "g", "g": 1, "p": item.ID}
	}

	res, err := c.request(ctx, cmd, folder, config.MegaAPIRequestTimeout)
	if nil != err {
		return nil, err
	}
	downloadURL := res.Get("g").String()
	if downloadURL == "" {
		return nil, &leech.TransientNetworkError{Err: errors.New("api returned no download url")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if nil != err {
		if errutil.IsContext(ctx) {
			return nil, ctx.Err()
		}
		flawP := flaw.P{"url": downloadURL, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to create download request: %v", err)).Append(flawP)
	}

	resp, err := c.httpClient.Do(req)
	if nil != err {
		if errutil.IsContext(ctx) {
			return nil, ctx.Err()
		}
		return nil, &leech.TransientNetworkError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		if errutil.IsBandwidthLimitResponse(resp) {
			return nil, &leech.TransientNetworkError{Err: errors.New("storage node bandwidth limit reached")}
		}
		return nil, &leech.TransientNetworkError{Err: fmt.Errorf("storage node responded with status %d", resp.StatusCode)}
	}

	plain, err := newCTRReader(resp.Body, item.Key)
	if nil != err {
		_ = resp.Body.Close()
		flawP := flaw.P{"item": item.ID, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to initialize decrypting reader: %v", err)).Append(flawP)
	}
	return readCloser{Reader: plain, closer: resp.Body}, nil
}

type readCloser struct {
	io.Reader
	closer io.Closer
}

func (r readCloser) Close() error { return r.closer.Close() }

// request issues one API command and returns its result object. Negative
// numeric results are mapped onto the engine's error taxonomy.
func (c *Client) request(ctx context.Context, cmd map[string]any, folderHandle string, timeout time.Duration) (gjson.Result, error) {
	body, err := json.Marshal([]map[string]any{cmd})
	if nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return gjson.Result{}, flaw.From(fmt.Errorf("failed to marshal api command: %v", err)).Append(flawP)
	}

	reqURL, err := url.Parse(c.apiBase)
	if nil != err {
		flawP := flaw.P{"api_base": c.apiBase, "err_debug_tree": errutil.Tree(err).FlawP()}
		return gjson.Result{}, flaw.From(fmt.Errorf("failed to parse api base url: %v", err)).Append(flawP)
	}
	params := make(url.Values, 2)
	params.Set("id", strconv.FormatUint(c.seq.Add(1), 10))
	if folderHandle != "" {
		params.Set("n", folderHandle)
	}
	reqURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), bytes.NewReader(body))
	if nil != err {
		if errutil.IsContext(ctx) {
			return gjson.Result{}, ctx.Err()
		}
		flawP := flaw.P{"url": reqURL.String(), "err_debug_tree": errutil.Tree(err).FlawP()}
		return gjson.Result{}, flaw.From(fmt.Errorf("failed to create api request: %v", err)).Append(flawP)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: timeout} //nolint:exhaustruct
	resp, err := client.Do(req)
	if nil != err {
		if errutil.IsContext(ctx) {
			return gjson.Result{}, ctx.Err()
		}
		return gjson.Result{}, &leech.TransientNetworkError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return gjson.Result{}, &leech.TransientNetworkError{Err: fmt.Errorf("api responded with status %d", resp.StatusCode)}
		}
		flawP := flaw.P{"response": errutil.HTTPResponseFlawPayload(resp)}
		return gjson.Result{}, flaw.From(fmt.Errorf("api responded with unexpected status %d", resp.StatusCode)).Append(flawP)
	}

	respBody, err := httputil.ReadResponseBody(ctx, resp)
	if nil != err {
		return gjson.Result{}, err
	}

	parsed := gjson.ParseBytes(respBody)
	result := parsed
	if parsed.IsArray() {
		arr := parsed.Array()
		if len(arr) == 0 {
			flawP := flaw.P{"response_body": string(respBody)}
			return gjson.Result{}, flaw.From(errors.New("api returned an empty result array")).Append(flawP)
		}
		result = arr[0]
	}

	if result.Type == gjson.Number {
		return gjson.Result{}, apiError(int(result.Int()))
	}
	return result, nil
}

func apiError(code int) error {
	switch code {
	case codeAgain, codeRateLimit, codeOverQuota, codeTempUnavail:
		return &leech.TransientNetworkError{Err: fmt.Errorf("api error %d", code)}
	case codeNotFound:
		return leech.ErrRemoteNotFound
	case codeAccess, codeBlocked:
		return leech.ErrAccessDenied
	default:
		return flaw.From(fmt.Errorf("unexpected api error %d", code))
	}
}
