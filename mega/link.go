// Package mega resolves and downloads public MEGA links. It implements the
// engine's remote source over MEGA's public web API, including the
// client-side AES decryption MEGA applies to file content and node
// attributes.
package mega

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

type LinkKind uint8

const (
	LinkFile LinkKind = iota
	LinkFolder
)

type Link struct {
	Kind   LinkKind
	Handle string
	Key    []byte
	Raw    string
}

type MalformedLinkError struct {
	Link string
	Err  error
}

func (e *MalformedLinkError) Error() string {
	return fmt.Sprintf("malformed mega link %q: %v", e.Link, e.Err)
}

func (e *MalformedLinkError) Unwrap() error { return e.Err }

// IsLink reports whether the text looks like a MEGA share link, without
// validating its key material.
func IsLink(text string) bool {
	u, err := url.Parse(strings.TrimSpace(text))
	if nil != err {
		return false
	}
	switch u.Host {
	case "mega.nz", "www.mega.nz", "mega.co.nz", "www.mega.co.nz":
		return true
	default:
		return false
	}
}

// ParseLink classifies a MEGA share link and extracts its handle and key.
// Both the current (/file/<h>#<k>, /folder/<h>#<k>) and the legacy
// (#!<h>!<k>, #F!<h>!<k>) formats are accepted.
func ParseLink(text string) (*Link, error) {
	raw := strings.TrimSpace(text)
	u, err := url.Parse(raw)
	if nil != err {
		return nil, &MalformedLinkError{Link: raw, Err: fmt.Errorf("failed to parse URL: %v", err)}
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, &MalformedLinkError{Link: raw, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}

	switch u.Host {
	case "mega.nz", "www.mega.nz", "mega.co.nz", "www.mega.co.nz":
	default:
		return nil, &MalformedLinkError{Link: raw, Err: fmt.Errorf("unsupported host %q", u.Host)}
	}

	// Legacy links carry everything in the fragment: #!handle!key or
	// #F!handle!key.
	if frag := u.Fragment; strings.HasPrefix(frag, "!") || strings.HasPrefix(frag, "F!") {
		kind := LinkFile
		body := strings.TrimPrefix(frag, "!")
		if strings.HasPrefix(frag, "F!") {
			kind = LinkFolder
			body = strings.TrimPrefix(frag, "F!")
		}
		handle, keyStr, found := strings.Cut(body, "!")
		if !found {
			return nil, &MalformedLinkError{Link: raw, Err: errors.New("legacy link is missing its key segment")}
		}
		return newLink(raw, kind, handle, keyStr)
	}

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) != 2 {
		return nil, &MalformedLinkError{Link: raw, Err: errors.New("link path is missing its handle segment")}
	}

	var kind LinkKind
	switch parts[0] {
	case "file":
		kind = LinkFile
	case "folder":
		kind = LinkFolder
	default:
		return nil, &MalformedLinkError{Link: raw, Err: fmt.Errorf("unsupported link type %q", parts[0])}
	}

	handle := parts[1]
	if u.Fragment == "" {
		return nil, &MalformedLinkError{Link: raw, Err: errors.New("link is missing its key fragment")}
	}
	// Folder links may address a subfolder as #key/folder/<subhandle>.
	keyStr, _, _ := strings.Cut(u.Fragment, "/")
	return newLink(raw, kind, handle, keyStr)
}

func newLink(raw string, kind LinkKind, handle, keyStr string) (*Link, error) {
	if handle == "" {
		return nil, &MalformedLinkError{Link: raw, Err: errors.New("empty handle")}
	}

	key, err := decodeBase64(keyStr)
	if nil != err {
		return nil, &MalformedLinkError{Link: raw, Err: fmt.Errorf("failed to decode key: %v", err)}
	}

	switch kind {
	case LinkFile:
		if len(key) != fileKeySize {
			return nil, &MalformedLinkError{Link: raw, Err: fmt.Errorf("file key must be %d bytes, got %d", fileKeySize, len(key))}
		}
	case LinkFolder:
		if len(key) != folderKeySize {
			return nil, &MalformedLinkError{Link: raw, Err: fmt.Errorf("folder key must be %d bytes, got %d", folderKeySize, len(key))}
		}
	}

	return &Link{Kind: kind, Handle: handle, Key: key, Raw: raw}, nil
}
