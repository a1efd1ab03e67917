package mega

import (
	"bytes"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/beast-69-bot/azmegadownloader/leech"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(zerolog.Nop())
	c.apiBase = srv.URL
	return c
}

func testFolderLink(t *testing.T) string {
	t.Helper()
	key := base64.RawURLEncoding.EncodeToString(bytes.Repeat([]byte{0xA0}, folderKeySize))
	return "https://mega.nz/folder/AbCdEfGh#" + key
}

func TestListFolderWithOnlyUnusableNodesIsNotFound(t *testing.T) {
	t.Parallel()

	// Every node lacks key material, so the whole listing is skipped. That
	// must surface as a missing remote, not a crash.
	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"f":[{"h":"n1","p":"","t":1,"a":""},{"h":"n2","p":"n1","t":0,"s":3,"a":""}]}]`))
	})

	_, err := c.List(t.Context(), testFolderLink(t))
	require.ErrorIs(t, err, leech.ErrRemoteNotFound)
}

func TestListFolderEmptyListingIsNotFound(t *testing.T) {
	t.Parallel()

	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"f":[]}]`))
	})

	_, err := c.List(t.Context(), testFolderLink(t))
	require.ErrorIs(t, err, leech.ErrRemoteNotFound)
}

func TestListFolderRemovedShareIsNotFound(t *testing.T) {
	t.Parallel()

	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[-9]`))
	})

	_, err := c.List(t.Context(), testFolderLink(t))
	require.ErrorIs(t, err, leech.ErrRemoteNotFound)
}
