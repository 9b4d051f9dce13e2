package infrastructure

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/bili-extract-go/internal/domain"
)

const testCookieFile = `# Netscape HTTP Cookie File
# This is a generated file! Do not edit.

.bilibili.com	TRUE	/	FALSE	4102444800	buvid3	ABC-123
#HttpOnly_.bilibili.com	TRUE	/	TRUE	4102444800	SESSDATA	secret%2Cvalue
www.bilibili.com	FALSE	/	FALSE	0	host_only	1
.bilibili.com	TRUE	/	FALSE	4102444800	json_cookie	{"a":"b"}
malformed line without tabs
`

func TestParseNetscapeCookies(t *testing.T) {
	cookies, err := ParseNetscapeCookies(strings.NewReader(testCookieFile))
	require.NoError(t, err)

	require.Len(t, cookies["bilibili.com"], 2)
	require.Len(t, cookies["www.bilibili.com"], 1)

	buvid := cookies["bilibili.com"][0]
	assert.Equal(t, "buvid3", buvid.Name)
	assert.Equal(t, "ABC-123", buvid.Value)
	assert.Equal(t, ".bilibili.com", buvid.Domain)
	assert.False(t, buvid.HttpOnly)
	assert.Equal(t, time.Unix(4102444800, 0), buvid.Expires)

	sess := cookies["bilibili.com"][1]
	assert.Equal(t, "SESSDATA", sess.Name)
	assert.True(t, sess.HttpOnly)
	assert.True(t, sess.Secure)

	hostOnly := cookies["www.bilibili.com"][0]
	assert.Empty(t, hostOnly.Domain)
	assert.True(t, hostOnly.Expires.IsZero())
}

func TestCookieSession_LoadsCookiesIntoJar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.txt")
	require.NoError(t, os.WriteFile(path, []byte(testCookieFile), 0600))

	session, err := NewCookieSession(&domain.SessionConfig{
		CookieFile:      path,
		PageURLTemplate: "https://www.bilibili.com/video/%s/",
	}, time.Second, nil)
	require.NoError(t, err)

	u, _ := url.Parse("https://www.bilibili.com/video/BV1xx411c7mD/")
	names := map[string]bool{}
	for _, c := range session.Client().Jar.Cookies(u) {
		names[c.Name] = true
	}
	assert.True(t, names["buvid3"])
	assert.True(t, names["SESSDATA"])
	assert.True(t, names["host_only"])
}

func TestCookieSession_MissingCookieFileIsAnonymous(t *testing.T) {
	session, err := NewCookieSession(&domain.SessionConfig{
		CookieFile: filepath.Join(t.TempDir(), "missing.txt"),
	}, time.Second, nil)
	require.NoError(t, err)
	assert.NotNil(t, session.Client())
}

func TestCookieSession_FetchPage(t *testing.T) {
	var gotPath, gotReferer, gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotReferer = r.Header.Get("Referer")
		gotAgent = r.Header.Get("User-Agent")
		w.Write([]byte("<html>page</html>"))
	}))
	defer server.Close()

	session, err := NewCookieSession(&domain.SessionConfig{
		PageURLTemplate: server.URL + "/video/%s/",
		UserAgent:       "Mozilla/5.0",
		Referer:         "https://www.bilibili.com",
		Origin:          "https://www.bilibili.com",
	}, time.Second, nil)
	require.NoError(t, err)

	page, err := session.FetchPage(context.Background(), "BV1xx411c7mD")
	require.NoError(t, err)
	assert.Equal(t, "<html>page</html>", page)
	assert.Equal(t, "/video/BV1xx411c7mD/", gotPath)
	assert.Equal(t, "https://www.bilibili.com", gotReferer)
	assert.Equal(t, "Mozilla/5.0", gotAgent)

	headers := session.Headers()
	headers.Set("Referer", "mutated")
	assert.Equal(t, "https://www.bilibili.com", session.Headers().Get("Referer"))
	assert.Equal(t, "https://www.bilibili.com", session.Headers().Get("Origin"))
}

func TestCookieSession_FetchPageStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	session, err := NewCookieSession(&domain.SessionConfig{
		PageURLTemplate: server.URL + "/video/%s/",
	}, time.Second, nil)
	require.NoError(t, err)

	_, err = session.FetchPage(context.Background(), "BV1xx411c7mD")
	assert.True(t, errors.Is(err, domain.ErrFetch), "got %v", err)
}

func TestCookieSession_FetchPageStalledBody(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<html><head>"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	session, err := NewCookieSession(&domain.SessionConfig{
		PageURLTemplate: server.URL + "/video/%s/",
	}, 200*time.Millisecond, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = session.FetchPage(context.Background(), "BV1xx411c7mD")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrFetch), "got %v", err)
	assert.Contains(t, err.Error(), "no data within")
	assert.Less(t, time.Since(start), 5*time.Second)
}
