package infrastructure

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/yourusername/bili-extract-go/internal/domain"
)

// maxPageBytes bounds how much of a video page is read into memory
const maxPageBytes = 16 << 20

// Netscape cookie file columns
const (
	cookieDomain = iota
	cookieSubdomains
	cookiePath
	cookieSecure
	cookieExpiration
	cookieName
	cookieValue
	cookieFields
)

// NewHTTPClient builds the client shared by the session, the resolver and
// the stream downloader. timeout bounds dialing and waiting for response
// headers; body transfers are bounded by the caller.
func NewHTTPClient(jar http.CookieJar, timeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if timeout > 0 {
		tr.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
		tr.TLSHandshakeTimeout = timeout
		tr.ResponseHeaderTimeout = timeout
	}
	return &http.Client{Transport: tr, Jar: jar}
}

// CookieSession fetches video pages as the user identified by a Netscape
// cookie file exported from a logged-in browser. Without a cookie file it
// behaves as an anonymous visitor.
type CookieSession struct {
	client  *http.Client
	config  *domain.SessionConfig
	headers http.Header
	timeout time.Duration
	logger  *zap.Logger
}

// NewCookieSession creates a session, loading config.CookieFile when present
func NewCookieSession(config *domain.SessionConfig, timeout time.Duration, logger *zap.Logger) (*CookieSession, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	if config.CookieFile != "" {
		loaded, err := loadCookieFile(jar, config.CookieFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Warn("Cookie file not found, continuing without login",
				zap.String("cookie_file", config.CookieFile))
		case err != nil:
			return nil, fmt.Errorf("failed to load cookie file: %w", err)
		default:
			logger.Info("Loaded session cookies",
				zap.String("cookie_file", config.CookieFile),
				zap.Int("cookies", loaded))
		}
	}

	headers := http.Header{}
	if config.Referer != "" {
		headers.Set("Referer", config.Referer)
	}
	if config.Origin != "" {
		headers.Set("Origin", config.Origin)
	}
	if config.UserAgent != "" {
		headers.Set("User-Agent", config.UserAgent)
	}

	return &CookieSession{
		client:  NewHTTPClient(jar, timeout),
		config:  config,
		headers: headers,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// FetchPage downloads the video page for id. The fetch is aborted when the
// body stops delivering data for longer than the session timeout.
func (s *CookieSession) FetchPage(ctx context.Context, id domain.ContentID) (string, error) {
	pageURL := fmt.Sprintf(s.config.PageURLTemplate, id)

	ctx, abort := context.WithCancel(ctx)
	defer abort()

	var stalled atomic.Bool
	var watchdog *time.Timer
	if s.timeout > 0 {
		watchdog = time.AfterFunc(s.timeout, func() {
			stalled.Store(true)
			abort()
		})
		defer watchdog.Stop()
	}
	fetchErr := func(err error) error {
		if stalled.Load() {
			return fmt.Errorf("%w: %s: no data within %s", domain.ErrFetch, pageURL, s.timeout)
		}
		return fmt.Errorf("%w: %v", domain.ErrFetch, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrFetch, err)
	}
	req.Header = s.Headers()

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fetchErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %s returned %s", domain.ErrFetch, pageURL, resp.Status)
	}

	var body io.Reader = io.LimitReader(resp.Body, maxPageBytes)
	if watchdog != nil {
		body = &idleReader{r: body, timer: watchdog, timeout: s.timeout}
	}
	page, err := io.ReadAll(body)
	if err != nil {
		return "", fetchErr(fmt.Errorf("read %s: %w", pageURL, err))
	}

	s.logger.Debug("Fetched video page",
		zap.String("content_id", string(id)),
		zap.Int("bytes", len(page)))

	return string(page), nil
}

// idleReader re-arms timer whenever data arrives
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

// Headers returns a copy of the headers sent with every request
func (s *CookieSession) Headers() http.Header {
	return s.headers.Clone()
}

// Client returns the cookie-carrying HTTP client
func (s *CookieSession) Client() *http.Client {
	return s.client
}

func loadCookieFile(jar http.CookieJar, path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	cookies, err := ParseNetscapeCookies(file)
	if err != nil {
		return 0, err
	}

	loaded := 0
	for host, list := range cookies {
		u, err := url.Parse("https://" + host)
		if err != nil {
			continue
		}
		jar.SetCookies(u, list)
		loaded += len(list)
	}
	return loaded, nil
}

// ParseNetscapeCookies reads a Netscape/Mozilla cookies.txt file, grouping
// cookies by host. Malformed lines are skipped.
func ParseNetscapeCookies(r io.Reader) (map[string][]*http.Cookie, error) {
	cookies := make(map[string][]*http.Cookie)
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		httpOnly := false
		if strings.HasPrefix(line, "#HttpOnly_") {
			httpOnly = true
			line = strings.TrimPrefix(line, "#HttpOnly_")
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, "\t")
		if len(parts) != cookieFields {
			continue
		}
		// Quoted JSON values are not valid cookie values
		if strings.Contains(parts[cookieValue], `"`) {
			continue
		}

		domainName := strings.ToLower(parts[cookieDomain])
		cookie := &http.Cookie{
			Path:     parts[cookiePath],
			Secure:   strings.EqualFold(parts[cookieSecure], "true"),
			Name:     parts[cookieName],
			Value:    parts[cookieValue],
			HttpOnly: httpOnly,
		}
		if !strings.EqualFold(parts[cookieSubdomains], "false") {
			cookie.Domain = domainName
		}
		if expire, err := strconv.ParseInt(parts[cookieExpiration], 10, 64); err == nil && expire > 0 {
			cookie.Expires = time.Unix(expire, 0)
		}

		host := strings.TrimPrefix(domainName, ".")
		cookies[host] = append(cookies[host], cookie)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cookies, nil
}
