package infrastructure

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/yourusername/bili-extract-go/internal/domain"
)

var (
	playInfoPattern    = regexp.MustCompile(`(?s)window\.__playinfo__\s*=\s*(\{.*?\})\s*</script>`)
	titleSuffixPattern = regexp.MustCompile(`[\s_\-–—]*哔哩哔哩.*$`)
	whitespacePattern  = regexp.MustCompile(`\s+`)
)

// playInfo mirrors the part of window.__playinfo__ the pipeline reads
type playInfo struct {
	Data *struct {
		Dash *struct {
			Duration int          `json:"duration"`
			Video    []dashStream `json:"video"`
			Audio    []dashStream `json:"audio"`
		} `json:"dash"`
	} `json:"data"`
}

type dashStream struct {
	ID           int      `json:"id"`
	BaseURL      string   `json:"base_url"`
	BaseURLCamel string   `json:"baseUrl"`
	BackupURL    []string `json:"backup_url"`
	Bandwidth    int      `json:"bandwidth"`
	Height       int      `json:"height"`
	Codecs       string   `json:"codecs"`
	MimeType     string   `json:"mime_type"`
}

func (s dashStream) descriptor() domain.StreamDescriptor {
	url := s.BaseURL
	if url == "" {
		url = s.BaseURLCamel
	}
	return domain.StreamDescriptor{
		URL:        url,
		BackupURLs: s.BackupURL,
		Quality:    s.Height,
		Bandwidth:  s.Bandwidth,
		Codecs:     s.Codecs,
		MimeType:   s.MimeType,
	}
}

// PageExtractor reads the title and DASH streams of a Bilibili video page
type PageExtractor struct{}

// NewPageExtractor creates a page extractor
func NewPageExtractor() *PageExtractor {
	return &PageExtractor{}
}

// Extract parses page. Title is cleaned of site branding and Filename is
// the sanitized title.
func (e *PageExtractor) Extract(page string) (*domain.MediaInfo, error) {
	match := playInfoPattern.FindStringSubmatch(page)
	if match == nil {
		return nil, fmt.Errorf("%w: play info not found in page", domain.ErrExtraction)
	}

	var info playInfo
	if err := json.Unmarshal([]byte(match[1]), &info); err != nil {
		return nil, fmt.Errorf("%w: malformed play info: %v", domain.ErrExtraction, err)
	}
	if info.Data == nil || info.Data.Dash == nil {
		return nil, fmt.Errorf("%w: play info has no dash streams", domain.ErrExtraction)
	}

	media := &domain.MediaInfo{
		Title:    CleanTitle(pageTitle(page)),
		Video:    descriptors(info.Data.Dash.Video),
		Audio:    descriptors(info.Data.Dash.Audio),
		Duration: float64(info.Data.Dash.Duration),
	}
	if len(media.Video) == 0 {
		return nil, fmt.Errorf("%w: no video streams", domain.ErrExtraction)
	}
	if len(media.Audio) == 0 {
		return nil, fmt.Errorf("%w: no audio streams", domain.ErrExtraction)
	}
	media.Filename = SanitizeFilename(media.Title)

	return media, nil
}

func descriptors(streams []dashStream) []domain.StreamDescriptor {
	out := make([]domain.StreamDescriptor, 0, len(streams))
	for _, s := range streams {
		d := s.descriptor()
		if d.URL == "" {
			continue
		}
		out = append(out, d)
	}
	return out
}

// CleanTitle strips the trailing site branding, collapses whitespace runs
// and trims the result.
func CleanTitle(title string) string {
	title = titleSuffixPattern.ReplaceAllString(title, "")
	title = whitespacePattern.ReplaceAllString(title, " ")
	return strings.TrimSpace(title)
}

// pageTitle returns <meta name="title">, falling back to og:title and then
// the document <title>.
func pageTitle(page string) string {
	var ogTitle, docTitle string
	inTitle := false

	z := html.NewTokenizer(strings.NewReader(page))
	for {
		switch z.Next() {
		case html.ErrorToken:
			if ogTitle != "" {
				return ogTitle
			}
			return docTitle

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "meta":
				var name, property, content string
				for _, attr := range tok.Attr {
					switch attr.Key {
					case "name":
						name = attr.Val
					case "property":
						property = attr.Val
					case "content":
						content = attr.Val
					}
				}
				if name == "title" {
					return content
				}
				if property == "og:title" && ogTitle == "" {
					ogTitle = content
				}
			case "title":
				inTitle = tok.Type == html.StartTagToken
			}

		case html.TextToken:
			if inTitle && docTitle == "" {
				docTitle = string(z.Text())
			}

		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "title" {
				inTitle = false
			}
		}
	}
}
