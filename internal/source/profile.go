package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/charmbracelet/log"

	"github.com/deziikuoo/Lillyalbaab-Social/internal/config"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/models"
)

const snapMediaTypeVideo = 1

var errNoPageData = errors.New("page data script not found")

// ProfileSource reads the public story list embedded in a profile page
type ProfileSource struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	logger     *log.Logger
}

// NewProfileSource creates a source for profile pages under cfg.BaseURL
func NewProfileSource(cfg config.SourceConfig, client *http.Client, logger *log.Logger) *ProfileSource {
	if client == nil {
		client = http.DefaultClient
	}
	base := cfg.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return &ProfileSource{
		baseURL:    base,
		userAgent:  cfg.UserAgent,
		httpClient: client,
		logger:     logger,
	}
}

// ProfileURL returns the public page for identity
func (s *ProfileSource) ProfileURL(identity string) string {
	return s.baseURL + url.PathEscape(identity) + "/"
}

// page data layout, limited to the fields we read
type nextData struct {
	Props struct {
		PageProps struct {
			UserProfile json.RawMessage `json:"userProfile"`
			Story       *struct {
				SnapList []snap `json:"snapList"`
			} `json:"story"`
		} `json:"pageProps"`
	} `json:"props"`
}

type snap struct {
	SnapID struct {
		Value string `json:"value"`
	} `json:"snapId"`
	SnapURLs struct {
		MediaURL string `json:"mediaUrl"`
	} `json:"snapUrls"`
	SnapMediaType  int `json:"snapMediaType"`
	TimestampInSec struct {
		Value json.Number `json:"value"`
	} `json:"timestampInSec"`
}

func (s *ProfileSource) FetchItems(ctx context.Context, identity string) ([]models.RawItem, error) {
	if identity == "" {
		return nil, &FetchError{Err: errors.New("empty identity")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.ProfileURL(identity), nil)
	if err != nil {
		return nil, &FetchError{Identity: identity, Err: err}
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Identity: identity, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{Identity: identity, StatusCode: resp.StatusCode, Err: errors.New("unexpected status")}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, &FetchError{Identity: identity, Err: fmt.Errorf("parse html: %w", err)}
	}

	items, err := parseStories(doc)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, &FetchError{Identity: identity, Err: err}
	}

	s.logger.Debug("fetched stories", "target", identity, "count", len(items))
	return items, nil
}

func parseStories(doc *goquery.Document) ([]models.RawItem, error) {
	script := doc.Find(`script#__NEXT_DATA__`).First()
	if script.Length() == 0 {
		return nil, errNoPageData
	}

	var data nextData
	dec := json.NewDecoder(strings.NewReader(script.Text()))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode page data: %w", err)
	}

	props := data.Props.PageProps
	if len(props.UserProfile) == 0 || string(props.UserProfile) == "null" {
		return nil, ErrNotFound
	}
	if props.Story == nil {
		return []models.RawItem{}, nil
	}

	items := make([]models.RawItem, 0, len(props.Story.SnapList))
	for _, sn := range props.Story.SnapList {
		if sn.SnapURLs.MediaURL == "" {
			continue
		}
		kind := models.MediaPhoto
		if sn.SnapMediaType == snapMediaTypeVideo {
			kind = models.MediaVideo
		}
		ts, _ := sn.TimestampInSec.Value.Int64()
		items = append(items, models.RawItem{
			RemoteID:  sn.SnapID.Value,
			URL:       sn.SnapURLs.MediaURL,
			Kind:      kind,
			Timestamp: ts,
		})
	}
	return items, nil
}
