// Package guides fetches destination background for the responder's
// DESTINATION NOTES block and the destinations API. Guides are best-effort:
// every failure degrades to an empty guide, never to a failed turn.
package guides

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"

	gocache "github.com/patrickmn/go-cache"

	"github.com/voyatrip/voya/config"
	core "github.com/voyatrip/voya/internal/agent/core"
	"github.com/voyatrip/voya/internal/places"
	"github.com/voyatrip/voya/tools/webfetch"
)

const (
	wikivoyageBase = "https://en.wikivoyage.org/wiki/"

	// maxAttractions bounds the enrichment list appended to a guide.
	maxAttractions = 5

	// rawExcerptChars caps the fallback excerpt when no summary model is
	// available or the summary call fails.
	rawExcerptChars = 1200
)

// AttractionFinder lists points of interest around a place name.
type AttractionFinder interface {
	AttractionsNear(ctx context.Context, place string, radiusMeters int) ([]places.Attraction, error)
}

// Service resolves a destination query to a short guide text.
type Service struct {
	fetcher webfetch.Fetcher
	places  AttractionFinder
	llm     core.LLMProvider
	model   string
	cache   *gocache.Cache
	cfg     config.GuidesConfig
	log     *log.Logger
}

// New builds the guide service. A nil fetcher gets the headless-chrome
// default; finder and llm may be nil, the service then skips enrichment and
// summarization respectively.
func New(cfg config.GuidesConfig, fetcher webfetch.Fetcher, finder AttractionFinder, llm core.LLMProvider, summaryModel string) *Service {
	cfg = cfg.Normalize()
	if fetcher == nil {
		fetcher = webfetch.New(cfg.FetchTimeout, cfg.MaxChars)
	}
	return &Service{
		fetcher: fetcher,
		places:  finder,
		llm:     llm,
		model:   summaryModel,
		cache:   gocache.New(cfg.CacheTTL, cfg.CacheTTL/2),
		cfg:     cfg,
		log:     log.New(log.Writer(), "[GUIDES] ", log.LstdFlags),
	}
}

// Guide returns destination notes for a free-form place query in the given
// language. It implements core.GuideProvider. An empty string with nil error
// means no guide is available.
func (s *Service) Guide(ctx context.Context, query, language string) (string, error) {
	place := strings.TrimSpace(query)
	if place == "" || !s.cfg.Enabled {
		return "", nil
	}
	if language == "" {
		language = "en"
	}

	key := strings.ToLower(place) + "|" + language
	if cached, ok := s.cache.Get(key); ok {
		return cached.(string), nil
	}

	article := s.fetchArticle(ctx, place)
	attractions := s.topAttractions(ctx, place)

	guide := s.compose(ctx, place, language, article, attractions)
	if guide != "" {
		s.cache.SetDefault(key, guide)
	}
	return guide, nil
}

func (s *Service) fetchArticle(ctx context.Context, place string) webfetch.Result {
	pageURL := wikivoyageBase + url.PathEscape(strings.ReplaceAll(place, " ", "_"))
	host := "en.wikivoyage.org"
	if !s.cfg.Policy.Allowed(host) {
		return webfetch.Result{}
	}
	res, err := s.fetcher.Exec(ctx, pageURL)
	if err != nil {
		s.log.Printf("guide fetch failed for %q: %v", place, err)
		return webfetch.Result{}
	}
	if res.Status != 200 || strings.TrimSpace(res.Text) == "" {
		return webfetch.Result{}
	}
	if attr := s.cfg.Policy.AttributionFor(host); attr != "" {
		res.Byline = attr
	}
	return res
}

func (s *Service) topAttractions(ctx context.Context, place string) []places.Attraction {
	if s.places == nil {
		return nil
	}
	out, err := s.places.AttractionsNear(ctx, place, 0)
	if err != nil {
		s.log.Printf("attraction lookup failed for %q: %v", place, err)
		return nil
	}
	if len(out) > maxAttractions {
		out = out[:maxAttractions]
	}
	return out
}

func (s *Service) compose(ctx context.Context, place, language string, article webfetch.Result, attractions []places.Attraction) string {
	attractionsText := formatAttractions(attractions)

	if article.Text == "" {
		return attractionsText
	}

	if s.llm != nil && s.model != "" {
		prompt := summaryPrompt(place, language, article.Text, attractionsText)
		summary, err := s.llm.Generate(ctx, prompt, s.model, nil)
		if err == nil && strings.TrimSpace(summary) != "" {
			return withAttribution(strings.TrimSpace(summary), article.Byline)
		}
		if err != nil {
			s.log.Printf("guide summary failed for %q: %v", place, err)
		}
	}

	excerpt := article.Text
	if len(excerpt) > rawExcerptChars {
		excerpt = excerpt[:rawExcerptChars]
	}
	parts := []string{strings.TrimSpace(excerpt)}
	if attractionsText != "" {
		parts = append(parts, attractionsText)
	}
	return withAttribution(strings.Join(parts, "\n\n"), article.Byline)
}

func summaryPrompt(place, language, text, attractions string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Condense the following travel guide content about %s into roughly 200 words for a traveler planning a visit.\n", place)
	b.WriteString("Cover the character of the place, the best areas to stay, and practical transport notes.\n")
	if language == "th" {
		b.WriteString("Reply in Thai.\n")
	} else {
		b.WriteString("Reply in English.\n")
	}
	if attractions != "" {
		b.WriteString("\nEnd with this attraction list as-is:\n")
		b.WriteString(attractions)
		b.WriteString("\n")
	}
	b.WriteString("\nCONTENT:\n")
	b.WriteString(text)
	return b.String()
}

func formatAttractions(list []places.Attraction) string {
	if len(list) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Top attractions:")
	for _, a := range list {
		b.WriteString("\n- ")
		b.WriteString(a.Name)
		if a.Rating > 0 {
			fmt.Fprintf(&b, " (%.1f)", a.Rating)
		}
	}
	return b.String()
}

func withAttribution(text, byline string) string {
	if byline == "" {
		return text
	}
	return text + "\n\n" + byline
}
