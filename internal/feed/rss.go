// Package feed renders archived posts and stories as an RSS 2.0 document.
package feed

import (
	"context"
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	"github.com/gorilla/feeds"

	"github.com/kalambet/relayfeed/internal/storage"
)

const (
	DefaultLimit = 50
	DefaultDays  = 30
	MaxLimit     = 1000
	MaxDays      = 365

	maxTitleLen  = 100
	defaultTitle = "New post"
	storyTitle   = "New story"
	generator    = "relayfeed"

	// Readers should not poll faster than the default cycle interval.
	ttlMinutes = 20
)

// ItemSource reads archived items.
type ItemSource interface {
	RecentItems(ctx context.Context, limit int, since time.Time) ([]storage.Item, error)
}

// EntitySource resolves entity names for item titles.
type EntitySource interface {
	ListEntities(ctx context.Context, includeStale bool) ([]storage.Entity, error)
}

// Options describes the channel.
type Options struct {
	Title       string
	Description string
	BaseURL     string
}

// Renderer builds RSS documents from the archive.
type Renderer struct {
	items    ItemSource
	entities EntitySource
	opts     Options
	now      func() time.Time
}

func NewRenderer(items ItemSource, entities EntitySource, opts Options) *Renderer {
	if opts.Title == "" {
		opts.Title = "relayfeed"
	}
	if opts.Description == "" {
		opts.Description = "Recent posts from followed accounts"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Renderer{items: items, entities: entities, opts: opts, now: time.Now}
}

// ValidateWindow checks the limit and days query parameters.
func ValidateWindow(limit, days int) error {
	if limit < 1 || limit > MaxLimit {
		return fmt.Errorf("limit must be between 1 and %d", MaxLimit)
	}
	if days < 1 || days > MaxDays {
		return fmt.Errorf("days must be between 1 and %d", MaxDays)
	}
	return nil
}

// Render writes up to limit items posted within the last days days to w.
func (r *Renderer) Render(ctx context.Context, w io.Writer, limit, days int) error {
	if err := ValidateWindow(limit, days); err != nil {
		return err
	}
	now := r.now().UTC()
	items, err := r.items.RecentItems(ctx, limit, now.AddDate(0, 0, -days))
	if err != nil {
		return fmt.Errorf("loading items: %w", err)
	}
	entities, err := r.entities.ListEntities(ctx, true)
	if err != nil {
		return fmt.Errorf("loading entities: %w", err)
	}
	byID := make(map[string]storage.Entity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}

	f := &feeds.Feed{
		Title:       r.opts.Title,
		Link:        &feeds.Link{Href: r.opts.BaseURL},
		Description: r.opts.Description,
		Updated:     now,
	}
	for _, it := range items {
		f.Items = append(f.Items, buildItem(it, byID[it.EntityID]))
	}

	channel := (&feeds.Rss{Feed: f}).RssFeed()
	channel.Generator = generator
	channel.Ttl = ttlMinutes
	for i, it := range items {
		channel.Items[i].Category = string(it.Kind.OrDefault())
	}
	if err := feeds.WriteXML(channel, w); err != nil {
		return fmt.Errorf("encoding feed: %w", err)
	}
	return nil
}

func buildItem(it storage.Item, e storage.Entity) *feeds.Item {
	author := e.FullName
	if author == "" {
		author = e.Name
	}
	if author == "" {
		author = it.EntityID
	}

	out := &feeds.Item{
		Title:       author + ": " + itemTitle(it.Caption, it.Kind),
		Id:          it.EntityID + ":" + it.ID,
		IsPermaLink: "false",
		Created:     it.PostedAt.UTC(),
		Description: description(it),
	}
	if it.URL != "" {
		out.Link = &feeds.Link{Href: it.URL}
	}
	if e.Name != "" {
		out.Author = &feeds.Author{Name: fmt.Sprintf("%s (%s)", e.Name, author)}
	}
	if len(it.MediaURLs) > 0 {
		// RSS requires a length; the CDN size is unknown.
		out.Enclosure = &feeds.Enclosure{Url: it.MediaURLs[0], Type: mimeType(it.MediaURLs[0]), Length: "0"}
	}
	return out
}

// itemTitle is the first caption line, truncated. Items without a caption
// are titled by their kind.
func itemTitle(caption string, kind storage.ItemKind) string {
	line, _, _ := strings.Cut(caption, "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		if kind == storage.KindStory {
			return storyTitle
		}
		return defaultTitle
	}
	if r := []rune(line); len(r) > maxTitleLen {
		return string(r[:maxTitleLen-3]) + "..."
	}
	return line
}

func description(it storage.Item) string {
	var parts []string
	for _, u := range it.MediaURLs {
		u = html.EscapeString(u)
		if mimeType(u) == "video/mp4" {
			parts = append(parts, fmt.Sprintf(`<p><video controls src="%s"></video></p>`, u))
			continue
		}
		parts = append(parts, fmt.Sprintf(`<p><img src="%s" /></p>`, u))
	}
	if it.Caption != "" {
		parts = append(parts, "<p>"+strings.ReplaceAll(html.EscapeString(it.Caption), "\n", "<br/>")+"</p>")
	}
	if it.URL != "" {
		parts = append(parts, fmt.Sprintf(`<p><a href="%s">View original</a></p>`, html.EscapeString(it.URL)))
	}
	return strings.Join(parts, "\n")
}

func mimeType(u string) string {
	path, _, _ := strings.Cut(u, "?")
	switch {
	case strings.HasSuffix(path, ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(path, ".png"):
		return "image/png"
	case strings.HasSuffix(path, ".webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
