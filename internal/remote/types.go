package remote

import (
	"time"

	"github.com/kalambet/relayfeed/internal/storage"
)

// Account is an entry of the following list and the body of the account
// endpoint.
type Account struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	FullName   string `json:"full_name"`
	IsPrivate  bool   `json:"is_private"`
	ItemCount  int    `json:"media_count"`
	ProfileURL string `json:"profile_url,omitempty"`
}

type followingPage struct {
	Accounts   []Account `json:"accounts"`
	NextCursor string    `json:"next_cursor"`
}

// Media is a single published item as returned by the items endpoint.
type Media struct {
	ID        string    `json:"id"`
	Caption   string    `json:"caption"`
	URL       string    `json:"url"`
	MediaURLs []string  `json:"media_urls"`
	TakenAt   time.Time `json:"taken_at"`
}

type itemsPage struct {
	Items []Media `json:"items"`
}

type mutedPage struct {
	AccountIDs []string `json:"account_ids"`
}

func (a Account) entity() storage.Entity {
	e := storage.Entity{
		ID:        a.ID,
		Name:      a.Username,
		FullName:  a.FullName,
		IsPrivate: a.IsPrivate,
	}
	if a.ProfileURL != "" {
		e.Metadata = map[string]string{"profile_url": a.ProfileURL}
	}
	return e
}

func (m Media) item(entityID string) storage.Item {
	return storage.Item{
		ID:        m.ID,
		EntityID:  entityID,
		Caption:   m.Caption,
		URL:       m.URL,
		MediaURLs: m.MediaURLs,
		PostedAt:  m.TakenAt.UTC(),
	}
}
