package detect

//go:generate mockgen -source=stories.go -destination=mocks/mock_story_remote.go -package=mocks

import (
	"context"
	"fmt"

	"github.com/kalambet/relayfeed/internal/storage"
)

// StoryRemote lists the live stories of an entity, newest first.
type StoryRemote interface {
	Stories(ctx context.Context, entityID string) ([]storage.Item, error)
}

// StoryDetector checks the stories stream. Live stories come back in one
// listing, so every check costs exactly one call.
type StoryDetector struct {
	remote StoryRemote
}

func NewStoryDetector(remote StoryRemote) *StoryDetector {
	return &StoryDetector{remote: remote}
}

// Check reports the stories published after lastKnownItemID.
func (d *StoryDetector) Check(ctx context.Context, entity storage.Entity, lastKnownItemID string) (Result, error) {
	res, stories, err := d.list(ctx, entity)
	if err != nil || len(stories) == 0 {
		return res, err
	}
	if stories[0].ID == lastKnownItemID {
		return res, nil
	}
	res.HasNew = true
	res.Items = newerThan(stories, entity.ID, lastKnownItemID)
	return res, nil
}

// Probe records the newest live story without reporting anything as new.
func (d *StoryDetector) Probe(ctx context.Context, entity storage.Entity) (Result, error) {
	res, _, err := d.list(ctx, entity)
	return res, err
}

func (d *StoryDetector) list(ctx context.Context, entity storage.Entity) (Result, []storage.Item, error) {
	res := Result{Calls: 1}
	stories, err := d.remote.Stories(ctx, entity.ID)
	if err != nil {
		return res, nil, fmt.Errorf("stories of %s: %w", entity.Name, err)
	}
	res.Meta.ItemCount = len(stories)
	if len(stories) == 0 {
		return res, nil, nil
	}
	for i := range stories {
		stories[i].Kind = storage.KindStory
	}
	latest := stories[0]
	res.Meta.LatestItemID = latest.ID
	posted := latest.PostedAt
	res.Meta.LatestItemDate = &posted
	return res, stories, nil
}
