// Package priority classifies tracked entities into polling tiers from the
// age of their most recent item. Everything here is pure and free of I/O.
package priority

import (
	"fmt"
	"time"
)

// Tier is a polling frequency class.
type Tier string

const (
	High    Tier = "high"
	Normal  Tier = "normal"
	Low     Tier = "low"
	Dormant Tier = "dormant"
)

// Tiers lists every tier from most to least frequently polled.
var Tiers = []Tier{High, Normal, Low, Dormant}

// Rank orders tiers for capping: lower ranks are checked first.
func (t Tier) Rank() int {
	switch t {
	case High:
		return 0
	case Normal:
		return 1
	case Low:
		return 2
	default:
		return 3
	}
}

// Valid reports whether t is one of the four known tiers.
func (t Tier) Valid() bool {
	switch t {
	case High, Normal, Low, Dormant:
		return true
	}
	return false
}

// ParseTier converts a stored or user supplied tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// Thresholds are the item-age boundaries in days. An age equal to a
// boundary belongs to the more frequent tier.
type Thresholds struct {
	HighDays   int
	NormalDays int
	LowDays    int
}

// DefaultThresholds returns 7 / 30 / 180 days.
func DefaultThresholds() Thresholds {
	return Thresholds{HighDays: 7, NormalDays: 30, LowDays: 180}
}

// DefaultObservationWindow is how long a cold-started tier is trusted
// before refinement kicks in.
const DefaultObservationWindow = 24 * time.Hour

// Classifier assigns tiers using a set of thresholds.
type Classifier struct {
	Thresholds Thresholds
}

// NewClassifier returns a Classifier. Zero thresholds fall back to defaults.
func NewClassifier(th Thresholds) Classifier {
	def := DefaultThresholds()
	if th.HighDays <= 0 {
		th.HighDays = def.HighDays
	}
	if th.NormalDays <= 0 {
		th.NormalDays = def.NormalDays
	}
	if th.LowDays <= 0 {
		th.LowDays = def.LowDays
	}
	return Classifier{Thresholds: th}
}

// InitialTier is the cold-start classification from a single probe.
// It never returns High.
func (c Classifier) InitialTier(lastItemDate *time.Time, now time.Time) Tier {
	if lastItemDate == nil {
		return Dormant
	}
	days := DaysSince(*lastItemDate, now)
	switch {
	case days <= c.Thresholds.NormalDays:
		return Normal
	case days <= c.Thresholds.LowDays:
		return Low
	default:
		return Dormant
	}
}

// RefinedTier reclassifies an entity after its observation window.
// A negative daysSinceLastItem means no item was ever seen.
// current and consecutiveEmpty do not influence the result.
func (c Classifier) RefinedTier(current Tier, daysSinceLastItem int, consecutiveEmpty int) Tier {
	switch {
	case daysSinceLastItem < 0:
		return Dormant
	case daysSinceLastItem <= c.Thresholds.HighDays:
		return High
	case daysSinceLastItem <= c.Thresholds.NormalDays:
		return Normal
	case daysSinceLastItem <= c.Thresholds.LowDays:
		return Low
	default:
		return Dormant
	}
}

// ApplyOverride forces High for overridden entities.
func ApplyOverride(t Tier, overridden bool) Tier {
	if overridden {
		return High
	}
	return t
}

// ObservationElapsed reports whether window has passed since createdAt.
func ObservationElapsed(createdAt, now time.Time, window time.Duration) bool {
	return now.Sub(createdAt) >= window
}

// DaysSince returns whole days between t and now, floored. Future dates
// count as zero.
func DaysSince(t, now time.Time) int {
	d := now.Sub(t)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// DefaultStoryThresholds returns 3 / 14 / 90 days.
func DefaultStoryThresholds() Thresholds {
	return Thresholds{HighDays: 3, NormalDays: 14, LowDays: 90}
}

// Consecutive empty checks after which story tiers are lowered.
const (
	storyEmptyDemoteRecent = 5
	storyEmptyDemoteMedium = 7
	storyEmptyLowUnseen    = 5
	storyEmptyDormant      = 10
)

// StoryClassifier assigns tiers for story polling. Stories expire within a
// day, so runs of empty checks lower the tier even while the last story is
// recent.
type StoryClassifier struct {
	Thresholds Thresholds
}

// NewStoryClassifier returns a StoryClassifier. Zero thresholds fall back
// to DefaultStoryThresholds.
func NewStoryClassifier(th Thresholds) StoryClassifier {
	def := DefaultStoryThresholds()
	if th.HighDays <= 0 {
		th.HighDays = def.HighDays
	}
	if th.NormalDays <= 0 {
		th.NormalDays = def.NormalDays
	}
	if th.LowDays <= 0 {
		th.LowDays = def.LowDays
	}
	return StoryClassifier{Thresholds: th}
}

// InitialTier starts every entity at Normal. A single look at live stories
// says nothing about how often an account posts them.
func (c StoryClassifier) InitialTier(*time.Time, time.Time) Tier {
	return Normal
}

// RefinedTier reclassifies from the age of the last story seen and the
// number of empty checks since. A negative daysSinceLastItem means no story
// was ever seen.
func (c StoryClassifier) RefinedTier(current Tier, daysSinceLastItem int, consecutiveEmpty int) Tier {
	switch {
	case daysSinceLastItem < 0:
		switch {
		case consecutiveEmpty >= storyEmptyDormant:
			return Dormant
		case consecutiveEmpty >= storyEmptyLowUnseen:
			return Low
		}
		return Normal
	case daysSinceLastItem <= c.Thresholds.HighDays:
		if consecutiveEmpty >= storyEmptyDemoteRecent {
			return Normal
		}
		return High
	case daysSinceLastItem <= c.Thresholds.NormalDays:
		if consecutiveEmpty >= storyEmptyDemoteMedium {
			return Low
		}
		return Normal
	case daysSinceLastItem <= c.Thresholds.LowDays:
		return Low
	default:
		return Dormant
	}
}
