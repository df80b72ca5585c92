package model

import (
	"fmt"
	"time"
)

// EpisodeKind distinguishes leaf executions from composite ones.
type EpisodeKind string

const (
	KindLeaf      EpisodeKind = "leaf"
	KindComposite EpisodeKind = "composite"
)

// Limits on a single episode. They keep one record from bloating a row or
// a request.
const (
	MaxTags       = 64
	MaxTagLen     = 256
	MaxChildren   = 10_000
	MaxBatchSize  = 1_000
	MaxSourceLen  = 128
	DefaultSource = "smach"
)

// Episode is a stored execution record.
type Episode struct {
	UID         int64       `json:"uid"`
	Kind        EpisodeKind `json:"kind"`
	ParentID    int64       `json:"parent_id,omitempty"`
	ChildrenIDs []int64     `json:"children_ids"`
	Tags        []string    `json:"tags"`
	Info        EpisodeInfo `json:"info"`
	When        TimeSpan    `json:"when"`
}

// EpisodeInfo is an episode's provenance.
type EpisodeInfo struct {
	Source       string    `json:"source"`
	CreationDate time.Time `json:"creation_date"`
}

// TimeSpan is a closed interval.
type TimeSpan struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Widen extends s to cover o.
func (s *TimeSpan) Widen(o TimeSpan) {
	if o.Start.Before(s.Start) {
		s.Start = o.Start
	}
	if o.End.After(s.End) {
		s.End = o.End
	}
}

// ValidateEpisode checks the structural rules for a stored episode.
func ValidateEpisode(e Episode) error {
	if e.UID <= 0 {
		return fmt.Errorf("uid must be positive (got %d)", e.UID)
	}
	if e.Kind != KindLeaf && e.Kind != KindComposite {
		return fmt.Errorf("kind must be %q or %q (got %q)", KindLeaf, KindComposite, e.Kind)
	}
	if e.ParentID < 0 {
		return fmt.Errorf("parent_id must not be negative")
	}
	if e.ParentID == e.UID {
		return fmt.Errorf("episode %d cannot be its own parent", e.UID)
	}
	if e.Kind == KindLeaf && len(e.ChildrenIDs) > 0 {
		return fmt.Errorf("leaf episode %d cannot have children", e.UID)
	}
	if len(e.ChildrenIDs) > MaxChildren {
		return fmt.Errorf("children_ids exceeds maximum of %d", MaxChildren)
	}
	seen := make(map[int64]struct{}, len(e.ChildrenIDs))
	for _, c := range e.ChildrenIDs {
		if c <= 0 || c == e.UID {
			return fmt.Errorf("children_ids contains invalid uid %d", c)
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("children_ids contains duplicate uid %d", c)
		}
		seen[c] = struct{}{}
	}
	if len(e.Tags) > MaxTags {
		return fmt.Errorf("tags exceeds maximum of %d", MaxTags)
	}
	for i, t := range e.Tags {
		if t == "" || len(t) > MaxTagLen {
			return fmt.Errorf("tags[%d] must be 1-%d bytes", i, MaxTagLen)
		}
	}
	if e.Info.Source == "" || len(e.Info.Source) > MaxSourceLen {
		return fmt.Errorf("info.source must be 1-%d bytes", MaxSourceLen)
	}
	if e.When.Start.IsZero() || e.When.End.IsZero() {
		return fmt.Errorf("when.start and when.end are required")
	}
	if e.When.End.Before(e.When.Start) {
		return fmt.Errorf("when.end must not be before when.start")
	}
	return nil
}
