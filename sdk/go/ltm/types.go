package ltm

import "time"

// Kind distinguishes leaf executions from composite ones.
type Kind string

const (
	KindLeaf      Kind = "leaf"
	KindComposite Kind = "composite"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindLeaf || k == KindComposite
}

// SourceSmach is the provenance recorded for episodes emitted by the
// state-machine tracker.
const SourceSmach = "smach"

// Info carries an episode's provenance.
type Info struct {
	Source       string    `json:"source"`
	CreationDate time.Time `json:"creation_date"`
}

// When is an episode's time span.
type When struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Episode is one recorded execution. ParentID is 0 when the episode has no
// parent.
type Episode struct {
	UID         int64    `json:"uid"`
	Kind        Kind     `json:"kind"`
	ParentID    int64    `json:"parent_id,omitempty"`
	ChildrenIDs []int64  `json:"children_ids"`
	Tags        []string `json:"tags"`
	Info        Info     `json:"info"`
	When        When     `json:"when"`
}

// RegisterResponse is returned by POST /v1/episodes/register.
type RegisterResponse struct {
	UID int64 `json:"uid"`
}

// AddEpisodesRequest is the body of POST /v1/episodes.
type AddEpisodesRequest struct {
	Episodes []Episode `json:"episodes"`
	Update   bool      `json:"update,omitempty"`
}

// AddEpisodesResponse reports how many episodes were inserted or replaced.
// Conflicts lists uids that already existed when Update was false.
type AddEpisodesResponse struct {
	Added     int     `json:"added"`
	Updated   int     `json:"updated"`
	Conflicts []int64 `json:"conflicts,omitempty"`
}

// UpdateTreeResponse is returned by POST /v1/episodes/{uid}/update-tree.
type UpdateTreeResponse struct {
	Episode Episode `json:"episode"`
	Visited int     `json:"visited"`
}

// StatusResponse describes the server's episode store.
type StatusResponse struct {
	Entries  int64 `json:"entries"`
	Reserved int64 `json:"reserved"`
	Capacity int64 `json:"capacity"`
}

// DropResponse reports how many episodes were deleted.
type DropResponse struct {
	Deleted int64 `json:"deleted"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Storage  string `json:"storage"`
	Uptime   int64  `json:"uptime_seconds"`
	Postgres string `json:"postgres,omitempty"`
}
