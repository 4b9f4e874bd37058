// Package model defines domain entities used by services and repositories.
package model

import (
	"slices"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Activity is one remote exercise session normalized to the local schema.
type Activity struct {
	ID        int64 // remote-assigned, immutable PK
	Name      string
	Type      string
	SportType string

	StartDate      time.Time // UTC
	StartDateLocal time.Time // wall clock in the activity's timezone
	Timezone       string

	Distance             float64 // meters
	MovingTime           int     // seconds
	ElapsedTime          int     // seconds
	TotalElevationGain   float64
	ElevHigh             *float64
	ElevLow              *float64
	AverageSpeed         float64 // m/s
	MaxSpeed             float64 // m/s
	AverageHeartrate     *float64
	MaxHeartrate         *float64
	AverageCadence       *float64
	AverageWatts         *float64
	WeightedAverageWatts *int
	Kilojoules           *float64
	SufferScore          *float64
	Calories             *float64

	AchievementCount int
	KudosCount       int
	CommentCount     int
	AthleteCount     int
	PRCount          int

	StartLatLng     []float64
	EndLatLng       []float64
	SummaryPolyline string

	GearID     *string
	DeviceName *string

	Raw         []byte // canonical copy of the remote payload
	PayloadHash []byte // sha256(Raw)
	SyncedAt    time.Time
}

// UpsertOutcome reports what an upsert did to a single row.
type UpsertOutcome string

const (
	OutcomeCreated   UpsertOutcome = "created"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeUnchanged UpsertOutcome = "unchanged"
)

// PageResult summarizes the upsert of one fetched page.
type PageResult struct {
	Created   int
	Updated   int
	Unchanged int
	Outcomes  map[int64]UpsertOutcome
}

// AllUnchanged reports whether every record on the page was already stored as-is.
func (r PageResult) AllUnchanged() bool {
	return r.Created == 0 && r.Updated == 0 && r.Unchanged > 0
}

// IDs returns the ids that had outcome o, ascending.
func (r PageResult) IDs(o UpsertOutcome) []int64 {
	var out []int64
	for id, got := range r.Outcomes {
		if got == o {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// ActivityStats is a read-only summary of the activity store.
type ActivityStats struct {
	Count     int64
	FirstDate *time.Time // earliest start_date_local
	LastDate  *time.Time // latest start_date_local
}

// Credential is one OAuth access/refresh token pair with expiry.
// Values are treated as immutable: a refresh yields a new Credential.
type Credential struct {
	Account      string // configured account identifier (PK)
	AthleteID    int64
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	UpdatedAt    time.Time
}

// ExpiresWithin reports whether the access token is expired or expires within margin of now.
func (c Credential) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return !now.Add(margin).Before(c.ExpiresAt)
}

// Refreshed returns a copy carrying the newly issued token. The refresh token
// is kept unless the provider issued a new one.
func (c Credential) Refreshed(t Token, now time.Time) Credential {
	out := c
	out.AccessToken = t.AccessToken
	out.ExpiresAt = t.ExpiresAt
	if t.RefreshToken != "" {
		out.RefreshToken = t.RefreshToken
	}
	if t.AthleteID != 0 {
		out.AthleteID = t.AthleteID
	}
	if t.Scope != "" {
		out.Scope = t.Scope
	}
	out.UpdatedAt = now
	return out
}

// Token is what the provider's token endpoint returns.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AthleteID    int64
	Scope        string
}

// SyncMode selects how much of the remote history a run reconciles.
type SyncMode string

const (
	ModeIncremental SyncMode = "incremental"
	ModeFull        SyncMode = "full"
)

// ParseSyncMode validates a mode string; empty means incremental.
func ParseSyncMode(s string) (SyncMode, bool) {
	switch SyncMode(s) {
	case "", ModeIncremental:
		return ModeIncremental, true
	case ModeFull:
		return ModeFull, true
	}
	return "", false
}

// SyncStatus is the status of a sync run. Running is the only non-terminal one.
type SyncStatus string

const (
	StatusRunning SyncStatus = "running"
	StatusSuccess SyncStatus = "success"
	StatusPartial SyncStatus = "partial"
	StatusFailure SyncStatus = "failure"
)

// Terminal reports whether the run has finished.
func (s SyncStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusPartial || s == StatusFailure
}

// SyncRun is the audit entry of one synchronizer invocation. It is recorded
// as running when the invocation starts and finalized exactly once.
type SyncRun struct {
	ID         uuid.UUID
	Mode       SyncMode
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	Created    int
	Updated    int
	Pages      int  // pages committed to the store
	Converged  bool // incremental run stopped early on convergence
	Status     SyncStatus
	Error      string // empty when Status == success
}
