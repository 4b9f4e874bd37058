package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/stravasync/internal/errs"
	"github.com/and161185/stravasync/internal/model"
)

// ActivityRepo implements ActivityRepository using PostgreSQL.
type ActivityRepo struct{ db *DB }

// NewActivityRepo constructs an activity repository.
func NewActivityRepo(db *DB) *ActivityRepo { return &ActivityRepo{db: db} }

const activityColumns = `id, name, type, sport_type, start_date, start_date_local, timezone,
distance, moving_time, elapsed_time, total_elevation_gain, elev_high, elev_low,
average_speed, max_speed, average_heartrate, max_heartrate, average_cadence,
average_watts, weighted_average_watts, kilojoules, suffer_score, calories,
achievement_count, kudos_count, comment_count, athlete_count, pr_count,
start_latlng, end_latlng, summary_polyline, gear_id, device_name,
raw_json, payload_hash, synced_at`

// The WHERE clause turns an identical payload into a no-op: no row is
// returned and the stored row keeps its synced_at.
const upsertActivity = `
INSERT INTO activities (` + activityColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,
        $19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34,$35,$36)
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    type = EXCLUDED.type,
    sport_type = EXCLUDED.sport_type,
    start_date = EXCLUDED.start_date,
    start_date_local = EXCLUDED.start_date_local,
    timezone = EXCLUDED.timezone,
    distance = EXCLUDED.distance,
    moving_time = EXCLUDED.moving_time,
    elapsed_time = EXCLUDED.elapsed_time,
    total_elevation_gain = EXCLUDED.total_elevation_gain,
    elev_high = EXCLUDED.elev_high,
    elev_low = EXCLUDED.elev_low,
    average_speed = EXCLUDED.average_speed,
    max_speed = EXCLUDED.max_speed,
    average_heartrate = EXCLUDED.average_heartrate,
    max_heartrate = EXCLUDED.max_heartrate,
    average_cadence = EXCLUDED.average_cadence,
    average_watts = EXCLUDED.average_watts,
    weighted_average_watts = EXCLUDED.weighted_average_watts,
    kilojoules = EXCLUDED.kilojoules,
    suffer_score = EXCLUDED.suffer_score,
    calories = EXCLUDED.calories,
    achievement_count = EXCLUDED.achievement_count,
    kudos_count = EXCLUDED.kudos_count,
    comment_count = EXCLUDED.comment_count,
    athlete_count = EXCLUDED.athlete_count,
    pr_count = EXCLUDED.pr_count,
    start_latlng = EXCLUDED.start_latlng,
    end_latlng = EXCLUDED.end_latlng,
    summary_polyline = EXCLUDED.summary_polyline,
    gear_id = EXCLUDED.gear_id,
    device_name = EXCLUDED.device_name,
    raw_json = EXCLUDED.raw_json,
    payload_hash = EXCLUDED.payload_hash,
    synced_at = EXCLUDED.synced_at
WHERE activities.payload_hash IS DISTINCT FROM EXCLUDED.payload_hash
RETURNING (xmax = 0) AS inserted`

func activityArgs(a model.Activity) []any {
	return []any{
		a.ID, a.Name, a.Type, a.SportType, a.StartDate, nullTime(a.StartDateLocal), a.Timezone,
		a.Distance, a.MovingTime, a.ElapsedTime, a.TotalElevationGain, a.ElevHigh, a.ElevLow,
		a.AverageSpeed, a.MaxSpeed, a.AverageHeartrate, a.MaxHeartrate, a.AverageCadence,
		a.AverageWatts, a.WeightedAverageWatts, a.Kilojoules, a.SufferScore, a.Calories,
		a.AchievementCount, a.KudosCount, a.CommentCount, a.AthleteCount, a.PRCount,
		a.StartLatLng, a.EndLatLng, a.SummaryPolyline, a.GearID, a.DeviceName,
		string(a.Raw), a.PayloadHash, a.SyncedAt,
	}
}

// UpsertPage writes a page of activities atomically. Any failure rolls back
// the whole page so no record is ever left half-written.
func (r *ActivityRepo) UpsertPage(ctx context.Context, page []model.Activity) (res model.PageResult, err error) {
	res.Outcomes = make(map[int64]model.UpsertOutcome, len(page))
	if len(page) == 0 {
		return res, nil
	}

	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.PageResult{}, fmt.Errorf("%w: begin: %w", errs.ErrStoreWriteFailed, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			res = model.PageResult{}
			err = fmt.Errorf("%w: commit: %w", errs.ErrStoreWriteFailed, e)
		}
	}()

	for _, a := range page {
		var inserted bool
		scanErr := tx.QueryRow(ctx, upsertActivity, activityArgs(a)...).Scan(&inserted)
		switch {
		case scanErr == nil && inserted:
			res.Created++
			res.Outcomes[a.ID] = model.OutcomeCreated
		case scanErr == nil:
			res.Updated++
			res.Outcomes[a.ID] = model.OutcomeUpdated
		case errors.Is(scanErr, pgx.ErrNoRows):
			res.Unchanged++
			res.Outcomes[a.ID] = model.OutcomeUnchanged
		default:
			return model.PageResult{}, fmt.Errorf("%w: activity %d: %w", errs.ErrStoreWriteFailed, a.ID, scanErr)
		}
	}
	return res, nil
}

// Get returns a single activity by id.
func (r *ActivityRepo) Get(ctx context.Context, id int64) (*model.Activity, error) {
	q := `SELECT ` + activityColumns + ` FROM activities WHERE id=$1`
	var (
		a          model.Activity
		startLocal *time.Time
		raw        string
	)
	err := r.db.Pool.QueryRow(ctx, q, id).Scan(
		&a.ID, &a.Name, &a.Type, &a.SportType, &a.StartDate, &startLocal, &a.Timezone,
		&a.Distance, &a.MovingTime, &a.ElapsedTime, &a.TotalElevationGain, &a.ElevHigh, &a.ElevLow,
		&a.AverageSpeed, &a.MaxSpeed, &a.AverageHeartrate, &a.MaxHeartrate, &a.AverageCadence,
		&a.AverageWatts, &a.WeightedAverageWatts, &a.Kilojoules, &a.SufferScore, &a.Calories,
		&a.AchievementCount, &a.KudosCount, &a.CommentCount, &a.AthleteCount, &a.PRCount,
		&a.StartLatLng, &a.EndLatLng, &a.SummaryPolyline, &a.GearID, &a.DeviceName,
		&raw, &a.PayloadHash, &a.SyncedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	if startLocal != nil {
		a.StartDateLocal = *startLocal
	}
	a.Raw = []byte(raw)
	return &a, nil
}

// Stats returns the row count and the local start-date range.
func (r *ActivityRepo) Stats(ctx context.Context) (model.ActivityStats, error) {
	const q = `SELECT COUNT(*), MIN(start_date_local), MAX(start_date_local) FROM activities`
	var st model.ActivityStats
	if err := r.db.Pool.QueryRow(ctx, q).Scan(&st.Count, &st.FirstDate, &st.LastDate); err != nil {
		return model.ActivityStats{}, err
	}
	return st, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
