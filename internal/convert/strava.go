// Package convert maps Strava API payloads to domain records.
package convert

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/and161185/stravasync/internal/errs"
	"github.com/and161185/stravasync/internal/model"
)

// summaryActivity mirrors the fields of Strava's SummaryActivity we keep as columns.
type summaryActivity struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	SportType      string `json:"sport_type"`
	StartDate      string `json:"start_date"`
	StartDateLocal string `json:"start_date_local"`
	Timezone       string `json:"timezone"`

	Distance             float64  `json:"distance"`
	MovingTime           int      `json:"moving_time"`
	ElapsedTime          int      `json:"elapsed_time"`
	TotalElevationGain   float64  `json:"total_elevation_gain"`
	ElevHigh             *float64 `json:"elev_high"`
	ElevLow              *float64 `json:"elev_low"`
	AverageSpeed         float64  `json:"average_speed"`
	MaxSpeed             float64  `json:"max_speed"`
	AverageHeartrate     *float64 `json:"average_heartrate"`
	MaxHeartrate         *float64 `json:"max_heartrate"`
	AverageCadence       *float64 `json:"average_cadence"`
	AverageWatts         *float64 `json:"average_watts"`
	WeightedAverageWatts *int     `json:"weighted_average_watts"`
	Kilojoules           *float64 `json:"kilojoules"`
	SufferScore          *float64 `json:"suffer_score"`
	Calories             *float64 `json:"calories"`

	AchievementCount int `json:"achievement_count"`
	KudosCount       int `json:"kudos_count"`
	CommentCount     int `json:"comment_count"`
	AthleteCount     int `json:"athlete_count"`
	PRCount          int `json:"pr_count"`

	StartLatLng []float64 `json:"start_latlng"`
	EndLatLng   []float64 `json:"end_latlng"`
	Map         *struct {
		SummaryPolyline string `json:"summary_polyline"`
	} `json:"map"`

	GearID     *string `json:"gear_id"`
	DeviceName *string `json:"device_name"`
}

// Activities decodes one listing page (a JSON array) into activities.
func Activities(body []byte, syncedAt time.Time) ([]model.Activity, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("%w: page: %v", errs.ErrInvalidPayload, err)
	}
	out := make([]model.Activity, 0, len(items))
	for i, raw := range items {
		a, err := Activity(raw, syncedAt)
		if err != nil {
			if id, ok := itemID(raw); ok {
				return nil, fmt.Errorf("item[%d] id %s: %w", i, id, err)
			}
			return nil, fmt.Errorf("item[%d]: %w", i, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// Activity validates a single payload and converts it to the local record.
// Raw holds the canonical form of the payload and PayloadHash its digest,
// so byte-level differences in provider formatting never count as a change.
func Activity(raw []byte, syncedAt time.Time) (model.Activity, error) {
	canon, err := Canonical(raw)
	if err != nil {
		return model.Activity{}, fmt.Errorf("%w: %v", errs.ErrInvalidPayload, err)
	}

	var in summaryActivity
	if err := json.Unmarshal(canon, &in); err != nil {
		return model.Activity{}, fmt.Errorf("%w: %v", errs.ErrInvalidPayload, err)
	}
	if in.ID <= 0 {
		return model.Activity{}, fmt.Errorf("%w: missing id", errs.ErrInvalidPayload)
	}
	start, err := parseTime(in.StartDate)
	if err != nil || start.IsZero() {
		return model.Activity{}, fmt.Errorf("%w: activity %d: start_date %q", errs.ErrInvalidPayload, in.ID, in.StartDate)
	}
	startLocal, err := parseTime(in.StartDateLocal)
	if err != nil {
		return model.Activity{}, fmt.Errorf("%w: activity %d: start_date_local %q", errs.ErrInvalidPayload, in.ID, in.StartDateLocal)
	}

	sum := sha256.Sum256(canon)
	a := model.Activity{
		ID:                   in.ID,
		Name:                 in.Name,
		Type:                 in.Type,
		SportType:            in.SportType,
		StartDate:            start.UTC(),
		StartDateLocal:       startLocal,
		Timezone:             in.Timezone,
		Distance:             in.Distance,
		MovingTime:           in.MovingTime,
		ElapsedTime:          in.ElapsedTime,
		TotalElevationGain:   in.TotalElevationGain,
		ElevHigh:             in.ElevHigh,
		ElevLow:              in.ElevLow,
		AverageSpeed:         in.AverageSpeed,
		MaxSpeed:             in.MaxSpeed,
		AverageHeartrate:     in.AverageHeartrate,
		MaxHeartrate:         in.MaxHeartrate,
		AverageCadence:       in.AverageCadence,
		AverageWatts:         in.AverageWatts,
		WeightedAverageWatts: in.WeightedAverageWatts,
		Kilojoules:           in.Kilojoules,
		SufferScore:          in.SufferScore,
		Calories:             in.Calories,
		AchievementCount:     in.AchievementCount,
		KudosCount:           in.KudosCount,
		CommentCount:         in.CommentCount,
		AthleteCount:         in.AthleteCount,
		PRCount:              in.PRCount,
		StartLatLng:          in.StartLatLng,
		EndLatLng:            in.EndLatLng,
		GearID:               in.GearID,
		DeviceName:           in.DeviceName,
		Raw:                  canon,
		PayloadHash:          sum[:],
		SyncedAt:             syncedAt,
	}
	if in.Map != nil {
		a.SummaryPolyline = in.Map.SummaryPolyline
	}
	return a, nil
}

// Canonical re-encodes a JSON document with sorted object keys and numbers
// kept verbatim (ids above 2^53 must survive the round trip).
func Canonical(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, fmt.Errorf("expected object, got %T", v)
	}
	off := min(int(dec.InputOffset()), len(raw))
	if len(bytes.TrimSpace(raw[off:])) > 0 {
		return nil, fmt.Errorf("unexpected data after object at offset %d", off)
	}
	return json.Marshal(v)
}

// itemID recovers the id of a payload that failed validation, for error text.
func itemID(raw []byte) (string, bool) {
	var v struct {
		ID json.Number `json:"id"`
	}
	if json.Unmarshal(raw, &v) != nil || v.ID == "" {
		return "", false
	}
	return v.ID.String(), true
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
