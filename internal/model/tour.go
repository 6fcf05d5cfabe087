package model

import "time"

// NoTourType marks a tour without an assigned tour type.
// The database stores it as NULL.
const NoTourType int64 = -1

// Metric names used in Aggregates. The first group is summed over tours,
// so a bucket's value equals the sum over its tours. MaxSpeed and MaxPulse
// are derived with MAX and only appear on buckets.
const (
	MetricTours         = "tours"
	MetricDistance      = "distance"
	MetricRecordingTime = "recording_time"
	MetricMovingTime    = "moving_time"
	MetricAltitudeUp    = "altitude_up"
	MetricAltitudeDown  = "altitude_down"
	MetricCalories      = "calories"

	MetricMaxSpeed = "max_speed"
	MetricMaxPulse = "max_pulse"
)

// SummedMetrics lists the metrics which are aggregated with SUM (or COUNT).
var SummedMetrics = []string{
	MetricTours, MetricDistance, MetricRecordingTime, MetricMovingTime,
	MetricAltitudeUp, MetricAltitudeDown, MetricCalories,
}

// Aggregates maps a metric name to its summed or derived value.
type Aggregates map[string]float64

// Clone returns a copy which can be handed out without exposing the original.
func (a Aggregates) Clone() Aggregates {
	if a == nil {
		return nil
	}
	c := make(Aggregates, len(a))
	for k, v := range a {
		c[k] = v
	}
	return c
}

// Add sums every metric of o into a. Derived metrics keep the maximum.
func (a Aggregates) Add(o Aggregates) {
	for k, v := range o {
		switch k {
		case MetricMaxSpeed, MetricMaxPulse:
			if v > a[k] {
				a[k] = v
			}
		default:
			a[k] += v
		}
	}
}

// Marker is a named position inside a tour.
type Marker struct {
	ID         int64  `json:"id"`
	Label      string `json:"label"`
	TimeOffset int64  `json:"time_offset"` // seconds from tour start
}

// Tour is one recorded tour as it is imported and stored.
type Tour struct {
	ID             int64     `json:"id"`
	StartTime      time.Time `json:"start_time"`
	ImportFilePath string    `json:"import_file_path"`
	ImportFileName string    `json:"import_file_name"`
	TourTypeID     int64     `json:"tour_type_id"`
	Title          string    `json:"title"`
	PersonID       int64     `json:"person_id"`

	Distance      float64 `json:"distance"`       // meters
	RecordingTime int64   `json:"recording_time"` // seconds
	MovingTime    int64   `json:"moving_time"`    // seconds
	AltitudeUp    float64 `json:"altitude_up"`
	AltitudeDown  float64 `json:"altitude_down"`
	Calories      float64 `json:"calories"`
	MaxSpeed      float64 `json:"max_speed"`
	MaxPulse      int64   `json:"max_pulse"`
	AvgPulse      float64 `json:"avg_pulse"`

	TagIDs  []int64  `json:"tag_ids"`
	Markers []Marker `json:"markers"`
}

// StartMillis returns the start time as epoch milliseconds.
func (t *Tour) StartMillis() int64 {
	return t.StartTime.UnixMilli()
}

// Tag is an entry of the tag catalog.
type Tag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// TourType is an entry of the tour type catalog.
type TourType struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// BucketRow is one row of a grouped bucket query.
// Sub is 0 for year rows.
type BucketRow struct {
	Year       int
	Sub        int
	Aggregates Aggregates
}

// TourRow is one raw row of a tour query. A tour with several tags and
// markers appears once per (tag, marker) combination; TagID and MarkerID
// are 0 when the outer join found nothing.
type TourRow struct {
	TourID         int64
	StartTime      int64 // epoch millis
	ImportFilePath string
	TourTypeID     int64
	Title          string
	Year           int
	Sub            int

	Distance      float64
	RecordingTime int64
	MovingTime    int64
	AltitudeUp    float64
	AltitudeDown  float64
	Calories      float64
	MaxSpeed      float64
	MaxPulse      int64
	AvgPulse      float64

	TagID    int64
	MarkerID int64
}

// Metrics returns the summed metrics of a single tour, so that summing them
// over all tours of a bucket reproduces the bucket's aggregates.
func (r *TourRow) Metrics() Aggregates {
	return Aggregates{
		MetricTours:         1,
		MetricDistance:      r.Distance,
		MetricRecordingTime: float64(r.RecordingTime),
		MetricMovingTime:    float64(r.MovingTime),
		MetricAltitudeUp:    r.AltitudeUp,
		MetricAltitudeDown:  r.AltitudeDown,
		MetricCalories:      r.Calories,
	}
}

// TourPosition tells where a tour lives in the calendar columns.
type TourPosition struct {
	TourID   int64
	Year     int
	Month    int
	WeekYear int
	Week     int
}
