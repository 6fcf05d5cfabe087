package jsonlparser

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cdtdelta/tourbook/internal/model"
)

// ReadResult contains the outcome of a JSONL import operation.
type ReadResult struct {
	Tours    []*model.Tour
	Count    int
	Excluded int
}

// jsonTour is one line of a tour JSONL file. The start is given either as
// an RFC 3339 start_time or as start_millis; tour_type_id may be omitted or
// null for tours without a type.
type jsonTour struct {
	ID             int64   `json:"id"`
	StartTime      string  `json:"start_time"`
	StartMillis    *int64  `json:"start_millis"`
	ImportFilePath string  `json:"import_file_path"`
	ImportFileName string  `json:"import_file_name"`
	TourTypeID     *int64  `json:"tour_type_id"`
	Title          string  `json:"title"`
	PersonID       int64   `json:"person_id"`
	Distance       float64 `json:"distance"`
	RecordingTime  int64   `json:"recording_time"`
	MovingTime     int64   `json:"moving_time"`
	AltitudeUp     float64 `json:"altitude_up"`
	AltitudeDown   float64 `json:"altitude_down"`
	Calories       float64 `json:"calories"`
	MaxSpeed       float64 `json:"max_speed"`
	MaxPulse       int64   `json:"max_pulse"`
	AvgPulse       float64 `json:"avg_pulse"`

	TagIDs  []int64        `json:"tag_ids"`
	Markers []model.Marker `json:"markers"`
}

// ValidateFile checks if a file looks like tour JSONL by reading the first line.
func ValidateFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading first line: %w", err)
		}
		return fmt.Errorf("empty file")
	}

	line := strings.TrimSpace(scanner.Text())
	if len(line) == 0 || line[0] != '{' {
		return fmt.Errorf("first line is not a JSON object")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return fmt.Errorf("first line is not valid JSON: %w", err)
	}

	_, hasStartTime := raw["start_time"]
	_, hasStartMillis := raw["start_millis"]
	if !hasStartTime && !hasStartMillis {
		return fmt.Errorf("no start_time or start_millis field found; does not appear to be tour JSONL")
	}

	return nil
}

// ReadTours reads all tours from a tour JSONL file. Lines that cannot be
// parsed or carry no usable start are counted as excluded.
// An onProgress callback is called every 10,000 tours if non-nil.
func ReadTours(path string, onProgress func(count int)) (*ReadResult, error) {
	if err := ValidateFile(path); err != nil {
		return nil, fmt.Errorf("invalid JSONL: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	// Allow up to 10MB per line (tours with many markers can be large)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)

	result := &ReadResult{}
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var jt jsonTour
		if err := json.Unmarshal([]byte(line), &jt); err != nil {
			result.Excluded++
			continue
		}

		tour, err := jt.toTour()
		if err != nil {
			result.Excluded++
			continue
		}

		result.Tours = append(result.Tours, tour)
		result.Count++

		if onProgress != nil && result.Count%10000 == 0 {
			onProgress(result.Count)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading file at line %d: %w", lineNum, err)
	}

	return result, nil
}

// toTour converts a decoded line to a tour. A missing id is derived from the
// start in epoch millis.
func (jt *jsonTour) toTour() (*model.Tour, error) {
	var start time.Time
	switch {
	case jt.StartTime != "":
		t, err := time.Parse(time.RFC3339Nano, jt.StartTime)
		if err != nil {
			return nil, fmt.Errorf("parsing start_time: %w", err)
		}
		start = t
	case jt.StartMillis != nil:
		start = time.UnixMilli(*jt.StartMillis).UTC()
	default:
		return nil, fmt.Errorf("tour has no start")
	}

	tourType := model.NoTourType
	if jt.TourTypeID != nil {
		tourType = *jt.TourTypeID
	}

	id := jt.ID
	if id == 0 {
		id = start.UnixMilli()
	}
	if id == 0 {
		return nil, fmt.Errorf("tour id is zero")
	}

	return &model.Tour{
		ID:             id,
		StartTime:      start,
		ImportFilePath: jt.ImportFilePath,
		ImportFileName: jt.ImportFileName,
		TourTypeID:     tourType,
		Title:          jt.Title,
		PersonID:       jt.PersonID,
		Distance:       jt.Distance,
		RecordingTime:  jt.RecordingTime,
		MovingTime:     jt.MovingTime,
		AltitudeUp:     jt.AltitudeUp,
		AltitudeDown:   jt.AltitudeDown,
		Calories:       jt.Calories,
		MaxSpeed:       jt.MaxSpeed,
		MaxPulse:       jt.MaxPulse,
		AvgPulse:       jt.AvgPulse,
		TagIDs:         jt.TagIDs,
		Markers:        jt.Markers,
	}, nil
}
