package csvparser

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cdtdelta/tourbook/internal/model"
)

// Tour CSV header. Column order matters: the index positions are used for
// field mapping on import and are written unchanged on export.
var tourHeader = []string{
	"tour_id", "start_time", "import_file_path", "import_file_name",
	"tour_type_id", "title", "person_id", "distance", "recording_time",
	"moving_time", "altitude_up", "altitude_down", "calories", "max_speed",
	"max_pulse", "avg_pulse", "tags", "markers",
}

// Layouts accepted for start_time, tried in order. The last one is read in
// UTC.
var startLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05"}

// ReadResult contains the outcome of a CSV import operation.
type ReadResult struct {
	Tours    []*model.Tour
	Count    int
	Excluded int
}

// ValidateHeader checks if a CSV file has a valid tour header.
// Returns an error describing the mismatch if validation fails.
func ValidateHeader(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(newNullStripper(f))
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("reading header: %w", err)
	}

	if len(header) < len(tourHeader) {
		return fmt.Errorf("header too short: got %d columns, expected at least %d", len(header), len(tourHeader))
	}

	for i, expected := range tourHeader {
		if strings.TrimSpace(header[i]) != expected {
			return fmt.Errorf("header mismatch at column %d: expected '%s', got '%s'", i, expected, header[i])
		}
	}

	return nil
}

// ReadTours reads all tours from a tour CSV file.
// Optionally filters by start time (pass zero times to skip filtering); the
// range is half open, from inclusive and to exclusive.
// Optionally limits the number of tours (pass 0 for no limit).
// Rows that cannot be parsed are counted as excluded.
// An onProgress callback is called every 10,000 tours if non-nil.
func ReadTours(path string, from, to time.Time, limit int, onProgress func(count int)) (*ReadResult, error) {
	if err := ValidateHeader(path); err != nil {
		return nil, fmt.Errorf("invalid CSV: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(newNullStripper(f))
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1 // allow variable field counts

	// Skip header
	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	filterByTime := !from.IsZero() && !to.IsZero()
	result := &ReadResult{}

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading row %d: %w", result.Count+result.Excluded+1, err)
		}

		if limit > 0 && result.Count >= limit {
			break
		}

		tour, err := rowToTour(row)
		if err != nil {
			result.Excluded++
			continue
		}

		if filterByTime && (tour.StartTime.Before(from) || !tour.StartTime.Before(to)) {
			result.Excluded++
			continue
		}

		result.Tours = append(result.Tours, tour)
		result.Count++

		if onProgress != nil && result.Count%10000 == 0 {
			onProgress(result.Count)
		}
	}

	return result, nil
}

// WriteTours writes tours to a CSV file in the import format, so an export
// can be read back with ReadTours.
func WriteTours(path string, tours []*model.Tour) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	writer := csv.NewWriter(f)

	if err := writer.Write(tourHeader); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	for _, t := range tours {
		if err := writer.Write(tourToRow(t)); err != nil {
			return fmt.Errorf("writing tour %d: %w", t.ID, err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flushing CSV: %w", err)
	}
	return f.Close()
}

// rowToTour maps a CSV row to a tour. Column indices:
//
//	0=tour_id, 1=start_time, 2=import_file_path, 3=import_file_name,
//	4=tour_type_id, 5=title, 6=person_id, 7=distance, 8=recording_time,
//	9=moving_time, 10=altitude_up, 11=altitude_down, 12=calories,
//	13=max_speed, 14=max_pulse, 15=avg_pulse, 16=tags, 17=markers
//
// An empty tour_id is derived from the start time in epoch millis. An empty
// tour_type_id means no tour type.
func rowToTour(row []string) (*model.Tour, error) {
	start, err := parseStart(safeIndex(row, 1))
	if err != nil {
		return nil, err
	}

	p := fieldParser{row: row}
	t := &model.Tour{
		ID:             p.int(0, start.UnixMilli()),
		StartTime:      start,
		ImportFilePath: safeIndex(row, 2),
		ImportFileName: safeIndex(row, 3),
		TourTypeID:     p.int(4, model.NoTourType),
		Title:          safeIndex(row, 5),
		PersonID:       p.int(6, 0),
		Distance:       p.float(7),
		RecordingTime:  p.int(8, 0),
		MovingTime:     p.int(9, 0),
		AltitudeUp:     p.float(10),
		AltitudeDown:   p.float(11),
		Calories:       p.float(12),
		MaxSpeed:       p.float(13),
		MaxPulse:       p.int(14, 0),
		AvgPulse:       p.float(15),
	}
	if p.err != nil {
		return nil, p.err
	}
	if t.ID == 0 {
		return nil, fmt.Errorf("tour id is zero")
	}

	if t.TagIDs, err = ParseTags(safeIndex(row, 16)); err != nil {
		return nil, err
	}
	if t.Markers, err = ParseMarkers(safeIndex(row, 17)); err != nil {
		return nil, err
	}
	return t, nil
}

func tourToRow(t *model.Tour) []string {
	tourType := ""
	if t.TourTypeID != model.NoTourType {
		tourType = strconv.FormatInt(t.TourTypeID, 10)
	}
	return []string{
		strconv.FormatInt(t.ID, 10),
		t.StartTime.Format(time.RFC3339Nano),
		t.ImportFilePath,
		t.ImportFileName,
		tourType,
		t.Title,
		strconv.FormatInt(t.PersonID, 10),
		formatFloat(t.Distance),
		strconv.FormatInt(t.RecordingTime, 10),
		strconv.FormatInt(t.MovingTime, 10),
		formatFloat(t.AltitudeUp),
		formatFloat(t.AltitudeDown),
		formatFloat(t.Calories),
		formatFloat(t.MaxSpeed),
		strconv.FormatInt(t.MaxPulse, 10),
		formatFloat(t.AvgPulse),
		FormatTags(t.TagIDs),
		FormatMarkers(t.Markers),
	}
}

// ParseTags parses a ';' separated list of tag ids. Empty entries are
// skipped.
func ParseTags(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing tag id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// FormatTags is the inverse of ParseTags.
func FormatTags(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ";")
}

// ParseMarkers parses a '|' separated list of markers, each written as
// offset=label with the offset in seconds from the tour start.
func ParseMarkers(s string) ([]model.Marker, error) {
	var markers []model.Marker
	for _, part := range strings.Split(s, "|") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		offset, label, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("marker %q: missing '='", part)
		}
		secs, err := strconv.ParseInt(strings.TrimSpace(offset), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing marker offset %q: %w", offset, err)
		}
		markers = append(markers, model.Marker{Label: label, TimeOffset: secs})
	}
	return markers, nil
}

// FormatMarkers is the inverse of ParseMarkers. Marker ids are not written.
func FormatMarkers(markers []model.Marker) string {
	parts := make([]string, len(markers))
	for i, m := range markers {
		parts[i] = strconv.FormatInt(m.TimeOffset, 10) + "=" + m.Label
	}
	return strings.Join(parts, "|")
}

func parseStart(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range startLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized start_time %q", s)
}

// fieldParser parses numeric columns and keeps the first error.
type fieldParser struct {
	row []string
	err error
}

func (p *fieldParser) int(i int, empty int64) int64 {
	s := strings.TrimSpace(safeIndex(p.row, i))
	if s == "" || p.err != nil {
		return empty
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		p.err = fmt.Errorf("column %s: %w", tourHeader[i], err)
	}
	return v
}

func (p *fieldParser) float(i int) float64 {
	s := strings.TrimSpace(safeIndex(p.row, i))
	if s == "" || p.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.err = fmt.Errorf("column %s: %w", tourHeader[i], err)
	}
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// safeIndex returns the value at index i, or empty string if out of bounds.
func safeIndex(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}

// nullStripper wraps a reader and strips null bytes from the stream.
// Exports from some devices pad fields with NUL, which csv.Reader rejects.
type nullStripper struct {
	r io.Reader
}

func newNullStripper(r io.Reader) io.Reader {
	return &nullStripper{r: r}
}

func (ns *nullStripper) Read(p []byte) (int, error) {
	n, err := ns.r.Read(p)
	if n > 0 {
		// Replace null bytes in place
		cleaned := strings.ReplaceAll(string(p[:n]), "\x00", "")
		copy(p, cleaned)
		n = len(cleaned)
	}
	return n, err
}
