package query

import (
	"fmt"
	"strings"

	"github.com/cdtdelta/tourbook/internal/model"
)

// Statement is a parameterized SQL statement ready for execution.
type Statement struct {
	SQL  string
	Args []interface{}
}

// String returns the SQL text, mainly for logging.
func (s Statement) String() string {
	return s.SQL
}

// bucketAggregates is the aggregate column list scanned into model.BucketRow,
// in this order: tours, distance, recording_time, moving_time, altitude_up,
// altitude_down, calories, max_speed, max_pulse.
const bucketAggregates = "COUNT(t.tour_id)," +
	" COALESCE(SUM(t.distance), 0)," +
	" COALESCE(SUM(t.recording_time), 0)," +
	" COALESCE(SUM(t.moving_time), 0)," +
	" COALESCE(SUM(t.altitude_up), 0)," +
	" COALESCE(SUM(t.altitude_down), 0)," +
	" COALESCE(SUM(t.calories), 0)," +
	" COALESCE(MAX(t.max_speed), 0)," +
	" COALESCE(MAX(t.max_pulse), 0)"

// tourColumns is the tour column list scanned into model.TourRow, without the
// trailing tag and marker id columns.
func tourColumns(yearCol, subCol string) string {
	return "t.tour_id, t.start_time, t.import_file_path, t.tour_type_id, t.title, " +
		"t." + yearCol + ", t." + subCol + ", " +
		"t.distance, t.recording_time, t.moving_time, t.altitude_up, t.altitude_down, " +
		"t.calories, t.max_speed, t.max_pulse, t.avg_pulse"
}

// CalendarColumns returns the stored year and sub-period columns for g.
// Week grouping uses the week-based year so that a week never spans two
// year buckets.
func CalendarColumns(g model.GroupBy) (yearCol, subCol string) {
	if g == model.ByWeek {
		return "start_week_year", "start_week"
	}
	return "start_year", "start_month"
}

// SortField is one ORDER BY entry of a paged tour query.
type SortField struct {
	Column string
	Desc   bool
}

// ParseSort parses "column [asc|desc]" entries. Columns are validated
// against model.Fields.
func ParseSort(specs []string) ([]SortField, error) {
	fields := make([]SortField, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Fields(spec)
		if len(parts) == 0 {
			continue
		}
		if !model.IsField(parts[0]) {
			return nil, fmt.Errorf("invalid sort field: %s", parts[0])
		}
		f := SortField{Column: parts[0]}
		if len(parts) > 1 {
			switch strings.ToUpper(parts[1]) {
			case "ASC":
			case "DESC":
				f.Desc = true
			default:
				return nil, fmt.Errorf("invalid sort direction: %s", parts[1])
			}
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// Builder assembles the statements the tour book issues.
type Builder struct {
	dialect QueryDialect
}

// NewBuilder returns a Builder for dialect d; nil selects DefaultDialect.
func NewBuilder(d QueryDialect) *Builder {
	if d == nil {
		d = DefaultDialect
	}
	return &Builder{dialect: d}
}

// where renders "WHERE 1=1 AND <conds...> AND <filter>" with the placeholders
// of conds taking the first indices.
func (b *Builder) where(filter *Predicate, conds []string, condArgs []interface{}) (string, []interface{}) {
	next := 1
	var sb strings.Builder
	sb.WriteString(" WHERE 1=1")

	args := make([]interface{}, 0, len(condArgs))
	for _, c := range conds {
		sb.WriteString(" AND t." + c + " = " + b.dialect.Placeholder(next))
		next++
	}
	args = append(args, condArgs...)

	if filter != nil {
		sql, fargs := filter.Render(b.dialect, &next)
		if sql != "" {
			sb.WriteString(" AND " + sql)
			args = append(args, fargs...)
		}
	}
	return sb.String(), args
}

// YearBuckets groups all filtered tours by year.
func (b *Builder) YearBuckets(filter *Predicate, g model.GroupBy) Statement {
	yearCol, _ := CalendarColumns(g)
	where, args := b.where(filter, nil, nil)
	sql := "SELECT t." + yearCol + ", 0, " + bucketAggregates +
		" FROM tour_data t" + where +
		" GROUP BY t." + yearCol +
		" ORDER BY t." + yearCol
	return Statement{SQL: sql, Args: args}
}

// SubBuckets groups the tours of one year by sub-period.
func (b *Builder) SubBuckets(filter *Predicate, g model.GroupBy, year int) Statement {
	yearCol, subCol := CalendarColumns(g)
	where, args := b.where(filter, []string{yearCol}, []interface{}{year})
	sql := "SELECT t." + yearCol + ", t." + subCol + ", " + bucketAggregates +
		" FROM tour_data t" + where +
		" GROUP BY t." + yearCol + ", t." + subCol +
		" ORDER BY t." + subCol
	return Statement{SQL: sql, Args: args}
}

// YearSubBuckets groups all filtered tours by (year, sub-period) in one pass.
func (b *Builder) YearSubBuckets(filter *Predicate, g model.GroupBy) Statement {
	yearCol, subCol := CalendarColumns(g)
	where, args := b.where(filter, nil, nil)
	sql := "SELECT t." + yearCol + ", t." + subCol + ", " + bucketAggregates +
		" FROM tour_data t" + where +
		" GROUP BY t." + yearCol + ", t." + subCol +
		" ORDER BY t." + yearCol + ", t." + subCol
	return Statement{SQL: sql, Args: args}
}

// Tours returns the tours of one (year, sub-period) with their tag and marker
// ids outer-joined. A tour appears once per (tag, marker) combination.
func (b *Builder) Tours(filter *Predicate, g model.GroupBy, year, sub int) Statement {
	yearCol, subCol := CalendarColumns(g)
	where, args := b.where(filter, []string{yearCol, subCol}, []interface{}{year, sub})
	sql := "SELECT " + tourColumns(yearCol, subCol) + ", tt.tag_id, m.marker_id" +
		" FROM tour_data t" +
		" LEFT OUTER JOIN tour_data_tag tt ON tt.tour_id = t.tour_id" +
		" LEFT OUTER JOIN tour_marker m ON m.tour_id = t.tour_id" +
		where +
		" ORDER BY t.start_time, t.import_file_path, t.tour_id, tt.tag_id, m.marker_id"
	return Statement{SQL: sql, Args: args}
}

// TourPosition looks up the calendar columns of one tour.
func (b *Builder) TourPosition(tourID int64) Statement {
	return Statement{
		SQL: "SELECT tour_id, start_year, start_month, start_week_year, start_week" +
			" FROM tour_data WHERE tour_id = " + b.dialect.Placeholder(1),
		Args: []interface{}{tourID},
	}
}

// orderBy renders the sort of paged queries. tour_id is always appended so
// that pages are stable.
func (b *Builder) orderBy(sort []SortField) string {
	if len(sort) == 0 {
		return " ORDER BY t.start_time ASC, t.tour_id ASC"
	}
	parts := make([]string, 0, len(sort)+1)
	for _, f := range sort {
		dir := "ASC"
		if f.Desc {
			dir = "DESC"
		}
		parts = append(parts, "t."+b.dialect.QuoteColumn(f.Column)+" "+dir)
	}
	parts = append(parts, "t.tour_id ASC")
	return " ORDER BY " + strings.Join(parts, ", ")
}

// TourPage returns one page of filtered tours without joins. Tag and marker
// columns are 0.
func (b *Builder) TourPage(filter *Predicate, sort []SortField, offset, limit int) Statement {
	yearCol, subCol := CalendarColumns(model.ByMonth)
	where, args := b.where(filter, nil, nil)
	sql := "SELECT " + tourColumns(yearCol, subCol) + ", 0, 0" +
		" FROM tour_data t" + where + b.orderBy(sort) +
		fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	return Statement{SQL: sql, Args: args}
}

// TourIDs returns all filtered tour ids in sort order.
func (b *Builder) TourIDs(filter *Predicate, sort []SortField) Statement {
	where, args := b.where(filter, nil, nil)
	return Statement{
		SQL:  "SELECT t.tour_id FROM tour_data t" + where + b.orderBy(sort),
		Args: args,
	}
}

// CountTours counts all filtered tours.
func (b *Builder) CountTours(filter *Predicate) Statement {
	where, args := b.where(filter, nil, nil)
	return Statement{
		SQL:  "SELECT COUNT(*) FROM tour_data t" + where,
		Args: args,
	}
}
