package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/cdtdelta/tourbook/internal/model"
)

// tourAlias is the alias of tour_data in every generated statement.
// Predicates qualify their columns with it.
const tourAlias = "t"

// Logic determines how multiple predicates are combined.
type Logic int

const (
	AND Logic = iota
	OR
)

// Operator represents a SQL comparison operator.
type Operator string

const (
	Equal          Operator = "="
	NotEqual       Operator = "!="
	Like           Operator = "LIKE"
	NotLike        Operator = "NOT LIKE"
	GreaterOrEqual Operator = ">="
	LessOrEqual    Operator = "<="
)

// validOperators is the set of allowed operators for validation.
var validOperators = map[Operator]bool{
	Equal: true, NotEqual: true, Like: true, NotLike: true,
	GreaterOrEqual: true, LessOrEqual: true,
}

// ParseOperator converts the textual operator of a filter into an Operator.
func ParseOperator(s string) (Operator, error) {
	op := Operator(strings.ToUpper(strings.TrimSpace(s)))
	if !validOperators[op] {
		return "", fmt.Errorf("invalid operator: %s", s)
	}
	return op, nil
}

// Predicate represents a single filter condition or a composite of conditions.
// Predicates use parameterized values to prevent SQL injection.
//
// The tree treats a Predicate as opaque: it is composed by the caller (tag
// filter, date range, tour type) and passed through unchanged into every
// statement of a build.
type Predicate struct {
	kind     predicateKind
	field    string
	op       Operator
	value    interface{}
	from     int64
	to       int64
	ids      []int64
	matchAll bool
	raw      string
	rawArgs  []interface{}
	left     *Predicate
	right    *Predicate
	logic    Logic
}

type predicateKind int

const (
	predNone predicateKind = iota
	predSimple
	predDate
	predTags
	predTourType
	predPerson
	predRaw
	predComposite
)

// Simple creates a predicate that compares a tour_data field to a value.
// Returns nil if the field name is invalid or the operator is unrecognized.
func Simple(field string, op Operator, value interface{}) *Predicate {
	if !model.IsField(field) || !validOperators[op] {
		return nil
	}
	return &Predicate{
		kind:  predSimple,
		field: field,
		op:    op,
		value: value,
	}
}

// DateRange creates a predicate filtering tours starting between from and to
// (inclusive).
func DateRange(from, to time.Time) *Predicate {
	return &Predicate{
		kind: predDate,
		from: from.UnixMilli(),
		to:   to.UnixMilli(),
	}
}

// Tags creates a tag filter. With matchAll a tour must carry every tag,
// otherwise one of them is enough. Returns nil for an empty id list.
// The filter is a subquery so that it never multiplies tour rows.
func Tags(tagIDs []int64, matchAll bool) *Predicate {
	if len(tagIDs) == 0 {
		return nil
	}
	ids := make([]int64, len(tagIDs))
	copy(ids, tagIDs)
	return &Predicate{
		kind:     predTags,
		ids:      ids,
		matchAll: matchAll,
	}
}

// TourType filters by tour type. model.NoTourType selects tours without a type.
func TourType(typeID int64) *Predicate {
	return &Predicate{kind: predTourType, value: typeID}
}

// Person filters tours of one person.
func Person(personID int64) *Predicate {
	return &Predicate{kind: predPerson, value: personID}
}

// Raw wraps an externally composed SQL fragment. Parameters are written as
// "?" and are renumbered for the target dialect. The fragment is used as-is,
// so the caller is responsible for safety.
func Raw(sql string, args ...interface{}) *Predicate {
	if strings.TrimSpace(sql) == "" {
		return nil
	}
	return &Predicate{kind: predRaw, raw: sql, rawArgs: args}
}

// Combine joins multiple predicates with the given logic (AND or OR).
// Returns nil for an empty slice. Returns the single predicate if only one is given.
// Nil predicates in the slice are skipped.
func Combine(preds []*Predicate, logic Logic) *Predicate {
	filtered := make([]*Predicate, 0, len(preds))
	for _, p := range preds {
		if p != nil {
			filtered = append(filtered, p)
		}
	}

	if len(filtered) == 0 {
		return nil
	}
	if len(filtered) == 1 {
		return filtered[0]
	}

	result := &Predicate{
		kind:  predComposite,
		left:  filtered[0],
		right: filtered[1],
		logic: logic,
	}

	for i := 2; i < len(filtered); i++ {
		result = &Predicate{
			kind:  predComposite,
			left:  result,
			right: filtered[i],
			logic: logic,
		}
	}

	return result
}

// WhereClause returns the SQL WHERE fragment and its parameter values
// using the default dialect. For example: "(t.source = ?)", []interface{}{"FILE"}
func (p *Predicate) WhereClause() (string, []interface{}) {
	idx := 1
	return p.Render(DefaultDialect, &idx)
}

// Render returns the SQL fragment for dialect d. next is the 1-based index
// of the next placeholder and is advanced past the placeholders used.
func (p *Predicate) Render(d QueryDialect, next *int) (string, []interface{}) {
	if p == nil {
		return "", nil
	}
	if d == nil {
		d = DefaultDialect
	}

	col := func(name string) string {
		return tourAlias + "." + d.QuoteColumn(name)
	}
	ph := func() string {
		s := d.Placeholder(*next)
		*next++
		return s
	}

	switch p.kind {
	case predNone:
		return "", nil

	case predSimple:
		sql := fmt.Sprintf("(%s %s %s)", col(p.field), p.op, ph())
		if p.op == Like || p.op == NotLike {
			return sql, []interface{}{fmt.Sprintf("%%%v%%", p.value)}
		}
		return sql, []interface{}{p.value}

	case predDate:
		sql := fmt.Sprintf("(%s BETWEEN %s AND %s)", col("start_time"), ph(), ph())
		return sql, []interface{}{p.from, p.to}

	case predTags:
		args := make([]interface{}, 0, len(p.ids)+1)
		phs := make([]string, len(p.ids))
		for i, id := range p.ids {
			phs[i] = ph()
			args = append(args, id)
		}
		sub := "SELECT tour_id FROM tour_data_tag WHERE tag_id IN (" + strings.Join(phs, ", ") + ")"
		if p.matchAll {
			sub += " GROUP BY tour_id HAVING COUNT(DISTINCT tag_id) = " + ph()
			args = append(args, int64(len(p.ids)))
		}
		return fmt.Sprintf("(%s IN (%s))", col("tour_id"), sub), args

	case predTourType:
		if p.value.(int64) == model.NoTourType {
			return fmt.Sprintf("(%s IS NULL)", col("tour_type_id")), nil
		}
		return fmt.Sprintf("(%s = %s)", col("tour_type_id"), ph()), []interface{}{p.value}

	case predPerson:
		return fmt.Sprintf("(%s = %s)", col("person_id"), ph()), []interface{}{p.value}

	case predRaw:
		var sb strings.Builder
		for _, r := range p.raw {
			if r == '?' {
				sb.WriteString(ph())
				continue
			}
			sb.WriteRune(r)
		}
		return "(" + sb.String() + ")", p.rawArgs

	case predComposite:
		leftSQL, leftArgs := p.left.Render(d, next)
		rightSQL, rightArgs := p.right.Render(d, next)

		if leftSQL == "" && rightSQL == "" {
			return "", nil
		}
		if leftSQL == "" {
			return rightSQL, rightArgs
		}
		if rightSQL == "" {
			return leftSQL, leftArgs
		}

		logicStr := "AND"
		if p.logic == OR {
			logicStr = "OR"
		}

		sql := fmt.Sprintf("(%s %s %s)", leftSQL, logicStr, rightSQL)
		args := append(leftArgs, rightArgs...)
		return sql, args

	default:
		return "", nil
	}
}

// Fields returns the list of field names referenced by this predicate tree.
func (p *Predicate) Fields() []string {
	if p == nil {
		return nil
	}

	switch p.kind {
	case predSimple:
		return []string{p.field}
	case predDate:
		return []string{"start_time"}
	case predTags:
		return []string{"tour_id"}
	case predTourType:
		return []string{"tour_type_id"}
	case predPerson:
		return []string{"person_id"}
	case predComposite:
		seen := make(map[string]bool)
		var result []string
		for _, f := range append(p.left.Fields(), p.right.Fields()...) {
			if !seen[f] {
				seen[f] = true
				result = append(result, f)
			}
		}
		return result
	default:
		return nil
	}
}
