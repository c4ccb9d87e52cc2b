package allocation

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// Criterion names the ordering applied to the order queue.
type Criterion string

const (
	FIFO             Criterion = "fifo"
	PriorityDesc     Criterion = "priority_desc"
	SmallestFirst    Criterion = "smallest_first"
	CustomerPriority Criterion = "customer_priority"
)

// legacy names stored by the original dashboard's rule table.
var legacyCriteria = map[string]Criterion{
	"prioridad_fifo":     FIFO,
	"prioridad_mayor":    PriorityDesc,
	"prioridad_cantidad": SmallestFirst,
	"prioridad_cliente":  CustomerPriority,
}

// Criteria lists the supported criteria.
func Criteria() []Criterion {
	return []Criterion{FIFO, PriorityDesc, SmallestFirst, CustomerPriority}
}

// ParseCriterion normalizes a rule's criterion name. Unknown names fail with
// InvalidPolicy; there is no fallback.
func ParseCriterion(name string) (Criterion, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if c, ok := legacyCriteria[n]; ok {
		return c, nil
	}
	for _, c := range Criteria() {
		if string(c) == n {
			return c, nil
		}
	}
	return "", &Error{
		Kind:    KindInvalidPolicy,
		Op:      "parse criterion",
		Msg:     "unsupported criterion " + quote(name),
		Details: map[string]any{"criterion": name},
	}
}

// Entry is one order in the queue snapshot.
type Entry struct {
	OrderID           int64     `json:"order_id"`
	QuantityRequested int       `json:"quantity_requested"`
	QuantityGranted   int       `json:"quantity_granted"`
	Remaining         int       `json:"remaining"`
	Priority          int       `json:"priority"`
	SubmittedAt       time.Time `json:"submitted_at"`
	CustomerReference string    `json:"customer_reference,omitempty"`
	CustomerRank      int       `json:"customer_rank"`
}

// Compare is a three-way comparator over entries.
type Compare func(a, b Entry) int

// Comparator returns the total order for c. Every comparator ends on order
// id ascending so no two distinct orders compare equal.
func Comparator(c Criterion) (Compare, error) {
	var primary Compare
	switch c {
	case FIFO:
		primary = bySubmitted
	case PriorityDesc:
		primary = func(a, b Entry) int {
			return cmp.Or(cmp.Compare(b.Priority, a.Priority), bySubmitted(a, b))
		}
	case SmallestFirst:
		primary = func(a, b Entry) int {
			return cmp.Or(cmp.Compare(a.Remaining, b.Remaining), bySubmitted(a, b))
		}
	case CustomerPriority:
		primary = func(a, b Entry) int {
			return cmp.Or(cmp.Compare(b.CustomerRank, a.CustomerRank), bySubmitted(a, b))
		}
	default:
		return nil, &Error{
			Kind:    KindInvalidPolicy,
			Op:      "comparator",
			Msg:     "unsupported criterion " + quote(string(c)),
			Details: map[string]any{"criterion": string(c)},
		}
	}
	return func(a, b Entry) int {
		return cmp.Or(primary(a, b), cmp.Compare(a.OrderID, b.OrderID))
	}, nil
}

func bySubmitted(a, b Entry) int {
	return a.SubmittedAt.Compare(b.SubmittedAt)
}

// Sort returns a copy of entries ordered under c. The input is not modified.
func Sort(c Criterion, entries []Entry) ([]Entry, error) {
	less, err := Comparator(c)
	if err != nil {
		return nil, err
	}
	out := slices.Clone(entries)
	slices.SortFunc(out, less)
	return out, nil
}

func quote(s string) string {
	return `"` + s + `"`
}
