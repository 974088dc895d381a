package connector

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/polisai/polis-privacy/pkg/domain"
)

// Masking strategies understood by the memory connector.
const (
	MaskNull   = "null_rewrite"
	MaskString = "string_rewrite"
)

// MemoryConnector serves collections from in-process rows. It backs the
// memory connection kind and is the reference connector in tests.
type MemoryConnector struct {
	mu       sync.Mutex
	rows     map[string][]domain.Row // collection -> rows
	consent  map[string]domain.ConsentPreference
	failures map[string][]error // collection -> queued errors
	calls    map[string]int
}

// NewMemoryConnector creates an empty connector.
func NewMemoryConnector() *MemoryConnector {
	return &MemoryConnector{
		rows:     make(map[string][]domain.Row),
		consent:  make(map[string]domain.ConsentPreference),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// Seed replaces the rows of a collection.
func (m *MemoryConnector) Seed(collection string, rows ...domain.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]domain.Row, len(rows))
	for i, r := range rows {
		copied[i] = maps.Clone(r)
	}
	m.rows[collection] = copied
}

// FailNext queues errors returned by the next calls touching collection.
func (m *MemoryConnector) FailNext(collection string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[collection] = append(m.failures[collection], errs...)
}

// Calls returns how many calls reached collection.
func (m *MemoryConnector) Calls(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[collection]
}

// Snapshot returns a copy of the rows currently stored for collection.
func (m *MemoryConnector) Snapshot(collection string) []domain.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Row, len(m.rows[collection]))
	for i, r := range m.rows[collection] {
		out[i] = maps.Clone(r)
	}
	return out
}

// ConsentFor returns the preference recorded for an identity value.
func (m *MemoryConnector) ConsentFor(identity string) (domain.ConsentPreference, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.consent[identity]
	return p, ok
}

// enter records a call and pops a queued failure. Caller holds m.mu.
func (m *MemoryConnector) enter(collection string) error {
	m.calls[collection]++
	if queued := m.failures[collection]; len(queued) > 0 {
		m.failures[collection] = queued[1:]
		return queued[0]
	}
	return nil
}

// Query implements Connector. A row matches if any input field holds any of
// that field's candidate values.
func (m *MemoryConnector) Query(ctx context.Context, req QueryRequest) ([]domain.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(req.Address.Collection); err != nil {
		return nil, err
	}

	var out []domain.Row
	for _, row := range m.rows[req.Address.Collection] {
		if matches(row, req.Inputs) {
			out = append(out, maps.Clone(row))
		}
	}
	return out, nil
}

func matches(row domain.Row, inputs map[domain.FieldPath][]any) bool {
	for path, candidates := range inputs {
		want := make(map[string]bool, len(candidates))
		for _, c := range candidates {
			want[fmt.Sprint(c)] = true
		}
		for _, v := range path.Values(row) {
			if want[fmt.Sprint(v)] {
				return true
			}
		}
	}
	return false
}

// Mutate implements Connector. Stored rows are matched to the supplied rows by
// primary key, or by full equality when the collection declares none.
func (m *MemoryConnector) Mutate(ctx context.Context, req MutateRequest) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(req.Address.Collection); err != nil {
		return 0, err
	}

	keys := req.Collection.PrimaryKeys()
	targets := make(map[string]bool, len(req.Rows))
	for _, r := range req.Rows {
		targets[rowKey(r, keys)] = true
	}

	masked := 0
	stored := m.rows[req.Address.Collection]
	for i, row := range stored {
		if !targets[rowKey(row, keys)] {
			continue
		}
		next := maps.Clone(row)
		for path, strategy := range req.Plan {
			if err := maskField(next, path, strategy); err != nil {
				return masked, err
			}
		}
		stored[i] = next
		masked++
	}
	return masked, nil
}

func rowKey(row domain.Row, keys []domain.FieldPath) string {
	if len(keys) == 0 {
		return fmt.Sprint(map[string]any(row))
	}
	var key string
	for _, k := range keys {
		key += fmt.Sprint(k.Values(row)) + "|"
	}
	return key
}

func maskField(row domain.Row, path domain.FieldPath, strategy string) error {
	segments := path.Segments()
	if len(segments) == 0 {
		return nil
	}
	var node map[string]any = row
	for _, seg := range segments[:len(segments)-1] {
		child, ok := node[seg].(map[string]any)
		if !ok {
			return nil
		}
		node = child
	}
	last := segments[len(segments)-1]
	if _, ok := node[last]; !ok {
		return nil
	}
	switch strategy {
	case MaskNull, "":
		node[last] = nil
	case MaskString:
		node[last] = "MASKED"
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedMasking, strategy)
	}
	return nil
}

// PropagateConsent implements Connector.
func (m *MemoryConnector) PropagateConsent(ctx context.Context, req ConsentRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(req.Address.Collection); err != nil {
		return err
	}
	for _, v := range req.Identity {
		if v != "" {
			m.consent[v] = req.Preference
		}
	}
	return nil
}
