// Package contesttest provides an in-memory contest.Store for tests.
package contesttest

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/malbeclabs/shillbot/pkg/contest"
)

type state struct {
	posts         map[string]contest.Post
	postOrder     []string
	postScores    map[string]float64
	registrations contest.Registrations
	excluded      map[string]string
	blacklist     map[string]string
	windows       map[string]contest.Window
	snapshots     []contest.TreasurySnapshot
	scores        map[string][]contest.ScoreRow
	plans         map[string][]contest.PlanEntry
	transactions  []contest.Transaction
}

func newState() *state {
	return &state{
		posts:         map[string]contest.Post{},
		postScores:    map[string]float64{},
		registrations: contest.Registrations{},
		excluded:      map[string]string{},
		blacklist:     map[string]string{},
		windows:       map[string]contest.Window{},
		scores:        map[string][]contest.ScoreRow{},
		plans:         map[string][]contest.PlanEntry{},
	}
}

func (s *state) clone() *state {
	c := &state{
		posts:         maps.Clone(s.posts),
		postOrder:     slices.Clone(s.postOrder),
		postScores:    maps.Clone(s.postScores),
		registrations: maps.Clone(s.registrations),
		excluded:      maps.Clone(s.excluded),
		blacklist:     maps.Clone(s.blacklist),
		windows:       maps.Clone(s.windows),
		snapshots:     slices.Clone(s.snapshots),
		scores:        map[string][]contest.ScoreRow{},
		plans:         map[string][]contest.PlanEntry{},
		transactions:  slices.Clone(s.transactions),
	}
	for k, v := range s.scores {
		c.scores[k] = slices.Clone(v)
	}
	for k, v := range s.plans {
		c.plans[k] = slices.Clone(v)
	}
	return c
}

// Store is a goroutine-safe in-memory contest.Store. Transactions snapshot the whole state and
// restore it on rollback.
type Store struct {
	mu sync.Mutex
	st *state

	// FailOn makes the named method return the error. Used to exercise failure handling.
	FailOn map[string]error

	Commits   int
	Rollbacks int
}

func New() *Store {
	return &Store{st: newState(), FailOn: map[string]error{}}
}

var (
	_ contest.Store = (*Store)(nil)
	_ contest.Tx    = (*tx)(nil)
)

func (s *Store) InTx(ctx context.Context, fn func(contest.Tx) error) error {
	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	if err := fn(&tx{Store: s}); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.Rollbacks++
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.Commits++
	s.mu.Unlock()
	return nil
}

type tx struct {
	*Store
}

func (t *tx) Savepoint(ctx context.Context, fn func(contest.Tx) error) error {
	t.mu.Lock()
	snapshot := t.st.clone()
	t.mu.Unlock()
	if err := fn(t); err != nil {
		t.mu.Lock()
		t.st = snapshot
		t.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) fail(method string) error {
	if s.FailOn == nil {
		return nil
	}
	return s.FailOn[method]
}

func (s *Store) InsertPost(ctx context.Context, p contest.Post) (contest.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("InsertPost"); err != nil {
		return 0, err
	}
	if _, ok := s.st.posts[p.ID]; ok {
		return contest.Duplicate, nil
	}
	s.st.posts[p.ID] = p
	s.st.postOrder = append(s.st.postOrder, p.ID)
	return contest.Inserted, nil
}

func (s *Store) sortedPosts(keep func(contest.Post) bool) []contest.Post {
	var out []contest.Post
	for _, id := range s.st.postOrder {
		p := s.st.posts[id]
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) PostsBetween(ctx context.Context, start, end time.Time) ([]contest.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("PostsBetween"); err != nil {
		return nil, err
	}
	return s.sortedPosts(func(p contest.Post) bool {
		return !p.CreatedAt.Before(start) && p.CreatedAt.Before(end)
	}), nil
}

func (s *Store) AllPosts(ctx context.Context) ([]contest.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedPosts(func(contest.Post) bool { return true }), nil
}

func (s *Store) UpdatePostScore(ctx context.Context, postID string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UpdatePostScore"); err != nil {
		return err
	}
	s.st.postScores[postID] = score
	return nil
}

// PostScore returns the persisted score of a post.
func (s *Store) PostScore(postID string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.st.postScores[postID]
	return v, ok
}

func (s *Store) UpsertRegistration(ctx context.Context, r contest.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := contest.NormalizeHandle(r.Handle)
	if prev, ok := s.st.registrations[key]; ok && prev.RegisteredAt.After(r.RegisteredAt) {
		return nil
	}
	s.st.registrations[key] = r
	return nil
}

func (s *Store) Registrations(ctx context.Context) (contest.Registrations, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Registrations"); err != nil {
		return nil, err
	}
	return maps.Clone(s.st.registrations), nil
}

func keySet(m map[string]string) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func (s *Store) ExcludedPostIDs(ctx context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return keySet(s.st.excluded), nil
}

func (s *Store) BlacklistedHandles(ctx context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return keySet(s.st.blacklist), nil
}

func (s *Store) ExcludePost(ctx context.Context, postID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.excluded[postID] = reason
	return nil
}

func (s *Store) BlacklistHandle(ctx context.Context, handle, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.blacklist[contest.NormalizeHandle(handle)] = reason
	return nil
}

func (s *Store) Window(ctx context.Context, id string) (contest.Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.st.windows[id]
	if !ok {
		return contest.Window{}, contest.ErrNotFound
	}
	return w, nil
}

func (s *Store) EnsureWindow(ctx context.Context, w contest.Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("EnsureWindow"); err != nil {
		return err
	}
	if _, ok := s.st.windows[w.ID]; !ok {
		s.st.windows[w.ID] = contest.Window{ID: w.ID, Start: w.Start, End: w.End}
	}
	return nil
}

func (s *Store) SetWindowStartBalance(ctx context.Context, id string, lamports int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.st.windows[id]
	if !ok {
		return contest.ErrNotFound
	}
	if w.StartBalance == nil {
		w.StartBalance = &lamports
		s.st.windows[id] = w
	}
	return nil
}

func (s *Store) CloseWindow(ctx context.Context, id string, closedAt time.Time, endBalance, feeDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CloseWindow"); err != nil {
		return err
	}
	w, ok := s.st.windows[id]
	if !ok {
		return contest.ErrNotFound
	}
	w.ClosedAt = &closedAt
	w.EndBalance = &endBalance
	w.FeeDelta = feeDelta
	s.st.windows[id] = w
	return nil
}

func (s *Store) LastClosedEndBalance(ctx context.Context, before string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *contest.Window
	for _, w := range s.st.windows {
		if w.ID == before || w.ClosedAt == nil || w.EndBalance == nil {
			continue
		}
		if best == nil || w.ClosedAt.After(*best.ClosedAt) {
			best = &w
		}
	}
	if best == nil {
		return 0, false, nil
	}
	return *best.EndBalance, true, nil
}

func (s *Store) LifetimeFees(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, w := range s.st.windows {
		if w.ClosedAt != nil {
			total += w.FeeDelta
		}
	}
	return total, nil
}

func (s *Store) RecordTreasurySnapshot(ctx context.Context, snap contest.TreasurySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.snapshots = append(s.st.snapshots, snap)
	return nil
}

// Snapshots returns recorded treasury snapshots in insertion order.
func (s *Store) Snapshots() []contest.TreasurySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.snapshots)
}

func (s *Store) ReplaceWindowScores(ctx context.Context, windowID string, rows []contest.ScoreRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ReplaceWindowScores"); err != nil {
		return err
	}
	s.st.scores[windowID] = slices.Clone(rows)
	return nil
}

func (s *Store) WindowScores(ctx context.Context, windowID string) ([]contest.ScoreRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.scores[windowID]), nil
}

func (s *Store) ReplacePlan(ctx context.Context, scope string, entries []contest.PlanEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ReplacePlan"); err != nil {
		return err
	}
	s.st.plans[scope] = slices.Clone(entries)
	return nil
}

func (s *Store) Plan(ctx context.Context, scope string) ([]contest.PlanEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Plan"); err != nil {
		return nil, err
	}
	out := slices.Clone(s.st.plans[scope])
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

func (s *Store) AttemptedWallets(ctx context.Context, scope string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("AttemptedWallets"); err != nil {
		return nil, err
	}
	out := map[string]struct{}{}
	for _, t := range s.st.transactions {
		if t.Scope == scope {
			out[t.Wallet] = struct{}{}
		}
	}
	return out, nil
}

func (s *Store) RecordTransaction(ctx context.Context, t contest.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("RecordTransaction"); err != nil {
		return err
	}
	for _, existing := range s.st.transactions {
		if existing.Scope == t.Scope && existing.Wallet == t.Wallet {
			return nil
		}
	}
	s.st.transactions = append(s.st.transactions, t)
	return nil
}

func (s *Store) Transactions(ctx context.Context, scope string) ([]contest.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []contest.Transaction
	for _, t := range s.st.transactions {
		if t.Scope == scope {
			out = append(out, t)
		}
	}
	return out, nil
}

var _ contest.Exporter = (*Store)(nil)

func (s *Store) ExportPosts(ctx context.Context, f contest.PostFilter) ([]contest.PostRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := contest.NormalizeHandle(f.Handle)
	posts := s.sortedPosts(func(p contest.Post) bool {
		if !f.Since.IsZero() && p.CreatedAt.Before(f.Since) {
			return false
		}
		if !f.Until.IsZero() && !p.CreatedAt.Before(f.Until) {
			return false
		}
		return handle == "" || contest.NormalizeHandle(p.Handle) == handle
	})
	if f.Limit > 0 && len(posts) > f.Limit {
		posts = posts[:f.Limit]
	}
	out := make([]contest.PostRecord, 0, len(posts))
	for _, p := range posts {
		rec := contest.PostRecord{Post: p}
		if score, ok := s.st.postScores[p.ID]; ok {
			rec.Score = &score
		}
		if reg, ok := s.st.registrations.Lookup(p.Handle); ok {
			rec.Wallet = reg.Wallet
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) AllPlans(ctx context.Context) ([]contest.PlanEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []contest.PlanEntry
	for _, entries := range s.st.plans {
		out = append(out, entries...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Rank < out[j].Rank
	})
	return out, nil
}

func (s *Store) AllTransactions(ctx context.Context) ([]contest.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.st.transactions)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out, nil
}
