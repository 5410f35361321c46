package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shaalot/apiserver/config"
	"github.com/shaalot/apiserver/internal/logging"
	"github.com/shaalot/apiserver/internal/metrics"
	"github.com/shaalot/apiserver/internal/storage"
	"github.com/shaalot/apiserver/internal/store"
	"github.com/shaalot/apiserver/types"
	"github.com/stretchr/testify/require"
)

// memDB is an in-memory stand-in for Postgres. A single mutex serializes
// transactions, which is stricter than row locks but has the same outcome
// for the properties under test.
type memDB struct {
	mu            sync.Mutex
	profiles      map[string]types.UserProfile
	grants        map[string]types.RoleGrant
	actions       []types.AdminActionLog
	notifications map[string]types.SystemNotification

	// failures are returned, in order, by the next transactional calls.
	failures []error

	// beforeCreate runs once, under the lock, when Reconcile finds no
	// profile. It stands in for a transaction that creates the same uid and
	// commits first.
	beforeCreate func(db *memDB)
}

func newMemDB() *memDB {
	return &memDB{
		profiles:      map[string]types.UserProfile{},
		grants:        map[string]types.RoleGrant{},
		notifications: map[string]types.SystemNotification{},
	}
}

func (db *memDB) put(profile types.UserProfile) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.profiles[profile.UID] = profile
}

func (db *memDB) profile(uid string) (types.UserProfile, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	p, ok := db.profiles[uid]
	return p, ok
}

func (db *memDB) failNext(errs ...error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.failures = append(db.failures, errs...)
}

func (db *memDB) popFailure() error {
	if len(db.failures) == 0 {
		return nil
	}
	err := db.failures[0]
	db.failures = db.failures[1:]
	return err
}

func (db *memDB) actionCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.actions)
}

func (db *memDB) notificationsFor(uid string) []types.SystemNotification {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []types.SystemNotification
	for _, n := range db.notifications {
		if n.RecipientUID == uid {
			out = append(out, n)
		}
	}
	return out
}

type snapshot struct {
	profiles      map[string]types.UserProfile
	grants        map[string]types.RoleGrant
	actions       []types.AdminActionLog
	notifications map[string]types.SystemNotification
}

func (db *memDB) snapshot() snapshot {
	s := snapshot{
		profiles:      make(map[string]types.UserProfile, len(db.profiles)),
		grants:        make(map[string]types.RoleGrant, len(db.grants)),
		actions:       append([]types.AdminActionLog(nil), db.actions...),
		notifications: make(map[string]types.SystemNotification, len(db.notifications)),
	}
	for k, v := range db.profiles {
		s.profiles[k] = v
	}
	for k, v := range db.grants {
		s.grants[k] = v
	}
	for k, v := range db.notifications {
		s.notifications[k] = v
	}
	return s
}

func (db *memDB) restore(s snapshot) {
	db.profiles = s.profiles
	db.grants = s.grants
	db.actions = s.actions
	db.notifications = s.notifications
}

// tx runs fn atomically: on error every change is rolled back.
func (db *memDB) tx(ctx context.Context, fn func() error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if err := db.popFailure(); err != nil {
		return err
	}
	before := db.snapshot()
	if err := fn(); err != nil {
		db.restore(before)
		return err
	}
	return nil
}

type memProfileRepo struct{ db *memDB }

func (r memProfileRepo) Get(_ context.Context, uid string) (types.UserProfile, error) {
	if p, ok := r.db.profile(uid); ok {
		return p, nil
	}
	return types.UserProfile{}, store.ErrNotFound
}

func (r memProfileRepo) GetByEmail(_ context.Context, email string) (types.UserProfile, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, p := range r.db.profiles {
		if strings.EqualFold(p.Email, strings.TrimSpace(email)) {
			return p, nil
		}
	}
	return types.UserProfile{}, store.ErrNotFound
}

func (r memProfileRepo) Reconcile(ctx context.Context, uid, email string, merge func(*types.UserProfile, *types.RoleGrant) types.UserProfile) (types.UserProfile, error) {
	// When beforeCreate is set and the profile is absent, the racing writer
	// commits first while this call keeps the view it read before that commit.
	r.db.mu.Lock()
	_, present := r.db.profiles[uid]
	raced := false
	if hook := r.db.beforeCreate; hook != nil && !present {
		r.db.beforeCreate = nil
		hook(r.db)
		raced = true
	}
	r.db.mu.Unlock()

	var result types.UserProfile
	err := r.db.tx(ctx, func() error {
		var existing *types.UserProfile
		if p, ok := r.db.profiles[uid]; ok && !raced {
			existing = &p
		}
		var grant *types.RoleGrant
		if g, ok := r.db.grants[strings.ToLower(email)]; ok && email != "" {
			grant = &g
		}
		result = merge(existing, grant)
		if existing == nil {
			if _, taken := r.db.profiles[uid]; taken {
				return fmt.Errorf("%w: profile %s created concurrently", store.ErrConflict, uid)
			}
		}
		r.db.profiles[uid] = result
		if grant != nil {
			delete(r.db.grants, strings.ToLower(email))
		}
		return nil
	})
	return result, err
}

func (r memProfileRepo) Mutate(ctx context.Context, uid string, fn func(*types.UserProfile) error) (types.UserProfile, error) {
	var result types.UserProfile
	err := r.db.tx(ctx, func() error {
		p, ok := r.db.profiles[uid]
		if !ok {
			return store.ErrNotFound
		}
		if err := fn(&p); err != nil {
			return err
		}
		p.UID = uid
		r.db.profiles[uid] = p
		result = p
		return nil
	})
	return result, err
}

func (r memProfileRepo) PutGrant(ctx context.Context, grant types.RoleGrant) error {
	return r.db.tx(ctx, func() error {
		if grant.CreatedAt.IsZero() {
			return fmt.Errorf("grant created_at is required")
		}
		grant.Email = strings.ToLower(grant.Email)
		r.db.grants[grant.Email] = grant
		return nil
	})
}

type memActionRepo struct{ db *memDB }

func (r memActionRepo) InTx(ctx context.Context, fn func(store.ActionWriter) error) error {
	return r.db.tx(ctx, func() error {
		return fn(memWriter{db: r.db})
	})
}

func (r memActionRepo) Query(ctx context.Context, filter types.ActionLogFilter, limit int) (store.ActionIterator, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.popFailure(); err != nil {
		return nil, err
	}

	var matched []types.AdminActionLog
	for _, a := range r.db.actions {
		if filter.ActionType != nil && a.ActionType != *filter.ActionType {
			continue
		}
		if filter.AdminUID != nil && a.AdminUID != *filter.AdminUID {
			continue
		}
		if filter.TargetUID != nil && a.TargetUID != *filter.TargetUID {
			continue
		}
		if filter.StartDate != nil && a.Timestamp.Before(*filter.StartDate) {
			continue
		}
		if filter.EndDate != nil && a.Timestamp.After(*filter.EndDate) {
			continue
		}
		if filter.After != nil && !olderThan(a, *filter.After) {
			continue
		}
		matched = append(matched, a)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID > matched[j].ID
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return &sliceIterator{items: matched, pos: -1}, nil
}

func olderThan(a types.AdminActionLog, c types.ActionCursor) bool {
	if a.Timestamp.Equal(c.Timestamp) {
		return a.ID < c.ID
	}
	return a.Timestamp.Before(c.Timestamp)
}

func (r memActionRepo) Get(_ context.Context, id string) (types.AdminActionLog, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, a := range r.db.actions {
		if a.ID == id {
			return a, nil
		}
	}
	return types.AdminActionLog{}, store.ErrNotFound
}

// memWriter is used while memDB.mu is held.
type memWriter struct {
	db *memDB
}

func (w memWriter) LockProfile(_ context.Context, uid string) (types.UserProfile, error) {
	p, ok := w.db.profiles[uid]
	if !ok {
		return types.UserProfile{}, store.ErrNotFound
	}
	return p, nil
}

func (w memWriter) SaveProfile(_ context.Context, profile types.UserProfile) error {
	w.db.profiles[profile.UID] = profile
	return nil
}

func (w memWriter) InsertAction(_ context.Context, action types.AdminActionLog) error {
	w.db.actions = append(w.db.actions, action)
	return nil
}

func (w memWriter) InsertNotification(_ context.Context, n types.SystemNotification) error {
	w.db.notifications[n.ID] = n
	return nil
}

type sliceIterator struct {
	items  []types.AdminActionLog
	pos    int
	closed bool
}

func (it *sliceIterator) Next() bool {
	if it.closed {
		return false
	}
	it.pos++
	return it.pos < len(it.items)
}

func (it *sliceIterator) Action() (types.AdminActionLog, error) {
	return it.items[it.pos], nil
}

func (it *sliceIterator) Err() error { return nil }

func (it *sliceIterator) Close() error {
	it.closed = true
	return nil
}

type memNotificationRepo struct{ db *memDB }

func (r memNotificationRepo) Create(ctx context.Context, n types.SystemNotification) error {
	return r.db.tx(ctx, func() error {
		r.db.notifications[n.ID] = n
		return nil
	})
}

func (r memNotificationRepo) Get(_ context.Context, id string) (types.SystemNotification, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	n, ok := r.db.notifications[id]
	if !ok {
		return types.SystemNotification{}, store.ErrNotFound
	}
	return n, nil
}

func (r memNotificationRepo) MarkRead(ctx context.Context, id, recipientUID string) error {
	return r.db.tx(ctx, func() error {
		n, ok := r.db.notifications[id]
		if !ok || n.RecipientUID != recipientUID {
			return store.ErrNotFound
		}
		n.Read = true
		r.db.notifications[id] = n
		return nil
	})
}

func (r memNotificationRepo) ListByRecipient(_ context.Context, uid string, unreadOnly bool, limit int) ([]types.SystemNotification, error) {
	list := r.db.notificationsFor(uid)
	out := make([]types.SystemNotification, 0, len(list))
	for _, n := range list {
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memNotificationRepo) CountUnread(_ context.Context, uid string) (int, error) {
	count := 0
	for _, n := range r.db.notificationsFor(uid) {
		if !n.Read {
			count++
		}
	}
	return count, nil
}

type published struct {
	channel string
	data    []byte
	attrs   map[string]string
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, published{channel: channel, data: data, attrs: attrs})
	return fmt.Sprintf("msg-%d", len(p.messages)), nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

type memObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: map[string][]byte{}}
}

func (m *memObjectStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memObjectStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memObjectStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memObjectStore) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.ObjectInfo
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key > out[j].Key })
	return out, nil
}

func (m *memObjectStore) Bucket() string { return "test-bucket" }

type fixedCalendar struct{}

func (fixedCalendar) Stamp(t time.Time) (string, string) {
	return "hebrew:" + t.Format("2006-01-02"), t.Format("02/01/2006")
}

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, time.October, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness wires every service over one memDB.
type harness struct {
	db        *memDB
	clock     *testClock
	publisher *fakePublisher
	objects   *memObjectStore
	metrics   *metrics.Metrics

	levels        *LevelResolver
	profiles      *ProfileService
	notifications *NotificationService
	audit         *AuditService
	queries       *AuditQueryService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	progression, err := config.DefaultProgression()
	require.NoError(t, err)
	levels, err := NewLevelResolver(progression.Levels)
	require.NoError(t, err)

	h := &harness{
		db:        newMemDB(),
		clock:     newTestClock(),
		publisher: &fakePublisher{},
		objects:   newMemObjectStore(),
		metrics:   metrics.New(),
		levels:    levels,
	}
	opts := Options{
		OpTimeout:     time.Second,
		RetryAttempts: 3,
		Now:           h.clock.Now,
		Logger:        logging.Discard(),
		Metrics:       h.metrics,
	}

	profileRepo := memProfileRepo{db: h.db}
	actionRepo := memActionRepo{db: h.db}

	h.profiles = NewProfileService(profileRepo, levels, progression.Activity, opts)
	h.notifications = NewNotificationService(memNotificationRepo{db: h.db}, profileRepo, fixedCalendar{}, h.publisher, "notifications", opts)
	h.audit = NewAuditService(actionRepo, levels, progression.Permissions, progression.FlowerPoints, fixedCalendar{}, h.notifications, opts)
	h.queries = NewAuditQueryService(actionRepo, h.objects, 50, 500, opts)
	return h
}

// seed stores a complete profile with the given role.
func (h *harness) seed(uid string, role types.Role) types.UserProfile {
	p := types.UserProfile{
		UID:         uid,
		Email:       uid + "@example.com",
		DisplayName: strings.ToUpper(uid[:1]) + uid[1:],
		Role:        role,
		Level:       h.levels.Lowest(),
		CreatedAt:   h.clock.Now(),
		LastActive:  h.clock.Now(),
	}
	h.db.put(p)
	return p
}
