package handlers

import (
	"context"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shaalot/apiserver/config"
	"github.com/shaalot/apiserver/internal/logging"
	"github.com/shaalot/apiserver/internal/metrics"
	"github.com/shaalot/apiserver/internal/services"
	"github.com/shaalot/apiserver/internal/store"
	"github.com/shaalot/apiserver/types"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

// memStore backs every repository interface with maps under one mutex.
type memStore struct {
	mu            sync.Mutex
	profiles      map[string]types.UserProfile
	grants        map[string]types.RoleGrant
	actions       []types.AdminActionLog
	notifications map[string]types.SystemNotification
}

func newMemStore() *memStore {
	return &memStore{
		profiles:      map[string]types.UserProfile{},
		grants:        map[string]types.RoleGrant{},
		notifications: map[string]types.SystemNotification{},
	}
}

type profileRepo struct{ s *memStore }

func (r profileRepo) Get(_ context.Context, uid string) (types.UserProfile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.profiles[uid]
	if !ok {
		return types.UserProfile{}, store.ErrNotFound
	}
	return p, nil
}

func (r profileRepo) GetByEmail(_ context.Context, email string) (types.UserProfile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.profiles {
		if strings.EqualFold(p.Email, email) {
			return p, nil
		}
	}
	return types.UserProfile{}, store.ErrNotFound
}

func (r profileRepo) Reconcile(_ context.Context, uid, email string, merge func(*types.UserProfile, *types.RoleGrant) types.UserProfile) (types.UserProfile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var existing *types.UserProfile
	if p, ok := r.s.profiles[uid]; ok {
		existing = &p
	}
	var grant *types.RoleGrant
	if g, ok := r.s.grants[strings.ToLower(email)]; ok {
		grant = &g
		delete(r.s.grants, strings.ToLower(email))
	}
	p := merge(existing, grant)
	r.s.profiles[uid] = p
	return p, nil
}

func (r profileRepo) Mutate(_ context.Context, uid string, fn func(*types.UserProfile) error) (types.UserProfile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.profiles[uid]
	if !ok {
		return types.UserProfile{}, store.ErrNotFound
	}
	if err := fn(&p); err != nil {
		return types.UserProfile{}, err
	}
	r.s.profiles[uid] = p
	return p, nil
}

func (r profileRepo) PutGrant(_ context.Context, grant types.RoleGrant) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.grants[strings.ToLower(grant.Email)] = grant
	return nil
}

type actionRepo struct{ s *memStore }

// InTx buffers writes and applies them only when fn succeeds.
func (r actionRepo) InTx(ctx context.Context, fn func(store.ActionWriter) error) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w := &bufferedWriter{s: r.s}
	if err := fn(w); err != nil {
		return err
	}
	for _, p := range w.profiles {
		r.s.profiles[p.UID] = p
	}
	r.s.actions = append(r.s.actions, w.actions...)
	for _, n := range w.notifications {
		r.s.notifications[n.ID] = n
	}
	return nil
}

func (r actionRepo) Query(_ context.Context, filter types.ActionLogFilter, limit int) (store.ActionIterator, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []types.AdminActionLog
	for _, a := range r.s.actions {
		if filter.ActionType != nil && a.ActionType != *filter.ActionType {
			continue
		}
		if filter.TargetUID != nil && a.TargetUID != *filter.TargetUID {
			continue
		}
		if filter.After != nil && !(a.Timestamp.Before(filter.After.Timestamp) ||
			(a.Timestamp.Equal(filter.After.Timestamp) && a.ID < filter.After.ID)) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return &sliceRows{items: out, pos: -1}, nil
}

func (r actionRepo) Get(_ context.Context, id string) (types.AdminActionLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.actions {
		if a.ID == id {
			return a, nil
		}
	}
	return types.AdminActionLog{}, store.ErrNotFound
}

type bufferedWriter struct {
	s             *memStore
	profiles      []types.UserProfile
	actions       []types.AdminActionLog
	notifications []types.SystemNotification
}

func (w *bufferedWriter) LockProfile(_ context.Context, uid string) (types.UserProfile, error) {
	p, ok := w.s.profiles[uid]
	if !ok {
		return types.UserProfile{}, store.ErrNotFound
	}
	return p, nil
}

func (w *bufferedWriter) SaveProfile(_ context.Context, p types.UserProfile) error {
	w.profiles = append(w.profiles, p)
	return nil
}

func (w *bufferedWriter) InsertAction(_ context.Context, a types.AdminActionLog) error {
	w.actions = append(w.actions, a)
	return nil
}

func (w *bufferedWriter) InsertNotification(_ context.Context, n types.SystemNotification) error {
	w.notifications = append(w.notifications, n)
	return nil
}

type sliceRows struct {
	items []types.AdminActionLog
	pos   int
}

func (s *sliceRows) Next() bool {
	s.pos++
	return s.pos < len(s.items)
}

func (s *sliceRows) Action() (types.AdminActionLog, error) { return s.items[s.pos], nil }
func (s *sliceRows) Err() error                            { return nil }
func (s *sliceRows) Close() error                          { return nil }

type notificationRepo struct{ s *memStore }

func (r notificationRepo) Create(_ context.Context, n types.SystemNotification) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.notifications[n.ID] = n
	return nil
}

func (r notificationRepo) Get(_ context.Context, id string) (types.SystemNotification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n, ok := r.s.notifications[id]
	if !ok {
		return types.SystemNotification{}, store.ErrNotFound
	}
	return n, nil
}

func (r notificationRepo) MarkRead(_ context.Context, id, uid string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n, ok := r.s.notifications[id]
	if !ok || n.RecipientUID != uid {
		return store.ErrNotFound
	}
	n.Read = true
	r.s.notifications[id] = n
	return nil
}

func (r notificationRepo) ListByRecipient(_ context.Context, uid string, unreadOnly bool, limit int) ([]types.SystemNotification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []types.SystemNotification
	for _, n := range r.s.notifications {
		if n.RecipientUID == uid && (!unreadOnly || !n.Read) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r notificationRepo) CountUnread(ctx context.Context, uid string) (int, error) {
	list, err := r.ListByRecipient(ctx, uid, true, 1<<30)
	return len(list), err
}

type stampCalendar struct{}

func (stampCalendar) Stamp(t time.Time) (string, string) {
	return "hebrew", t.Format("02/01/2006")
}

// testAPI mounts every router over one memStore.
type testAPI struct {
	store  *memStore
	levels *services.LevelResolver
	router *chi.Mux
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	progression, err := config.DefaultProgression()
	require.NoError(t, err)
	levels, err := services.NewLevelResolver(progression.Levels)
	require.NoError(t, err)

	s := newMemStore()
	opts := services.Options{Logger: logging.Discard(), Metrics: metrics.New()}
	profiles := services.NewProfileService(profileRepo{s}, levels, progression.Activity, opts)
	notifications := services.NewNotificationService(notificationRepo{s}, profileRepo{s}, stampCalendar{}, nil, "", opts)
	audit := services.NewAuditService(actionRepo{s}, levels, progression.Permissions, progression.FlowerPoints, stampCalendar{}, notifications, opts)
	queries := services.NewAuditQueryService(actionRepo{s}, nil, 2, 10, opts)

	auth := RequireAuth(testSecret)
	router := chi.NewRouter()
	router.Get("/healthz", Healthz(nil))
	router.Route("/levels", func(r chi.Router) { LevelRouter(r, levels) })
	router.Route("/profiles", func(r chi.Router) { ProfileRouter(r, profiles, levels, auth) })
	router.Route("/admin", func(r chi.Router) { AdminRouter(r, audit, queries, profiles, auth) })
	router.Route("/notifications", func(r chi.Router) { NotificationRouter(r, notifications, auth) })

	return &testAPI{store: s, levels: levels, router: router}
}

func (a *testAPI) seed(uid string, role types.Role) {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	a.store.profiles[uid] = types.UserProfile{
		UID:         uid,
		Email:       uid + "@example.com",
		DisplayName: uid,
		Role:        role,
		Level:       a.levels.Lowest(),
		CreatedAt:   time.Now().UTC(),
	}
}

func (a *testAPI) do(t *testing.T, method, target, uid, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if uid != "" {
		token, err := IssueToken(types.Identity{UID: uid, Email: uid + "@example.com", DisplayName: uid}, testSecret, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}
