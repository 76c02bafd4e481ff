package app

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"libraryhub/internal/keylock"
	"libraryhub/pkg/domain"
	"libraryhub/pkg/store"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
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

type testEnv struct {
	app    *App
	store  store.Store
	clock  *testClock
	locker *keylock.MemoryLocker
}

func newMemoryStore(*testing.T) store.Store {
	return store.NewMemoryStore()
}

func newSQLiteStore(t *testing.T) store.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "library.db") + "?_busy_timeout=5000&_foreign_keys=1"
	s, err := store.NewGormStoreWithDialector(sqlite.Open(dsn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestEnv(t *testing.T, s store.Store) *testEnv {
	t.Helper()
	clock := &testClock{now: testNow}
	locker := keylock.NewMemoryLocker()
	a, err := New(Config{Store: s, Locker: locker, LockTimeout: time.Second, Now: clock.Now})
	require.NoError(t, err)
	return &testEnv{app: a, store: s, clock: clock, locker: locker}
}

// forEachStore runs fn against the in-memory store and the SQLite-backed GORM store.
func forEachStore(t *testing.T, fn func(t *testing.T, env *testEnv)) {
	factories := []struct {
		name string
		new  func(*testing.T) store.Store
	}{
		{"memory", newMemoryStore},
		{"sqlite", newSQLiteStore},
	}
	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			fn(t, newTestEnv(t, f.new(t)))
		})
	}
}

func (e *testEnv) seedAuthor(t *testing.T, id, name string) domain.Author {
	t.Helper()
	a := domain.Author{ID: id, Name: name, Slug: domain.Slugify(name), CreatedAt: testNow}
	require.NoError(t, e.store.SaveAuthor(a))
	return a
}

func (e *testEnv) seedBook(t *testing.T, id string, authorIDs ...string) domain.Book {
	t.Helper()
	b := domain.Book{
		ID:            id,
		Title:         "Title " + id,
		ISBN:          "isbn-" + id,
		AuthorIDs:     authorIDs,
		Publisher:     "Ace",
		PublishedYear: 1969,
		PageCount:     300,
		CreatedAt:     testNow,
		UpdatedAt:     testNow,
	}
	require.NoError(t, e.store.SaveBook(b))
	return b
}

func (e *testEnv) seedMember(t *testing.T, id string) domain.Member {
	t.Helper()
	m := domain.Member{
		ID:              id,
		FirstName:       "Test",
		LastName:        "Member",
		Email:           id + "@example.com",
		PasswordHash:    "hash",
		BorrowedBookIDs: []string{},
		CreatedAt:       testNow,
	}
	require.NoError(t, e.store.SaveMember(m))
	return m
}

func (e *testEnv) book(t *testing.T, id string) domain.Book {
	t.Helper()
	b, ok, err := e.store.GetBook(id)
	require.NoError(t, err)
	require.True(t, ok, "book %s missing", id)
	return b
}

func (e *testEnv) member(t *testing.T, id string) domain.Member {
	t.Helper()
	m, ok, err := e.store.GetMember(id)
	require.NoError(t, err)
	require.True(t, ok, "member %s missing", id)
	return m
}

// requireLoanInvariant checks bookId ∈ member.borrowedBookIds ⟺ book.borrowerId == member.id,
// the lending triple, and the borrow limit across the whole store.
func (e *testEnv) requireLoanInvariant(t *testing.T) {
	t.Helper()
	books, err := e.store.ListBooks()
	require.NoError(t, err)
	members, err := e.store.ListMembers()
	require.NoError(t, err)

	holder := make(map[string]string)
	for _, m := range members {
		require.LessOrEqual(t, len(m.BorrowedBookIDs), domain.MaxBorrowed, "member %s over limit", m.ID)
		for _, id := range m.BorrowedBookIDs {
			_, dup := holder[id]
			require.False(t, dup, "book %s held by two members", id)
			holder[id] = m.ID
		}
	}
	for _, b := range books {
		require.True(t, b.LendingConsistent(), "book %s lending triple inconsistent", b.ID)
		if b.BorrowerID == nil {
			_, held := holder[b.ID]
			require.False(t, held, "available book %s listed by a member", b.ID)
			continue
		}
		require.Equal(t, *b.BorrowerID, holder[b.ID], "book %s borrower mismatch", b.ID)
		require.True(t, b.BorrowDate.Add(domain.LoanPeriod).Equal(*b.DueDate), "book %s due date", b.ID)
		delete(holder, b.ID)
	}
	require.Empty(t, holder, "members reference books that do not point back")
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
