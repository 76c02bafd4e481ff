package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libraryhub/pkg/domain"
)

var errDenied = errors.New("denied")

func seedCatalog(t *testing.T, s Store) (domain.Author, domain.Book, domain.Member) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	author := domain.Author{ID: "author-1", Name: "Ursula K. Le Guin", Slug: "ursula-k-le-guin", CreatedAt: now}
	require.NoError(t, s.SaveAuthor(author))
	book := domain.Book{
		ID:            "book-1",
		Title:         "The Dispossessed",
		ISBN:          "978-0061054884",
		AuthorIDs:     []string{author.ID},
		Publisher:     "Harper",
		PublishedYear: 1974,
		Genres:        []string{"sf"},
		PageCount:     387,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, s.SaveBook(book))
	member := domain.Member{ID: "member-1", FirstName: "Ann", LastName: "Reader", Email: "ann@example.com", PasswordHash: "x", CreatedAt: now}
	require.NoError(t, s.SaveMember(member))
	return author, book, member
}

func lend(memberID string) LoanFunc {
	return func(b *domain.Book, m *domain.Member) error {
		if b == nil || m == nil {
			return errDenied
		}
		b.Lend(memberID, time.Now())
		m.AddBorrowed(b.ID)
		return nil
	}
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("ReadYourWrites", func(t *testing.T) {
		s := newStore(t)
		author, book, member := seedCatalog(t, s)

		got, ok, err := s.GetBook(book.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, book.Title, got.Title)
		assert.Equal(t, []string{author.ID}, got.AuthorIDs)
		assert.False(t, got.IsBorrowed())

		gotMember, ok, err := s.GetMemberByEmail(member.Email)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, member.ID, gotMember.ID)
		assert.Empty(t, gotMember.BorrowedBookIDs)

		gotAuthor, ok, err := s.GetAuthorBySlug(author.Slug)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []string{book.ID}, gotAuthor.BooksWritten)

		_, ok, err = s.GetBook("missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("UpdateLoanCommitsBothRecords", func(t *testing.T) {
		s := newStore(t)
		_, book, member := seedCatalog(t, s)

		b, m, err := s.UpdateLoan(book.ID, member.ID, lend(member.ID))
		require.NoError(t, err)
		assert.True(t, b.BorrowedBy(member.ID))
		assert.Equal(t, []string{book.ID}, m.BorrowedBookIDs)

		stored, _, err := s.GetBook(book.ID)
		require.NoError(t, err)
		assert.True(t, stored.BorrowedBy(member.ID))
		assert.True(t, stored.LendingConsistent())
		storedMember, _, err := s.GetMember(member.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{book.ID}, storedMember.BorrowedBookIDs)
	})

	t.Run("UpdateLoanAbortWritesNothing", func(t *testing.T) {
		s := newStore(t)
		_, book, member := seedCatalog(t, s)

		_, _, err := s.UpdateLoan(book.ID, member.ID, func(b *domain.Book, m *domain.Member) error {
			b.Lend(member.ID, time.Now())
			m.AddBorrowed(b.ID)
			return errDenied
		})
		require.ErrorIs(t, err, errDenied)

		stored, _, err := s.GetBook(book.ID)
		require.NoError(t, err)
		assert.False(t, stored.IsBorrowed())
		storedMember, _, err := s.GetMember(member.ID)
		require.NoError(t, err)
		assert.Empty(t, storedMember.BorrowedBookIDs)
	})

	t.Run("UpdateLoanPassesMissingRecordsAsNil", func(t *testing.T) {
		s := newStore(t)
		_, book, _ := seedCatalog(t, s)
		var sawBook, sawMember bool
		_, _, err := s.UpdateLoan(book.ID, "ghost", func(b *domain.Book, m *domain.Member) error {
			sawBook, sawMember = b != nil, m != nil
			return errDenied
		})
		require.ErrorIs(t, err, errDenied)
		assert.True(t, sawBook)
		assert.False(t, sawMember)
	})

	t.Run("SavesDoNotTouchLendingState", func(t *testing.T) {
		s := newStore(t)
		_, book, member := seedCatalog(t, s)
		_, _, err := s.UpdateLoan(book.ID, member.ID, lend(member.ID))
		require.NoError(t, err)

		book.Title = "The Dispossessed (reissue)"
		book.ClearLending()
		require.NoError(t, s.SaveBook(book))
		member.LastName = "Renamed"
		member.BorrowedBookIDs = nil
		require.NoError(t, s.SaveMember(member))

		stored, _, err := s.GetBook(book.ID)
		require.NoError(t, err)
		assert.Equal(t, "The Dispossessed (reissue)", stored.Title)
		assert.True(t, stored.BorrowedBy(member.ID), "lending state must survive SaveBook")
		storedMember, _, err := s.GetMember(member.ID)
		require.NoError(t, err)
		assert.Equal(t, "Renamed", storedMember.LastName)
		assert.Equal(t, []string{book.ID}, storedMember.BorrowedBookIDs, "borrowed set must survive SaveMember")
	})

	t.Run("UpdateFeaturedSeesLiveCount", func(t *testing.T) {
		s := newStore(t)
		for i := 1; i <= 4; i++ {
			require.NoError(t, s.SaveAuthor(domain.Author{
				ID:        fmt.Sprintf("a%d", i),
				Name:      fmt.Sprintf("Author %d", i),
				Slug:      fmt.Sprintf("author-%d", i),
				CreatedAt: time.Now().UTC(),
			}))
		}
		counts := make([]int, 0, 4)
		for i := 1; i <= 4; i++ {
			_, err := s.UpdateFeatured(fmt.Sprintf("a%d", i), func(a *domain.Author, n int) error {
				counts = append(counts, n)
				a.Featured = true
				return nil
			})
			require.NoError(t, err)
		}
		assert.Equal(t, []int{0, 1, 2, 3}, counts)

		featured, err := s.ListFeaturedAuthors()
		require.NoError(t, err)
		assert.Len(t, featured, 4)

		// SaveAuthor leaves the flag alone.
		require.NoError(t, s.SaveAuthor(domain.Author{ID: "a1", Name: "Author One", Slug: "author-one", CreatedAt: time.Now().UTC()}))
		a1, ok, err := s.GetAuthor("a1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, a1.Featured)
		assert.Equal(t, "author-one", a1.Slug)
	})

	t.Run("GetAuthorsKeepsRequestedOrder", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveAuthor(domain.Author{ID: "x", Name: "Xavier", Slug: "xavier"}))
		require.NoError(t, s.SaveAuthor(domain.Author{ID: "y", Name: "Yara", Slug: "yara"}))
		authors, err := s.GetAuthors([]string{"y", "missing", "x"})
		require.NoError(t, err)
		require.Len(t, authors, 2)
		assert.Equal(t, "y", authors[0].ID)
		assert.Equal(t, "x", authors[1].ID)
	})

	t.Run("DeleteBookDropsBackReference", func(t *testing.T) {
		s := newStore(t)
		author, book, _ := seedCatalog(t, s)
		require.NoError(t, s.DeleteBook(book.ID))
		got, _, err := s.GetAuthor(author.ID)
		require.NoError(t, err)
		assert.Empty(t, got.BooksWritten)
		books, err := s.ListBooks()
		require.NoError(t, err)
		assert.Empty(t, books)
	})

	t.Run("ConcurrentLoanUpdatesStayConsistent", func(t *testing.T) {
		s := newStore(t)
		_, book, _ := seedCatalog(t, s)
		for i := 0; i < 4; i++ {
			require.NoError(t, s.SaveMember(domain.Member{
				ID:        fmt.Sprintf("racer-%d", i),
				FirstName: "Race",
				LastName:  "Runner",
				Email:     fmt.Sprintf("racer-%d@example.com", i),
				CreatedAt: time.Now().UTC(),
			}))
		}
		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(memberID string) {
				defer wg.Done()
				_, _, err := s.UpdateLoan(book.ID, memberID, func(b *domain.Book, m *domain.Member) error {
					if b.IsBorrowed() {
						return errDenied
					}
					b.Lend(memberID, time.Now())
					m.AddBorrowed(b.ID)
					return nil
				})
				if err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}(fmt.Sprintf("racer-%d", i))
		}
		wg.Wait()
		assert.Equal(t, 1, winners)

		stored, _, err := s.GetBook(book.ID)
		require.NoError(t, err)
		members, err := s.ListMembers()
		require.NoError(t, err)
		holders := 0
		for _, m := range members {
			if m.HasBorrowed(book.ID) {
				holders++
				assert.True(t, stored.BorrowedBy(m.ID))
			}
		}
		assert.Equal(t, 1, holders)
	})
	t.Run("UpdateLoanKeepsCallerUpdatedAt", func(t *testing.T) {
		s := newStore(t)
		_, book, member := seedCatalog(t, s)
		stamp := time.Date(2031, 3, 4, 5, 6, 7, 0, time.UTC)
		_, _, err := s.UpdateLoan(book.ID, member.ID, func(b *domain.Book, m *domain.Member) error {
			b.Lend(m.ID, stamp)
			b.UpdatedAt = stamp
			m.AddBorrowed(b.ID)
			return nil
		})
		require.NoError(t, err)

		stored, _, err := s.GetBook(book.ID)
		require.NoError(t, err)
		assert.True(t, stored.UpdatedAt.Equal(stamp), "updated_at = %s", stored.UpdatedAt)
	})

	t.Run("BooksWrittenFollowsCreationOrder", func(t *testing.T) {
		s := newStore(t)
		author, first, _ := seedCatalog(t, s)
		earlier := first.CreatedAt.Add(-time.Hour)
		older := domain.Book{
			ID:        "book-9",
			Title:     "Rocannon's World",
			AuthorIDs: []string{author.ID},
			CreatedAt: earlier,
			UpdatedAt: earlier,
		}
		require.NoError(t, s.SaveBook(older))
		newer := domain.Book{
			ID:        "book-0",
			Title:     "The Word for World Is Forest",
			AuthorIDs: []string{author.ID},
			CreatedAt: first.CreatedAt.Add(time.Hour),
			UpdatedAt: first.CreatedAt.Add(time.Hour),
		}
		require.NoError(t, s.SaveBook(newer))

		want := []string{older.ID, first.ID, newer.ID}
		got, _, err := s.GetAuthor(author.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got.BooksWritten)

		books, err := s.ListBooks()
		require.NoError(t, err)
		ids := make([]string, 0, len(books))
		for _, b := range books {
			ids = append(ids, b.ID)
		}
		assert.Equal(t, want, ids)
	})

	t.Run("DuplicateUniqueKeysReturnErrDuplicate", func(t *testing.T) {
		s := newStore(t)
		author, _, member := seedCatalog(t, s)

		err := s.SaveAuthor(domain.Author{ID: "author-2", Name: "Other", Slug: author.Slug, CreatedAt: author.CreatedAt})
		assert.ErrorIs(t, err, ErrDuplicate)

		err = s.SaveMember(domain.Member{ID: "member-2", FirstName: "Bo", LastName: "Reader", Email: member.Email, PasswordHash: "x", CreatedAt: member.CreatedAt})
		assert.ErrorIs(t, err, ErrDuplicate)

		_, ok, err := s.GetMember("member-2")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("DeleteMemberFreesEmail", func(t *testing.T) {
		s := newStore(t)
		_, _, member := seedCatalog(t, s)
		require.NoError(t, s.DeleteMember(member.ID))

		_, ok, err := s.GetMember(member.ID)
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = s.GetMemberByEmail(member.Email)
		require.NoError(t, err)
		assert.False(t, ok)

		reused := domain.Member{ID: "member-2", FirstName: "Bo", LastName: "Reader", Email: member.Email, PasswordHash: "x", CreatedAt: member.CreatedAt}
		require.NoError(t, s.SaveMember(reused))
		require.NoError(t, s.DeleteMember("missing"))
	})
}
