package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libraryhub/pkg/domain"
	"libraryhub/pkg/store"
)

func TestBorrowAvailableBook(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()
		env.seedAuthor(t, "a1", "Ursula K. Le Guin")
		env.seedBook(t, "b1", "a1")
		env.seedMember(t, "m1")

		loan, err := env.app.Borrow(ctx, "m1", "b1")
		require.NoError(t, err)

		require.NotNil(t, loan.Book.BorrowerID)
		assert.Equal(t, "m1", *loan.Book.BorrowerID)
		assert.True(t, loan.Book.BorrowDate.Equal(testNow))
		assert.True(t, loan.Book.DueDate.Equal(testNow.Add(7*24*time.Hour)))
		require.Len(t, loan.Book.Authors, 1)
		assert.Equal(t, "Ursula K. Le Guin", loan.Book.Authors[0].Name)
		assert.Equal(t, []string{"b1"}, loan.Member.BorrowedBookIDs)
		assert.Empty(t, loan.Member.PasswordHash)

		assert.True(t, env.book(t, "b1").BorrowedBy("m1"))
		assert.Equal(t, []string{"b1"}, env.member(t, "m1").BorrowedBookIDs)
		env.requireLoanInvariant(t)
	})
}

func TestBorrowRejectsMemberAtLimit(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()
		env.seedAuthor(t, "a1", "Author One")
		for _, id := range []string{"b1", "b2", "b3", "b4"} {
			env.seedBook(t, id, "a1")
		}
		env.seedMember(t, "m1")
		for _, id := range []string{"b1", "b2", "b3"} {
			_, err := env.app.Borrow(ctx, "m1", id)
			require.NoError(t, err)
		}

		_, err := env.app.Borrow(ctx, "m1", "b4")
		require.ErrorIs(t, err, ErrBorrowLimit)
		require.ErrorIs(t, err, ErrLimitExceeded)

		assert.False(t, env.book(t, "b4").IsBorrowed())
		assert.Len(t, env.member(t, "m1").BorrowedBookIDs, 3)
		env.requireLoanInvariant(t)
	})
}

func TestBorrowRejectsBookHeldByAnotherMember(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()
		env.seedAuthor(t, "a1", "Author One")
		env.seedBook(t, "b1", "a1")
		env.seedMember(t, "m1")
		env.seedMember(t, "m2")
		_, err := env.app.Borrow(ctx, "m1", "b1")
		require.NoError(t, err)
		before := env.book(t, "b1")

		_, err = env.app.Borrow(ctx, "m2", "b1")
		require.ErrorIs(t, err, ErrBookUnavailable)
		require.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, "unavailable", err.Error())

		after := env.book(t, "b1")
		assert.Equal(t, *before.BorrowerID, *after.BorrowerID)
		assert.True(t, before.DueDate.Equal(*after.DueDate))
		assert.Empty(t, env.member(t, "m2").BorrowedBookIDs)
		env.requireLoanInvariant(t)
	})
}

func TestBorrowRejectsRepeatByHolder(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()
		env.seedAuthor(t, "a1", "Author One")
		env.seedBook(t, "b1", "a1")
		env.seedMember(t, "m1")
		_, err := env.app.Borrow(ctx, "m1", "b1")
		require.NoError(t, err)

		_, err = env.app.Borrow(ctx, "m1", "b1")
		require.ErrorIs(t, err, ErrAlreadyBorrowed)
		require.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, []string{"b1"}, env.member(t, "m1").BorrowedBookIDs)
	})
}

func TestBorrowPreconditionOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()
		env.seedAuthor(t, "a1", "Author One")
		for _, id := range []string{"b1", "b2", "b3", "b4"} {
			env.seedBook(t, id, "a1")
		}
		env.seedMember(t, "m1")
		env.seedMember(t, "m2")

		_, err := env.app.Borrow(ctx, "ghost", "missing")
		require.ErrorIs(t, err, ErrBookNotFound)

		_, err = env.app.Borrow(ctx, "ghost", "b1")
		require.ErrorIs(t, err, ErrMemberNotFound)
		require.ErrorIs(t, err, ErrNotFound)

		// m2 is at the limit and b4 is held by m1: unavailable wins over the limit.
		for _, id := range []string{"b1", "b2", "b3"} {
			_, err := env.app.Borrow(ctx, "m2", id)
			require.NoError(t, err)
		}
		_, err = env.app.Borrow(ctx, "m1", "b4")
		require.NoError(t, err)
		_, err = env.app.Borrow(ctx, "m2", "b4")
		require.ErrorIs(t, err, ErrBookUnavailable)
	})
}

func TestReturnRejectsNonBorrower(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()
		env.seedAuthor(t, "a1", "Author One")
		env.seedBook(t, "b1", "a1")
		env.seedBook(t, "b2", "a1")
		env.seedMember(t, "m1")
		env.seedMember(t, "m2")
		_, err := env.app.Borrow(ctx, "m1", "b1")
		require.NoError(t, err)

		_, err = env.app.Return(ctx, "m2", "b1")
		require.ErrorIs(t, err, ErrNotBorrower)
		require.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, "not your borrow", err.Error())
		assert.True(t, env.book(t, "b1").BorrowedBy("m1"))

		_, err = env.app.Return(ctx, "m1", "b2")
		require.ErrorIs(t, err, ErrNotBorrower, "available book")

		_, err = env.app.Return(ctx, "m1", "missing")
		require.ErrorIs(t, err, ErrBookNotFound)
		env.requireLoanInvariant(t)
	})
}

func TestBorrowReturnRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()
		env.seedAuthor(t, "a1", "Author One")
		env.seedBook(t, "b1", "a1")
		env.seedMember(t, "m1")

		_, err := env.app.Borrow(ctx, "m1", "b1")
		require.NoError(t, err)
		loan, err := env.app.Return(ctx, "m1", "b1")
		require.NoError(t, err)

		assert.Equal(t, domain.Lending{}, loan.Book.Lending)
		assert.Empty(t, loan.Member.BorrowedBookIDs)
		stored := env.book(t, "b1")
		assert.False(t, stored.IsBorrowed())
		assert.True(t, stored.LendingConsistent())
		assert.Empty(t, env.member(t, "m1").BorrowedBookIDs)

		// The book is available again.
		_, err = env.app.Borrow(ctx, "m1", "b1")
		require.NoError(t, err)
		env.requireLoanInvariant(t)
	})
}

func TestConcurrentBorrowOfSameBookHasOneWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()
		env.seedAuthor(t, "a1", "Author One")
		env.seedBook(t, "b1", "a1")
		env.seedMember(t, "m1")
		env.seedMember(t, "m2")

		for round := 0; round < 10; round++ {
			var wg sync.WaitGroup
			errs := make(map[string]error)
			var mu sync.Mutex
			for _, m := range []string{"m1", "m2"} {
				wg.Add(1)
				go func(memberID string) {
					defer wg.Done()
					_, err := env.app.Borrow(ctx, memberID, "b1")
					mu.Lock()
					errs[memberID] = err
					mu.Unlock()
				}(m)
			}
			wg.Wait()

			winners := 0
			var winner string
			for memberID, err := range errs {
				if err == nil {
					winners++
					winner = memberID
					continue
				}
				require.ErrorIs(t, err, ErrBookUnavailable)
			}
			require.Equal(t, 1, winners, "round %d", round)
			env.requireLoanInvariant(t)

			_, err := env.app.Return(ctx, winner, "b1")
			require.NoError(t, err)
		}
	})
}

func TestConcurrentBorrowsByOneMemberRespectLimit(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()
		env.seedAuthor(t, "a1", "Author One")
		books := []string{"b1", "b2", "b3", "b4", "b5", "b6"}
		for _, id := range books {
			env.seedBook(t, id, "a1")
		}
		env.seedMember(t, "m1")

		var wg sync.WaitGroup
		results := make(chan error, len(books))
		for _, id := range books {
			wg.Add(1)
			go func(bookID string) {
				defer wg.Done()
				_, err := env.app.Borrow(ctx, "m1", bookID)
				results <- err
			}(id)
		}
		wg.Wait()
		close(results)

		succeeded := 0
		for err := range results {
			if err == nil {
				succeeded++
				continue
			}
			require.ErrorIs(t, err, ErrBorrowLimit)
		}
		require.Equal(t, domain.MaxBorrowed, succeeded)
		require.Len(t, env.member(t, "m1").BorrowedBookIDs, domain.MaxBorrowed)
		env.requireLoanInvariant(t)
	})
}

func TestBorrowFailsUnavailableWhenLockIsHeld(t *testing.T) {
	s := store.NewMemoryStore()
	env := newTestEnv(t, s)
	env.app.lockTimeout = 30 * time.Millisecond
	env.seedAuthor(t, "a1", "Author One")
	env.seedBook(t, "b1", "a1")
	env.seedMember(t, "m1")

	unlock, err := env.locker.Lock(context.Background(), bookKey("b1"))
	require.NoError(t, err)
	defer unlock()

	_, err = env.app.Borrow(context.Background(), "m1", "b1")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, env.book(t, "b1").IsBorrowed())
}

type failingLoanStore struct {
	store.Store
	loanErr    error
	authorsErr error
}

func (s *failingLoanStore) UpdateLoan(bookID, memberID string, fn store.LoanFunc) (domain.Book, domain.Member, error) {
	if s.loanErr != nil {
		return domain.Book{}, domain.Member{}, s.loanErr
	}
	return s.Store.UpdateLoan(bookID, memberID, fn)
}

func (s *failingLoanStore) GetAuthors(ids []string) ([]domain.Author, error) {
	if s.authorsErr != nil {
		return nil, s.authorsErr
	}
	return s.Store.GetAuthors(ids)
}

func TestBorrowWrapsPersistenceFailureAsUnavailable(t *testing.T) {
	failing := &failingLoanStore{Store: store.NewMemoryStore(), loanErr: errors.New("connection reset")}
	env := newTestEnv(t, failing)
	env.seedAuthor(t, "a1", "Author One")
	env.seedBook(t, "b1", "a1")
	env.seedMember(t, "m1")

	_, err := env.app.Borrow(context.Background(), "m1", "b1")
	require.ErrorIs(t, err, ErrUnavailable)
	require.NotErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestBorrowSucceedsWhenAuthorPopulationFails(t *testing.T) {
	failing := &failingLoanStore{Store: store.NewMemoryStore(), authorsErr: errors.New("timeout")}
	env := newTestEnv(t, failing)
	env.seedAuthor(t, "a1", "Author One")
	env.seedBook(t, "b1", "a1")
	env.seedMember(t, "m1")

	loan, err := env.app.Borrow(context.Background(), "m1", "b1")
	require.NoError(t, err)
	require.Len(t, loan.Book.Authors, 1)
	assert.Equal(t, domain.AuthorSummary{ID: "a1"}, loan.Book.Authors[0])
	assert.True(t, env.book(t, "b1").BorrowedBy("m1"))
}

func TestMemberLoansAndOverdueLoans(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()
		env.seedAuthor(t, "a1", "Author One")
		env.seedBook(t, "b1", "a1")
		env.seedBook(t, "b2", "a1")
		env.seedBook(t, "b3", "a1")
		env.seedMember(t, "m1")
		env.seedMember(t, "m2")

		_, err := env.app.Borrow(ctx, "m1", "b1")
		require.NoError(t, err)
		env.clock.Advance(24 * time.Hour)
		_, err = env.app.Borrow(ctx, "m1", "b2")
		require.NoError(t, err)
		_, err = env.app.Borrow(ctx, "m2", "b3")
		require.NoError(t, err)

		loans, err := env.app.MemberLoans(ctx, "m1")
		require.NoError(t, err)
		require.Len(t, loans, 2)
		assert.Equal(t, "b1", loans[0].ID)
		assert.Equal(t, "b2", loans[1].ID)
		assert.Equal(t, "Author One", loans[0].Authors[0].Name)

		_, err = env.app.MemberLoans(ctx, "ghost")
		require.ErrorIs(t, err, ErrMemberNotFound)

		overdue, err := env.app.OverdueLoans(ctx)
		require.NoError(t, err)
		assert.Empty(t, overdue)

		// b1 is due at testNow+7d; b2 and b3 a day later.
		env.clock.Advance(6*24*time.Hour + time.Hour)
		overdue, err = env.app.OverdueLoans(ctx)
		require.NoError(t, err)
		require.Len(t, overdue, 1)
		assert.Equal(t, "b1", overdue[0].ID)

		env.clock.Advance(24 * time.Hour)
		overdue, err = env.app.OverdueLoans(ctx)
		require.NoError(t, err)
		assert.Len(t, overdue, 3)
	})
}
