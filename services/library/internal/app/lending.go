package app

import (
	"context"
	"sort"
	"strings"
	"time"

	"libraryhub/internal/util"
	"libraryhub/pkg/domain"
	"libraryhub/pkg/queue"
)

// Borrow lends bookID to memberID. Preconditions are checked in order: the book
// exists, the member exists, the member does not already hold the book, nobody
// else holds it, and the member is below the borrow limit.
func (a *App) Borrow(ctx context.Context, memberID, bookID string) (domain.Loan, error) {
	memberID = strings.TrimSpace(memberID)
	bookID = strings.TrimSpace(bookID)
	logger := util.LoggerFromContext(ctx).With("member_id", memberID, "book_id", bookID)

	unlock, err := a.lock(ctx, bookKey(bookID), memberKey(memberID))
	if err != nil {
		logger.Warn("borrow lock failed", "err", err)
		return domain.Loan{}, err
	}
	defer unlock()

	now := a.now()
	book, member, err := a.store.UpdateLoan(bookID, memberID, func(b *domain.Book, m *domain.Member) error {
		switch {
		case b == nil:
			return ErrBookNotFound
		case m == nil:
			return ErrMemberNotFound
		case b.BorrowedBy(memberID):
			return ErrAlreadyBorrowed
		case b.IsBorrowed():
			return ErrBookUnavailable
		case len(m.BorrowedBookIDs) >= domain.MaxBorrowed:
			return ErrBorrowLimit
		}
		b.Lend(memberID, now)
		b.UpdatedAt = now
		m.AddBorrowed(bookID)
		return nil
	})
	if err != nil {
		err = unavailable("borrow", err)
		logger.Debug("borrow rejected", "err", err)
		return domain.Loan{}, err
	}
	logger.Info("book_borrowed", "due_date", book.DueDate.Format(time.RFC3339))
	a.publish(ctx, queue.Event{Kind: queue.KindBookBorrowed, BookID: book.ID, MemberID: member.ID, DueDate: *book.DueDate, OccurredAt: now})
	return domain.Loan{Book: a.bookView(ctx, book), Member: member.Public()}, nil
}

// Return ends memberID's loan of bookID. Only the exact borrower may return.
func (a *App) Return(ctx context.Context, memberID, bookID string) (domain.Loan, error) {
	memberID = strings.TrimSpace(memberID)
	bookID = strings.TrimSpace(bookID)
	logger := util.LoggerFromContext(ctx).With("member_id", memberID, "book_id", bookID)

	unlock, err := a.lock(ctx, bookKey(bookID), memberKey(memberID))
	if err != nil {
		logger.Warn("return lock failed", "err", err)
		return domain.Loan{}, err
	}
	defer unlock()

	now := a.now()
	book, member, err := a.store.UpdateLoan(bookID, memberID, func(b *domain.Book, m *domain.Member) error {
		switch {
		case b == nil:
			return ErrBookNotFound
		case !b.BorrowedBy(memberID):
			return ErrNotBorrower
		case m == nil:
			return ErrMemberNotFound
		}
		b.ClearLending()
		b.UpdatedAt = now
		m.RemoveBorrowed(bookID)
		return nil
	})
	if err != nil {
		err = unavailable("return", err)
		logger.Debug("return rejected", "err", err)
		return domain.Loan{}, err
	}
	logger.Info("book_returned")
	a.publish(ctx, queue.Event{Kind: queue.KindBookReturned, BookID: book.ID, MemberID: member.ID, OccurredAt: now})
	return domain.Loan{Book: a.bookView(ctx, book), Member: member.Public()}, nil
}

// MemberLoans lists the books memberID currently holds, each with its due date.
func (a *App) MemberLoans(ctx context.Context, memberID string) ([]domain.BookView, error) {
	member, ok, err := a.store.GetMember(strings.TrimSpace(memberID))
	if err != nil {
		return nil, unavailable("get member", err)
	}
	if !ok {
		return nil, ErrMemberNotFound
	}
	books := make([]domain.Book, 0, len(member.BorrowedBookIDs))
	for _, id := range member.BorrowedBookIDs {
		book, ok, err := a.store.GetBook(id)
		if err != nil {
			return nil, unavailable("get book", err)
		}
		if !ok || !book.BorrowedBy(member.ID) {
			continue
		}
		books = append(books, book)
	}
	sortByDueDate(books)
	return a.bookViews(ctx, books), nil
}

// OverdueLoans lists borrowed books whose due date has passed, oldest first.
func (a *App) OverdueLoans(ctx context.Context) ([]domain.BookView, error) {
	all, err := a.store.ListBooks()
	if err != nil {
		return nil, unavailable("list books", err)
	}
	now := a.now()
	overdue := make([]domain.Book, 0)
	for _, b := range all {
		if b.Overdue(now) {
			overdue = append(overdue, b)
		}
	}
	sortByDueDate(overdue)
	return a.bookViews(ctx, overdue), nil
}

func sortByDueDate(books []domain.Book) {
	sort.SliceStable(books, func(i, j int) bool {
		return books[i].DueDate != nil && books[j].DueDate != nil && books[i].DueDate.Before(*books[j].DueDate)
	})
}

// bookView populates author references for a single book.
func (a *App) bookView(ctx context.Context, b domain.Book) domain.BookView {
	return a.bookViews(ctx, []domain.Book{b})[0]
}

// bookViews populates author references with one store read. The lending
// outcome is already committed, so a failed lookup degrades to id-only
// references instead of failing the call.
func (a *App) bookViews(ctx context.Context, books []domain.Book) []domain.BookView {
	ids := make([]string, 0)
	seen := make(map[string]struct{})
	for _, b := range books {
		for _, id := range b.AuthorIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	byID := make(map[string]domain.AuthorSummary, len(ids))
	if len(ids) > 0 {
		authors, err := a.store.GetAuthors(ids)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("populate authors failed", "err", err)
		}
		for _, au := range authors {
			byID[au.ID] = au.Summary()
		}
	}
	out := make([]domain.BookView, 0, len(books))
	for _, b := range books {
		view := domain.BookView{Book: b, Authors: make([]domain.AuthorSummary, 0, len(b.AuthorIDs))}
		for _, id := range b.AuthorIDs {
			summary, ok := byID[id]
			if !ok {
				summary = domain.AuthorSummary{ID: id}
			}
			view.Authors = append(view.Authors, summary)
		}
		out = append(out, view)
	}
	return out
}
