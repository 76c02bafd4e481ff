package store

import (
	"errors"

	"libraryhub/pkg/domain"
)

// ErrDuplicate is returned when a save would break a unique index (author
// slug, member email).
var ErrDuplicate = errors.New("duplicate key")

// LoanFunc decides a lending transition. It receives the stored book and member
// (nil when absent) and mutates them in place, or returns an error to abort
// without writing anything.
type LoanFunc func(book *domain.Book, member *domain.Member) error

// FeaturedFunc decides a featured toggle. It receives the stored author (nil
// when absent) and the number of currently featured authors.
type FeaturedFunc func(author *domain.Author, featuredCount int) error

// Store defines persistence for the catalog (books, authors) and members.
//
// Save methods are upserts that never touch lending state: SaveBook keeps the
// stored borrower/borrowDate/dueDate, SaveMember keeps the stored borrowed set
// and SaveAuthor keeps the stored featured flag. Those fields change only
// through UpdateLoan and UpdateFeatured.
type Store interface {
	// books
	SaveBook(domain.Book) error
	GetBook(id string) (domain.Book, bool, error)
	ListBooks() ([]domain.Book, error)
	DeleteBook(id string) error

	// authors
	SaveAuthor(domain.Author) error
	GetAuthor(id string) (domain.Author, bool, error)
	GetAuthorBySlug(slug string) (domain.Author, bool, error)
	GetAuthors(ids []string) ([]domain.Author, error)
	ListAuthors() ([]domain.Author, error)
	ListFeaturedAuthors() ([]domain.Author, error)
	DeleteAuthor(id string) error

	// members
	SaveMember(domain.Member) error
	GetMember(id string) (domain.Member, bool, error)
	GetMemberByEmail(email string) (domain.Member, bool, error)
	ListMembers() ([]domain.Member, error)
	DeleteMember(id string) error

	// UpdateLoan runs fn against the book and member inside one transaction and
	// persists both records only when fn returns nil.
	UpdateLoan(bookID, memberID string, fn LoanFunc) (domain.Book, domain.Member, error)
	// UpdateFeatured runs fn against the author and the featured count inside
	// one critical section and persists the author only when fn returns nil.
	UpdateFeatured(authorID string, fn FeaturedFunc) (domain.Author, error)
}
