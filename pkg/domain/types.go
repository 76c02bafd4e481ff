package domain

import "time"

const (
	// MaxBorrowed is the number of books a member may hold at once.
	MaxBorrowed = 3
	// MaxFeatured is the number of authors that may be featured at once.
	MaxFeatured = 3
	// LoanPeriod is the fixed time between borrow date and due date.
	LoanPeriod = 7 * 24 * time.Hour
)

const (
	DefaultBookImage   = "public/images/books/default.svg"
	DefaultAuthorImage = "public/images/authors/default.svg"
	DefaultMemberImage = "public/images/users/default.svg"
)

// Lending is the lending state of a book. Either all fields are set or none are.
type Lending struct {
	BorrowerID *string    `json:"borrowerId,omitempty"`
	BorrowDate *time.Time `json:"borrowDate,omitempty"`
	DueDate    *time.Time `json:"dueDate,omitempty"`
}

type Book struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	ISBN          string    `json:"isbn"`
	Description   string    `json:"description"`
	AuthorIDs     []string  `json:"authorIds"`
	Publisher     string    `json:"publisher"`
	PublishedYear int       `json:"publishedYear"`
	Genres        []string  `json:"genres"`
	PageCount     int       `json:"pageCount"`
	Image         string    `json:"image"`
	Rating        float64   `json:"rating"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Lending
}

// IsBorrowed reports whether the book is currently on loan.
func (b Book) IsBorrowed() bool {
	return b.BorrowerID != nil
}

// BorrowedBy reports whether the book is on loan to memberID.
func (b Book) BorrowedBy(memberID string) bool {
	return b.BorrowerID != nil && *b.BorrowerID == memberID
}

// Lend sets the full lending triple.
func (b *Book) Lend(memberID string, at time.Time) {
	borrower := memberID
	borrowed := at.UTC()
	due := borrowed.Add(LoanPeriod)
	b.BorrowerID = &borrower
	b.BorrowDate = &borrowed
	b.DueDate = &due
}

// ClearLending drops the full lending triple.
func (b *Book) ClearLending() {
	b.Lending = Lending{}
}

// LendingConsistent reports whether the lending triple is all-set or all-unset.
func (b Book) LendingConsistent() bool {
	set := 0
	if b.BorrowerID != nil {
		set++
	}
	if b.BorrowDate != nil {
		set++
	}
	if b.DueDate != nil {
		set++
	}
	return set == 0 || set == 3
}

// Overdue reports whether the book is on loan past its due date.
func (b Book) Overdue(now time.Time) bool {
	return b.DueDate != nil && b.DueDate.Before(now)
}

// Clone returns a deep copy so callers never share slices or pointers with a store.
func (b Book) Clone() Book {
	out := b
	out.AuthorIDs = append([]string(nil), b.AuthorIDs...)
	out.Genres = append([]string(nil), b.Genres...)
	if b.BorrowerID != nil {
		v := *b.BorrowerID
		out.BorrowerID = &v
	}
	if b.BorrowDate != nil {
		v := *b.BorrowDate
		out.BorrowDate = &v
	}
	if b.DueDate != nil {
		v := *b.DueDate
		out.DueDate = &v
	}
	return out
}

type Author struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Slug         string    `json:"slug"`
	Born         time.Time `json:"born"`
	Bio          string    `json:"bio"`
	Image        string    `json:"image"`
	BooksWritten []string  `json:"booksWritten"`
	Featured     bool      `json:"featured"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Clone returns a deep copy.
func (a Author) Clone() Author {
	out := a
	out.BooksWritten = append([]string(nil), a.BooksWritten...)
	return out
}

// AuthorSummary is the populated form of an author reference on a book.
type AuthorSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Slug  string `json:"slug"`
	Image string `json:"image,omitempty"`
}

// Summary returns the short form used when populating references.
func (a Author) Summary() AuthorSummary {
	return AuthorSummary{ID: a.ID, Name: a.Name, Slug: a.Slug, Image: a.Image}
}

// BookView is a book with its author references resolved.
type BookView struct {
	Book
	Authors []AuthorSummary `json:"authors"`
}

type Member struct {
	ID              string    `json:"id"`
	FirstName       string    `json:"firstName"`
	LastName        string    `json:"lastName"`
	Email           string    `json:"email"`
	PasswordHash    string    `json:"-"`
	ProfilePicture  string    `json:"profilePicture"`
	IsAdmin         bool      `json:"isAdmin"`
	BorrowedBookIDs []string  `json:"borrowedBookIds"`
	CreatedAt       time.Time `json:"createdAt"`
}

// HasBorrowed reports whether bookID is in the member's borrowed set.
func (m Member) HasBorrowed(bookID string) bool {
	for _, id := range m.BorrowedBookIDs {
		if id == bookID {
			return true
		}
	}
	return false
}

// AddBorrowed inserts bookID into the borrowed set.
func (m *Member) AddBorrowed(bookID string) {
	if m.HasBorrowed(bookID) {
		return
	}
	m.BorrowedBookIDs = append(m.BorrowedBookIDs, bookID)
}

// RemoveBorrowed drops bookID from the borrowed set.
func (m *Member) RemoveBorrowed(bookID string) {
	out := make([]string, 0, len(m.BorrowedBookIDs))
	for _, id := range m.BorrowedBookIDs {
		if id != bookID {
			out = append(out, id)
		}
	}
	m.BorrowedBookIDs = out
}

// Clone returns a deep copy.
func (m Member) Clone() Member {
	out := m
	out.BorrowedBookIDs = append([]string{}, m.BorrowedBookIDs...)
	return out
}

// Public returns a copy with credential material removed.
func (m Member) Public() Member {
	out := m.Clone()
	out.PasswordHash = ""
	return out
}

// Loan is the result of a borrow or return.
type Loan struct {
	Book   BookView `json:"updatedBook"`
	Member Member   `json:"updatedUser"`
}
