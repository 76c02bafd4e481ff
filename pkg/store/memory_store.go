package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"libraryhub/pkg/domain"
)

var errIncompleteLoan = errors.New("loan update requires both book and member")

// MemoryStore keeps the catalog and members in-process (single instance only).
type MemoryStore struct {
	mu      sync.RWMutex
	books   map[string]domain.Book
	authors map[string]domain.Author
	slugs   map[string]string // slug -> author ID
	members map[string]domain.Member
	email   map[string]string // email -> member ID
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:   make(map[string]domain.Book),
		authors: make(map[string]domain.Author),
		slugs:   make(map[string]string),
		members: make(map[string]domain.Member),
		email:   make(map[string]string),
	}
}

// SaveBook stores or replaces a book record, keeping its lending state.
func (m *MemoryStore) SaveBook(b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.books[b.ID]
	b = b.Clone()
	b.Lending = existing.Clone().Lending
	m.books[b.ID] = b
	return nil
}

// GetBook retrieves a book by ID.
func (m *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	if !ok {
		return domain.Book{}, false, nil
	}
	return b.Clone(), true, nil
}

// ListBooks returns books ordered by created_at, then id.
func (m *MemoryStore) ListBooks() ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Book, 0, len(m.books))
	for _, b := range m.sortedBooksLocked() {
		res = append(res, b.Clone())
	}
	return res, nil
}

// sortedBooksLocked returns the stored books ordered like GormStore.ListBooks.
// Caller holds mu.
func (m *MemoryStore) sortedBooksLocked() []domain.Book {
	books := make([]domain.Book, 0, len(m.books))
	for _, b := range m.books {
		books = append(books, b)
	}
	sort.Slice(books, func(i, j int) bool {
		if !books[i].CreatedAt.Equal(books[j].CreatedAt) {
			return books[i].CreatedAt.Before(books[j].CreatedAt)
		}
		return books[i].ID < books[j].ID
	})
	return books
}

// DeleteBook removes a book.
func (m *MemoryStore) DeleteBook(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.books, id)
	return nil
}

// SaveAuthor stores or replaces an author, keeping its featured flag.
func (m *MemoryStore) SaveAuthor(a domain.Author) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.slugs[a.Slug]; ok && owner != a.ID {
		return fmt.Errorf("author slug %q: %w", a.Slug, ErrDuplicate)
	}
	if existing, ok := m.authors[a.ID]; ok {
		a.Featured = existing.Featured
		if existing.Slug != a.Slug {
			delete(m.slugs, existing.Slug)
		}
	} else {
		a.Featured = false
	}
	a = a.Clone()
	a.BooksWritten = nil
	m.authors[a.ID] = a
	m.slugs[a.Slug] = a.ID
	return nil
}

// GetAuthor returns an author with its booksWritten index.
func (m *MemoryStore) GetAuthor(id string) (domain.Author, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.authors[id]
	if !ok {
		return domain.Author{}, false, nil
	}
	return m.withBooksLocked(a), true, nil
}

// GetAuthorBySlug looks up an author by slug.
func (m *MemoryStore) GetAuthorBySlug(slug string) (domain.Author, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.slugs[strings.ToLower(slug)]
	if !ok {
		return domain.Author{}, false, nil
	}
	a, ok := m.authors[id]
	if !ok {
		return domain.Author{}, false, nil
	}
	return m.withBooksLocked(a), true, nil
}

// GetAuthors returns the authors that exist among ids, in the order of ids.
func (m *MemoryStore) GetAuthors(ids []string) ([]domain.Author, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Author, 0, len(ids))
	for _, id := range ids {
		if a, ok := m.authors[id]; ok {
			res = append(res, m.withBooksLocked(a))
		}
	}
	return res, nil
}

// ListAuthors returns all authors sorted by name.
func (m *MemoryStore) ListAuthors() ([]domain.Author, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedAuthorsLocked(func(domain.Author) bool { return true }), nil
}

// ListFeaturedAuthors returns featured authors sorted by name.
func (m *MemoryStore) ListFeaturedAuthors() ([]domain.Author, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedAuthorsLocked(func(a domain.Author) bool { return a.Featured }), nil
}

// DeleteAuthor removes an author.
func (m *MemoryStore) DeleteAuthor(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.authors[id]; ok {
		delete(m.slugs, a.Slug)
		delete(m.authors, id)
	}
	return nil
}

// SaveMember registers or updates a member, keeping its borrowed set.
func (m *MemoryStore) SaveMember(u domain.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.email[u.Email]; ok && owner != u.ID {
		return fmt.Errorf("member email %q: %w", u.Email, ErrDuplicate)
	}
	existing, exists := m.members[u.ID]
	if exists && existing.Email != u.Email {
		delete(m.email, existing.Email)
	}
	u = u.Clone()
	u.BorrowedBookIDs = existing.Clone().BorrowedBookIDs
	m.members[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// GetMember returns a member by ID.
func (m *MemoryStore) GetMember(id string) (domain.Member, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.members[id]
	if !ok {
		return domain.Member{}, false, nil
	}
	return u.Clone(), true, nil
}

// GetMemberByEmail looks up a member by email.
func (m *MemoryStore) GetMemberByEmail(email string) (domain.Member, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[email]
	if !ok {
		return domain.Member{}, false, nil
	}
	u, ok := m.members[id]
	if !ok {
		return domain.Member{}, false, nil
	}
	return u.Clone(), true, nil
}

// ListMembers returns all members ordered by creation time.
func (m *MemoryStore) ListMembers() ([]domain.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Member, 0, len(m.members))
	for _, u := range m.members {
		res = append(res, u.Clone())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// DeleteMember removes a member and frees its email.
func (m *MemoryStore) DeleteMember(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.members[id]; ok {
		delete(m.email, u.Email)
		delete(m.members, id)
	}
	return nil
}

// UpdateLoan applies fn to copies of the book and member under the write lock
// and stores both copies only when fn succeeds.
func (m *MemoryStore) UpdateLoan(bookID, memberID string, fn LoanFunc) (domain.Book, domain.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var book *domain.Book
	if b, ok := m.books[bookID]; ok {
		c := b.Clone()
		book = &c
	}
	var member *domain.Member
	if u, ok := m.members[memberID]; ok {
		c := u.Clone()
		member = &c
	}
	if err := fn(book, member); err != nil {
		return domain.Book{}, domain.Member{}, err
	}
	if book == nil || member == nil {
		return domain.Book{}, domain.Member{}, errIncompleteLoan
	}
	m.books[bookID] = book.Clone()
	m.members[memberID] = member.Clone()
	return *book, *member, nil
}

// UpdateFeatured applies fn to the author and the live featured count under
// the write lock.
func (m *MemoryStore) UpdateFeatured(authorID string, fn FeaturedFunc) (domain.Author, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, a := range m.authors {
		if a.Featured {
			count++
		}
	}
	var author *domain.Author
	if a, ok := m.authors[authorID]; ok {
		c := a.Clone()
		author = &c
	}
	if err := fn(author, count); err != nil {
		return domain.Author{}, err
	}
	if author == nil {
		return domain.Author{}, errors.New("featured update requires an author")
	}
	stored := m.authors[authorID]
	stored.Featured = author.Featured
	m.authors[authorID] = stored
	return m.withBooksLocked(stored), nil
}

// withBooksLocked fills booksWritten from the book table. Caller holds mu.
func (m *MemoryStore) withBooksLocked(a domain.Author) domain.Author {
	out := a.Clone()
	out.BooksWritten = []string{}
	for _, b := range m.sortedBooksLocked() {
		for _, authorID := range b.AuthorIDs {
			if authorID == a.ID {
				out.BooksWritten = append(out.BooksWritten, b.ID)
				break
			}
		}
	}
	return out
}

func (m *MemoryStore) sortedAuthorsLocked(keep func(domain.Author) bool) []domain.Author {
	res := make([]domain.Author, 0, len(m.authors))
	for _, a := range m.authors {
		if keep(a) {
			res = append(res, m.withBooksLocked(a))
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Name == res[j].Name {
			return res[i].ID < res[j].ID
		}
		return res[i].Name < res[j].Name
	})
	return res
}
