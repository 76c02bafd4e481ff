package app

import (
	"context"
	"math"
	"strings"
	"time"

	"libraryhub/internal/util"
	"libraryhub/pkg/domain"
)

// BookInput carries the editable fields of a book. Lending state is not editable here.
type BookInput struct {
	Title         string   `json:"title"`
	ISBN          string   `json:"isbn"`
	Description   string   `json:"description"`
	AuthorIDs     []string `json:"authorIds"`
	Publisher     string   `json:"publisher"`
	PublishedYear int      `json:"publishedYear"`
	Genres        []string `json:"genres"`
	PageCount     int      `json:"pageCount"`
	Image         string   `json:"image"`
	Rating        float64  `json:"rating"`
}

// AuthorInput carries the editable fields of an author. The featured flag is
// owned by SetFeatured.
type AuthorInput struct {
	Name  string    `json:"name"`
	Born  time.Time `json:"born"`
	Bio   string    `json:"bio"`
	Image string    `json:"image"`
}

// AuthorProfile is an author with the books they wrote.
type AuthorProfile struct {
	domain.Author
	Books []domain.BookView `json:"books"`
}

func (a *App) normalizeBookInput(in BookInput) (BookInput, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.ISBN = strings.TrimSpace(in.ISBN)
	in.Publisher = strings.TrimSpace(in.Publisher)
	in.Description = strings.TrimSpace(in.Description)
	in.Image = strings.TrimSpace(in.Image)
	if in.Title == "" {
		return in, invalidInput("title required")
	}
	if in.ISBN == "" {
		return in, invalidInput("isbn required")
	}
	if in.Publisher == "" {
		return in, invalidInput("publisher required")
	}
	ids := make([]string, 0, len(in.AuthorIDs))
	seen := make(map[string]struct{}, len(in.AuthorIDs))
	for _, id := range in.AuthorIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return in, invalidInput("at least one author required")
	}
	in.AuthorIDs = ids
	if in.PublishedYear > a.now().Year() {
		return in, invalidInput("published year cannot be in the future")
	}
	if in.PageCount < 1 {
		return in, invalidInput("page count must be at least 1")
	}
	if math.IsNaN(in.Rating) || in.Rating < 0 || in.Rating > 10 {
		return in, invalidInput("rating must be between 0 and 10")
	}
	genres := make([]string, 0, len(in.Genres))
	for _, g := range in.Genres {
		if g = strings.TrimSpace(g); g != "" {
			genres = append(genres, g)
		}
	}
	in.Genres = genres
	if in.Image == "" {
		in.Image = domain.DefaultBookImage
	}
	return in, nil
}

// requireAuthors verifies every id refers to a stored author.
func (a *App) requireAuthors(ids []string) error {
	authors, err := a.store.GetAuthors(ids)
	if err != nil {
		return unavailable("get authors", err)
	}
	if len(authors) != len(ids) {
		return invalidInput("unknown author in authorIds")
	}
	return nil
}

func authorKeys(ids []string) []string {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, authorKey(id))
	}
	return keys
}

func applyBookInput(b *domain.Book, in BookInput) {
	b.Title = in.Title
	b.ISBN = in.ISBN
	b.Description = in.Description
	b.AuthorIDs = in.AuthorIDs
	b.Publisher = in.Publisher
	b.PublishedYear = in.PublishedYear
	b.Genres = in.Genres
	b.PageCount = in.PageCount
	b.Image = in.Image
	b.Rating = in.Rating
}

// CreateBook adds an available book to the catalog.
func (a *App) CreateBook(ctx context.Context, in BookInput) (domain.BookView, error) {
	in, err := a.normalizeBookInput(in)
	if err != nil {
		return domain.BookView{}, err
	}
	unlock, err := a.lock(ctx, authorKeys(in.AuthorIDs)...)
	if err != nil {
		return domain.BookView{}, err
	}
	defer unlock()
	if err := a.requireAuthors(in.AuthorIDs); err != nil {
		return domain.BookView{}, err
	}
	now := a.now()
	book := domain.Book{ID: util.NewID(), CreatedAt: now, UpdatedAt: now}
	applyBookInput(&book, in)
	if err := a.store.SaveBook(book); err != nil {
		return domain.BookView{}, unavailable("save book", err)
	}
	util.LoggerFromContext(ctx).Info("book_created", "book_id", book.ID)
	return a.bookView(ctx, book), nil
}

// UpdateBook replaces the editable fields of a book. Lending state is untouched.
func (a *App) UpdateBook(ctx context.Context, id string, in BookInput) (domain.BookView, error) {
	in, err := a.normalizeBookInput(in)
	if err != nil {
		return domain.BookView{}, err
	}
	id = strings.TrimSpace(id)
	unlock, err := a.lock(ctx, append(authorKeys(in.AuthorIDs), bookKey(id))...)
	if err != nil {
		return domain.BookView{}, err
	}
	defer unlock()
	book, ok, err := a.store.GetBook(id)
	if err != nil {
		return domain.BookView{}, unavailable("get book", err)
	}
	if !ok {
		return domain.BookView{}, ErrBookNotFound
	}
	if err := a.requireAuthors(in.AuthorIDs); err != nil {
		return domain.BookView{}, err
	}
	applyBookInput(&book, in)
	book.UpdatedAt = a.now()
	if err := a.store.SaveBook(book); err != nil {
		return domain.BookView{}, unavailable("save book", err)
	}
	// Re-read so the response reflects the stored lending state.
	stored, ok, err := a.store.GetBook(book.ID)
	if err != nil {
		return domain.BookView{}, unavailable("get book", err)
	}
	if !ok {
		return domain.BookView{}, ErrBookNotFound
	}
	return a.bookView(ctx, stored), nil
}

// GetBook returns a book with its authors populated.
func (a *App) GetBook(ctx context.Context, id string) (domain.BookView, error) {
	book, ok, err := a.store.GetBook(strings.TrimSpace(id))
	if err != nil {
		return domain.BookView{}, unavailable("get book", err)
	}
	if !ok {
		return domain.BookView{}, ErrBookNotFound
	}
	return a.bookView(ctx, book), nil
}

// ListBooks lists the catalog, optionally only books written by authorID.
func (a *App) ListBooks(ctx context.Context, authorID string) ([]domain.BookView, error) {
	books, err := a.store.ListBooks()
	if err != nil {
		return nil, unavailable("list books", err)
	}
	authorID = strings.TrimSpace(authorID)
	if authorID != "" {
		filtered := books[:0]
		for _, b := range books {
			for _, id := range b.AuthorIDs {
				if id == authorID {
					filtered = append(filtered, b)
					break
				}
			}
		}
		books = filtered
	}
	return a.bookViews(ctx, books), nil
}

// CountBooks returns the number of books in the catalog.
func (a *App) CountBooks(ctx context.Context) (int, error) {
	books, err := a.store.ListBooks()
	if err != nil {
		return 0, unavailable("count books", err)
	}
	return len(books), nil
}

// DeleteBook removes a book. A book on loan cannot be deleted, so no member is
// left holding a dangling id.
func (a *App) DeleteBook(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	unlock, err := a.lock(ctx, bookKey(id))
	if err != nil {
		return err
	}
	defer unlock()
	book, ok, err := a.store.GetBook(id)
	if err != nil {
		return unavailable("get book", err)
	}
	if !ok {
		return ErrBookNotFound
	}
	if book.IsBorrowed() {
		return ErrBookOnLoan
	}
	if err := a.store.DeleteBook(id); err != nil {
		return unavailable("delete book", err)
	}
	util.LoggerFromContext(ctx).Info("book_deleted", "book_id", id)
	return nil
}

func normalizeAuthorInput(in AuthorInput) (AuthorInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Bio = strings.TrimSpace(in.Bio)
	in.Image = strings.TrimSpace(in.Image)
	if in.Name == "" {
		return in, invalidInput("author name required")
	}
	if in.Image == "" {
		in.Image = domain.DefaultAuthorImage
	}
	return in, nil
}

// slugFor derives a unique slug for name, treating selfID's current slug as free.
func (a *App) slugFor(name, selfID string) (string, error) {
	return domain.UniqueSlug(domain.Slugify(name), func(candidate string) (bool, error) {
		existing, ok, err := a.store.GetAuthorBySlug(candidate)
		if err != nil {
			return false, err
		}
		return ok && existing.ID != selfID, nil
	})
}

// CreateAuthor adds an author with a slug derived from the name.
func (a *App) CreateAuthor(ctx context.Context, in AuthorInput) (domain.Author, error) {
	in, err := normalizeAuthorInput(in)
	if err != nil {
		return domain.Author{}, err
	}
	unlock, err := a.lock(ctx, authorSlugKey)
	if err != nil {
		return domain.Author{}, err
	}
	defer unlock()
	slug, err := a.slugFor(in.Name, "")
	if err != nil {
		return domain.Author{}, unavailable("derive slug", err)
	}
	author := domain.Author{
		ID:           util.NewID(),
		Name:         in.Name,
		Slug:         slug,
		Born:         in.Born,
		Bio:          in.Bio,
		Image:        in.Image,
		BooksWritten: []string{},
		CreatedAt:    a.now(),
	}
	if err := a.store.SaveAuthor(author); err != nil {
		return domain.Author{}, unavailable("save author", conflictOnDuplicate(err, ErrSlugTaken))
	}
	util.LoggerFromContext(ctx).Info("author_created", "author_id", author.ID, "slug", slug)
	return author, nil
}

// UpdateAuthor replaces the editable fields of an author; a renamed author gets a new slug.
func (a *App) UpdateAuthor(ctx context.Context, id string, in AuthorInput) (domain.Author, error) {
	in, err := normalizeAuthorInput(in)
	if err != nil {
		return domain.Author{}, err
	}
	id = strings.TrimSpace(id)
	unlock, err := a.lock(ctx, authorSlugKey, authorKey(id))
	if err != nil {
		return domain.Author{}, err
	}
	defer unlock()
	author, ok, err := a.store.GetAuthor(id)
	if err != nil {
		return domain.Author{}, unavailable("get author", err)
	}
	if !ok {
		return domain.Author{}, ErrAuthorNotFound
	}
	if in.Name != author.Name {
		slug, err := a.slugFor(in.Name, author.ID)
		if err != nil {
			return domain.Author{}, unavailable("derive slug", err)
		}
		author.Slug = slug
	}
	author.Name = in.Name
	author.Born = in.Born
	author.Bio = in.Bio
	author.Image = in.Image
	if err := a.store.SaveAuthor(author); err != nil {
		return domain.Author{}, unavailable("save author", conflictOnDuplicate(err, ErrSlugTaken))
	}
	return a.GetAuthor(ctx, author.ID)
}

// GetAuthor returns an author by id.
func (a *App) GetAuthor(ctx context.Context, id string) (domain.Author, error) {
	author, ok, err := a.store.GetAuthor(strings.TrimSpace(id))
	if err != nil {
		return domain.Author{}, unavailable("get author", err)
	}
	if !ok {
		return domain.Author{}, ErrAuthorNotFound
	}
	return author, nil
}

// AuthorProfile returns the author with the given slug and their books.
func (a *App) AuthorProfile(ctx context.Context, slug string) (AuthorProfile, error) {
	author, ok, err := a.store.GetAuthorBySlug(strings.ToLower(strings.TrimSpace(slug)))
	if err != nil {
		return AuthorProfile{}, unavailable("get author", err)
	}
	if !ok {
		return AuthorProfile{}, ErrAuthorNotFound
	}
	books := make([]domain.Book, 0, len(author.BooksWritten))
	for _, id := range author.BooksWritten {
		book, ok, err := a.store.GetBook(id)
		if err != nil {
			return AuthorProfile{}, unavailable("get book", err)
		}
		if ok {
			books = append(books, book)
		}
	}
	return AuthorProfile{Author: author, Books: a.bookViews(ctx, books)}, nil
}

// ListAuthors lists authors in name order.
func (a *App) ListAuthors(ctx context.Context) ([]domain.Author, error) {
	authors, err := a.store.ListAuthors()
	if err != nil {
		return nil, unavailable("list authors", err)
	}
	return authors, nil
}

// DeleteAuthor removes an author that no book references.
func (a *App) DeleteAuthor(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	unlock, err := a.lock(ctx, authorKey(id))
	if err != nil {
		return err
	}
	defer unlock()
	author, ok, err := a.store.GetAuthor(id)
	if err != nil {
		return unavailable("get author", err)
	}
	if !ok {
		return ErrAuthorNotFound
	}
	if len(author.BooksWritten) > 0 {
		return ErrAuthorHasBooks
	}
	if err := a.store.DeleteAuthor(id); err != nil {
		return unavailable("delete author", err)
	}
	util.LoggerFromContext(ctx).Info("author_deleted", "author_id", id)
	return nil
}
