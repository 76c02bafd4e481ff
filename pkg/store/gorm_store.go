package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"libraryhub/pkg/domain"
)

const (
	migrateLockID  int64 = 51730901
	featuredLockID int64 = 51730902
)

// GormStore implements Store using GORM. Postgres is the production dialect;
// row locks and advisory locks are only issued there.
type GormStore struct {
	db       *gorm.DB
	postgres bool
}

// NewGormStore opens the Postgres DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	return NewGormStoreWithDialector(postgres.Open(dsn))
}

// NewGormStoreWithDialector opens the DB through an arbitrary GORM dialector.
func NewGormStoreWithDialector(dialector gorm.Dialector) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &GormStore{db: db, postgres: db.Dialector.Name() == "postgres"}
	if db.Dialector.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		// SQLite has a single writer; one connection keeps transactions serialized.
		sqlDB.SetMaxOpenConns(1)
	}
	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&BookModel{}, &BookAuthorModel{}, &AuthorModel{}, &MemberModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if s.postgres {
		err = withMigrationLock(db, migrate)
	} else {
		err = migrate(db)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// forUpdate adds a row lock on dialects that support it.
func (s *GormStore) forUpdate(tx *gorm.DB) *gorm.DB {
	if !s.postgres {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// SaveBook stores or updates a book and rewrites its author relation.
// Lending columns are never part of the upsert.
func (s *GormStore) SaveBook(b domain.Book) error {
	model := bookToModel(b)
	model.BorrowerID, model.BorrowDate, model.DueDate = nil, nil, nil
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"title", "isbn", "description", "publisher", "published_year",
				"genres", "page_count", "image", "rating", "updated_at",
			}),
		}).Create(&model).Error; err != nil {
			return fmt.Errorf("save book: %w", err)
		}
		if err := tx.Delete(&BookAuthorModel{}, "book_id = ?", b.ID).Error; err != nil {
			return fmt.Errorf("clear book authors: %w", err)
		}
		if len(b.AuthorIDs) == 0 {
			return nil
		}
		rels := make([]BookAuthorModel, 0, len(b.AuthorIDs))
		for i, authorID := range b.AuthorIDs {
			rels = append(rels, BookAuthorModel{BookID: b.ID, AuthorID: authorID, Position: i})
		}
		if err := tx.Create(&rels).Error; err != nil {
			return fmt.Errorf("save book authors: %w", err)
		}
		return nil
	})
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	authorIDs, err := authorIDsForBooks(s.db, []string{id})
	if err != nil {
		return domain.Book{}, false, err
	}
	return bookFromModel(model, authorIDs[id]), true, nil
}

// ListBooks returns all books ordered by created_at.
func (s *GormStore) ListBooks() ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.Order("created_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	authorIDs, err := authorIDsForBooks(s.db, ids)
	if err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m, authorIDs[m.ID]))
	}
	return res, nil
}

// DeleteBook removes the book and its author relation.
func (s *GormStore) DeleteBook(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&BookAuthorModel{}, "book_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&BookModel{}, "id = ?", id).Error
	})
}

// SaveAuthor stores or updates an author; the featured flag is left untouched.
func (s *GormStore) SaveAuthor(a domain.Author) error {
	model := authorToModel(a)
	model.Featured = false
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "slug", "born", "bio", "image"}),
	}).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("author slug %q: %w", a.Slug, ErrDuplicate)
	}
	return err
}

// GetAuthor returns an author with its booksWritten index.
func (s *GormStore) GetAuthor(id string) (domain.Author, bool, error) {
	return s.firstAuthor("id = ?", id)
}

// GetAuthorBySlug looks up an author by slug.
func (s *GormStore) GetAuthorBySlug(slug string) (domain.Author, bool, error) {
	return s.firstAuthor("slug = ?", slug)
}

func (s *GormStore) firstAuthor(query string, arg any) (domain.Author, bool, error) {
	var model AuthorModel
	if err := s.db.First(&model, query, arg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Author{}, false, nil
		}
		return domain.Author{}, false, err
	}
	authors, err := s.withBooks(s.db, []AuthorModel{model})
	if err != nil {
		return domain.Author{}, false, err
	}
	return authors[0], true, nil
}

// GetAuthors returns the authors that exist among ids, in the order of ids.
func (s *GormStore) GetAuthors(ids []string) ([]domain.Author, error) {
	if len(ids) == 0 {
		return []domain.Author{}, nil
	}
	var models []AuthorModel
	if err := s.db.Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]AuthorModel, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}
	ordered := make([]AuthorModel, 0, len(models))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			ordered = append(ordered, m)
		}
	}
	return s.withBooks(s.db, ordered)
}

// ListAuthors returns all authors sorted by name.
func (s *GormStore) ListAuthors() ([]domain.Author, error) {
	return s.listAuthors()
}

// ListFeaturedAuthors returns featured authors sorted by name.
func (s *GormStore) ListFeaturedAuthors() ([]domain.Author, error) {
	return s.listAuthors("featured = ?", true)
}

func (s *GormStore) listAuthors(conds ...any) ([]domain.Author, error) {
	var models []AuthorModel
	tx := s.db.Order("name ASC").Order("id ASC")
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	return s.withBooks(s.db, models)
}

// DeleteAuthor removes an author.
func (s *GormStore) DeleteAuthor(id string) error {
	return s.db.Delete(&AuthorModel{}, "id = ?", id).Error
}

// SaveMember registers or updates a member; the borrowed set is left untouched.
func (s *GormStore) SaveMember(u domain.Member) error {
	model := memberToModel(u)
	model.BorrowedBookIDs = datatypes.JSONSlice[string]{}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"first_name", "last_name", "email", "password_hash", "profile_picture", "is_admin"}),
	}).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("member email %q: %w", u.Email, ErrDuplicate)
	}
	return err
}

// GetMember returns a member by ID.
func (s *GormStore) GetMember(id string) (domain.Member, bool, error) {
	return s.firstMember("id = ?", id)
}

// GetMemberByEmail looks up a member by email.
func (s *GormStore) GetMemberByEmail(email string) (domain.Member, bool, error) {
	return s.firstMember("email = ?", email)
}

func (s *GormStore) firstMember(query string, arg any) (domain.Member, bool, error) {
	var model MemberModel
	if err := s.db.First(&model, query, arg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Member{}, false, nil
		}
		return domain.Member{}, false, err
	}
	return memberFromModel(model), true, nil
}

// ListMembers returns all members ordered by created_at.
func (s *GormStore) ListMembers() ([]domain.Member, error) {
	var models []MemberModel
	if err := s.db.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Member, 0, len(models))
	for _, m := range models {
		res = append(res, memberFromModel(m))
	}
	return res, nil
}

// DeleteMember removes a member.
func (s *GormStore) DeleteMember(id string) error {
	return s.db.Delete(&MemberModel{}, "id = ?", id).Error
}

// UpdateLoan locks the book row, then the member row, runs fn and writes the
// lending columns and the borrowed set in the same transaction.
func (s *GormStore) UpdateLoan(bookID, memberID string, fn LoanFunc) (domain.Book, domain.Member, error) {
	var (
		outBook   domain.Book
		outMember domain.Member
	)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var book *domain.Book
		var bm BookModel
		err := s.forUpdate(tx).First(&bm, "id = ?", bookID).Error
		switch {
		case err == nil:
			authorIDs, err := authorIDsForBooks(tx, []string{bookID})
			if err != nil {
				return err
			}
			b := bookFromModel(bm, authorIDs[bookID])
			book = &b
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("load book: %w", err)
		}

		var member *domain.Member
		var mm MemberModel
		err = s.forUpdate(tx).First(&mm, "id = ?", memberID).Error
		switch {
		case err == nil:
			m := memberFromModel(mm)
			member = &m
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("load member: %w", err)
		}

		if err := fn(book, member); err != nil {
			return err
		}
		if book == nil || member == nil {
			return errIncompleteLoan
		}

		if book.UpdatedAt.IsZero() {
			book.UpdatedAt = time.Now().UTC()
		}
		if err := tx.Model(&BookModel{}).Where("id = ?", bookID).Updates(map[string]any{
			"borrower_id": book.BorrowerID,
			"borrow_date": book.BorrowDate,
			"due_date":    book.DueDate,
			"updated_at":  book.UpdatedAt,
		}).Error; err != nil {
			return fmt.Errorf("write book lending: %w", err)
		}
		if err := tx.Model(&MemberModel{}).Where("id = ?", memberID).
			Update("borrowed_book_ids", datatypes.JSONSlice[string](append([]string{}, member.BorrowedBookIDs...))).Error; err != nil {
			return fmt.Errorf("write member loans: %w", err)
		}
		outBook = book.Clone()
		outMember = member.Clone()
		return nil
	})
	if err != nil {
		return domain.Book{}, domain.Member{}, err
	}
	return outBook, outMember, nil
}

// UpdateFeatured serializes featured toggles with a transaction-scoped advisory
// lock so the count read and the flag write cannot interleave.
func (s *GormStore) UpdateFeatured(authorID string, fn FeaturedFunc) (domain.Author, error) {
	var out domain.Author
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if s.postgres {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", featuredLockID).Error; err != nil {
				return fmt.Errorf("acquire featured lock: %w", err)
			}
		}
		var count int64
		if err := tx.Model(&AuthorModel{}).Where("featured = ?", true).Count(&count).Error; err != nil {
			return fmt.Errorf("count featured: %w", err)
		}
		var author *domain.Author
		var model AuthorModel
		err := tx.First(&model, "id = ?", authorID).Error
		switch {
		case err == nil:
			a := authorFromModel(model)
			author = &a
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("load author: %w", err)
		}
		if err := fn(author, int(count)); err != nil {
			return err
		}
		if author == nil {
			return errors.New("featured update requires an author")
		}
		if err := tx.Model(&AuthorModel{}).Where("id = ?", authorID).Update("featured", author.Featured).Error; err != nil {
			return fmt.Errorf("write featured: %w", err)
		}
		model.Featured = author.Featured
		authors, err := s.withBooks(tx, []AuthorModel{model})
		if err != nil {
			return err
		}
		out = authors[0]
		return nil
	})
	if err != nil {
		return domain.Author{}, err
	}
	return out, nil
}

// authorIDsForBooks loads the ordered author IDs per book.
func authorIDsForBooks(db *gorm.DB, bookIDs []string) (map[string][]string, error) {
	res := make(map[string][]string, len(bookIDs))
	if len(bookIDs) == 0 {
		return res, nil
	}
	var rels []BookAuthorModel
	if err := db.Where("book_id IN ?", bookIDs).Order("book_id ASC").Order("position ASC").Find(&rels).Error; err != nil {
		return nil, fmt.Errorf("load book authors: %w", err)
	}
	for _, rel := range rels {
		res[rel.BookID] = append(res[rel.BookID], rel.AuthorID)
	}
	return res, nil
}

// withBooks converts author rows and fills booksWritten from the relation table,
// ordered like ListBooks.
func (s *GormStore) withBooks(db *gorm.DB, models []AuthorModel) ([]domain.Author, error) {
	res := make([]domain.Author, 0, len(models))
	if len(models) == 0 {
		return res, nil
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	var rels []BookAuthorModel
	err := db.Table("book_author_models AS ba").
		Select("ba.book_id, ba.author_id, ba.position").
		Joins("JOIN book_models AS b ON b.id = ba.book_id").
		Where("ba.author_id IN ?", ids).
		Order("b.created_at ASC").Order("b.id ASC").
		Find(&rels).Error
	if err != nil {
		return nil, fmt.Errorf("load books written: %w", err)
	}
	written := make(map[string][]string, len(ids))
	for _, rel := range rels {
		written[rel.AuthorID] = append(written[rel.AuthorID], rel.BookID)
	}
	for _, m := range models {
		a := authorFromModel(m)
		a.BooksWritten = append([]string{}, written[m.ID]...)
		res = append(res, a)
	}
	return res, nil
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:            b.ID,
		Title:         b.Title,
		ISBN:          b.ISBN,
		Description:   b.Description,
		Publisher:     b.Publisher,
		PublishedYear: b.PublishedYear,
		Genres:        datatypes.JSONSlice[string](append([]string{}, b.Genres...)),
		PageCount:     b.PageCount,
		Image:         b.Image,
		Rating:        b.Rating,
		BorrowerID:    b.BorrowerID,
		BorrowDate:    b.BorrowDate,
		DueDate:       b.DueDate,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

func bookFromModel(m BookModel, authorIDs []string) domain.Book {
	b := domain.Book{
		ID:            m.ID,
		Title:         m.Title,
		ISBN:          m.ISBN,
		Description:   m.Description,
		AuthorIDs:     append([]string{}, authorIDs...),
		Publisher:     m.Publisher,
		PublishedYear: m.PublishedYear,
		Genres:        append([]string{}, m.Genres...),
		PageCount:     m.PageCount,
		Image:         m.Image,
		Rating:        m.Rating,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
	b.BorrowerID, b.BorrowDate, b.DueDate = m.BorrowerID, m.BorrowDate, m.DueDate
	return b.Clone()
}

func authorToModel(a domain.Author) AuthorModel {
	return AuthorModel{
		ID:        a.ID,
		Name:      a.Name,
		Slug:      a.Slug,
		Born:      a.Born,
		Bio:       a.Bio,
		Image:     a.Image,
		Featured:  a.Featured,
		CreatedAt: a.CreatedAt,
	}
}

func authorFromModel(m AuthorModel) domain.Author {
	return domain.Author{
		ID:        m.ID,
		Name:      m.Name,
		Slug:      m.Slug,
		Born:      m.Born,
		Bio:       m.Bio,
		Image:     m.Image,
		Featured:  m.Featured,
		CreatedAt: m.CreatedAt,
	}
}

func memberToModel(u domain.Member) MemberModel {
	return MemberModel{
		ID:              u.ID,
		FirstName:       u.FirstName,
		LastName:        u.LastName,
		Email:           u.Email,
		PasswordHash:    u.PasswordHash,
		ProfilePicture:  u.ProfilePicture,
		IsAdmin:         u.IsAdmin,
		BorrowedBookIDs: datatypes.JSONSlice[string](append([]string{}, u.BorrowedBookIDs...)),
		CreatedAt:       u.CreatedAt,
	}
}

func memberFromModel(m MemberModel) domain.Member {
	return domain.Member{
		ID:              m.ID,
		FirstName:       m.FirstName,
		LastName:        m.LastName,
		Email:           m.Email,
		PasswordHash:    m.PasswordHash,
		ProfilePicture:  m.ProfilePicture,
		IsAdmin:         m.IsAdmin,
		BorrowedBookIDs: append([]string{}, m.BorrowedBookIDs...),
		CreatedAt:       m.CreatedAt,
	}
}
