package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type BookModel struct {
	ID            string `gorm:"primaryKey"`
	Title         string `gorm:"not null;index"`
	ISBN          string `gorm:"not null"`
	Description   string `gorm:"type:text"`
	Publisher     string `gorm:"not null"`
	PublishedYear int    `gorm:"not null"`
	Genres        datatypes.JSONSlice[string]
	PageCount     int `gorm:"not null"`
	Image         string
	Rating        float64
	BorrowerID    *string `gorm:"index"`
	BorrowDate    *time.Time
	DueDate       *time.Time `gorm:"index"`
	CreatedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time  `gorm:"not null"`
}

// BookAuthorModel is the ordered book -> author relation; booksWritten is read from it.
type BookAuthorModel struct {
	BookID   string `gorm:"primaryKey"`
	AuthorID string `gorm:"primaryKey;index"`
	Position int    `gorm:"not null"`
}

type AuthorModel struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"not null;index"`
	Slug      string `gorm:"uniqueIndex;not null"`
	Born      time.Time
	Bio       string `gorm:"type:text"`
	Image     string
	Featured  bool      `gorm:"not null;default:false;index"`
	CreatedAt time.Time `gorm:"not null"`
}

type MemberModel struct {
	ID              string `gorm:"primaryKey"`
	FirstName       string `gorm:"not null"`
	LastName        string `gorm:"not null"`
	Email           string `gorm:"uniqueIndex;not null"`
	PasswordHash    string `gorm:"not null"`
	ProfilePicture  string
	IsAdmin         bool `gorm:"not null;default:false"`
	BorrowedBookIDs datatypes.JSONSlice[string]
	CreatedAt       time.Time `gorm:"not null"`
}
