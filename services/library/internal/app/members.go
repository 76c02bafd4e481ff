package app

import (
	"context"
	"errors"
	"sort"
	"strings"
	"unicode/utf8"

	"libraryhub/internal/util"
	"libraryhub/pkg/auth"
	"libraryhub/pkg/domain"
)

const minNameLength = 2

// MemberInput registers a member. The password is hashed before storage.
type MemberInput struct {
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName"`
	Email          string `json:"email"`
	Password       string `json:"password"`
	ProfilePicture string `json:"profilePicture"`
	IsAdmin        bool   `json:"isAdmin"`
}

// CreateMember registers a member with an empty borrowed set.
func (a *App) CreateMember(ctx context.Context, in MemberInput) (domain.Member, error) {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Email = normalizeEmail(in.Email)
	if err := validateProfile(in.FirstName, in.LastName, in.Email); err != nil {
		return domain.Member{}, err
	}
	if err := auth.ValidatePassword(in.Password); err != nil {
		if errors.Is(err, auth.ErrPasswordTooShort) {
			return domain.Member{}, invalidInput("%s", err.Error())
		}
		return domain.Member{}, err
	}

	unlock, err := a.lock(ctx, emailKey(in.Email))
	if err != nil {
		return domain.Member{}, err
	}
	defer unlock()
	if _, exists, err := a.store.GetMemberByEmail(in.Email); err != nil {
		return domain.Member{}, unavailable("check email", err)
	} else if exists {
		return domain.Member{}, ErrEmailTaken
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return domain.Member{}, unavailable("hash password", err)
	}
	picture := strings.TrimSpace(in.ProfilePicture)
	if picture == "" {
		picture = domain.DefaultMemberImage
	}
	member := domain.Member{
		ID:              util.NewID(),
		FirstName:       in.FirstName,
		LastName:        in.LastName,
		Email:           in.Email,
		PasswordHash:    hash,
		ProfilePicture:  picture,
		IsAdmin:         in.IsAdmin,
		BorrowedBookIDs: []string{},
		CreatedAt:       a.now(),
	}
	if err := a.store.SaveMember(member); err != nil {
		return domain.Member{}, unavailable("save member", conflictOnDuplicate(err, ErrEmailTaken))
	}
	util.LoggerFromContext(ctx).Info("member_created", "member_id", member.ID)
	return member.Public(), nil
}

// GetMember returns a member without credential material.
func (a *App) GetMember(ctx context.Context, id string) (domain.Member, error) {
	member, ok, err := a.store.GetMember(strings.TrimSpace(id))
	if err != nil {
		return domain.Member{}, unavailable("get member", err)
	}
	if !ok {
		return domain.Member{}, ErrMemberNotFound
	}
	return member.Public(), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateProfile(firstName, lastName, email string) error {
	if utf8.RuneCountInString(firstName) < minNameLength || utf8.RuneCountInString(lastName) < minNameLength {
		return invalidInput("first and last name must be at least %d characters", minNameLength)
	}
	if email == "" || !strings.Contains(email, "@") {
		return invalidInput("valid email required")
	}
	return nil
}

// ListMembers returns every member sorted by first name, then last name.
func (a *App) ListMembers(ctx context.Context) ([]domain.Member, error) {
	members, err := a.store.ListMembers()
	if err != nil {
		return nil, unavailable("list members", err)
	}
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].FirstName != members[j].FirstName {
			return members[i].FirstName < members[j].FirstName
		}
		if members[i].LastName != members[j].LastName {
			return members[i].LastName < members[j].LastName
		}
		return members[i].ID < members[j].ID
	})
	out := make([]domain.Member, 0, len(members))
	for _, m := range members {
		out = append(out, m.Public())
	}
	return out, nil
}

// MemberUpdate carries the profile fields to change. Nil fields keep their
// stored value. Password and borrowed set are never touched here.
type MemberUpdate struct {
	FirstName      *string `json:"firstName"`
	LastName       *string `json:"lastName"`
	Email          *string `json:"email"`
	ProfilePicture *string `json:"profilePicture"`
	IsAdmin        *bool   `json:"isAdmin"`
}

// UpdateMember applies a partial profile update.
func (a *App) UpdateMember(ctx context.Context, id string, in MemberUpdate) (domain.Member, error) {
	id = strings.TrimSpace(id)
	keys := []string{memberKey(id)}
	if in.Email != nil {
		keys = append(keys, emailKey(normalizeEmail(*in.Email)))
	}
	unlock, err := a.lock(ctx, keys...)
	if err != nil {
		return domain.Member{}, err
	}
	defer unlock()

	member, ok, err := a.store.GetMember(id)
	if err != nil {
		return domain.Member{}, unavailable("get member", err)
	}
	if !ok {
		return domain.Member{}, ErrMemberNotFound
	}
	if in.FirstName != nil {
		member.FirstName = strings.TrimSpace(*in.FirstName)
	}
	if in.LastName != nil {
		member.LastName = strings.TrimSpace(*in.LastName)
	}
	if in.Email != nil {
		member.Email = normalizeEmail(*in.Email)
	}
	if in.ProfilePicture != nil {
		member.ProfilePicture = strings.TrimSpace(*in.ProfilePicture)
		if member.ProfilePicture == "" {
			member.ProfilePicture = domain.DefaultMemberImage
		}
	}
	if in.IsAdmin != nil {
		member.IsAdmin = *in.IsAdmin
	}
	if err := validateProfile(member.FirstName, member.LastName, member.Email); err != nil {
		return domain.Member{}, err
	}
	if in.Email != nil {
		owner, exists, err := a.store.GetMemberByEmail(member.Email)
		if err != nil {
			return domain.Member{}, unavailable("check email", err)
		}
		if exists && owner.ID != member.ID {
			return domain.Member{}, ErrEmailTaken
		}
	}
	if err := a.store.SaveMember(member); err != nil {
		return domain.Member{}, unavailable("save member", conflictOnDuplicate(err, ErrEmailTaken))
	}
	util.LoggerFromContext(ctx).Info("member_updated", "member_id", member.ID)
	return a.GetMember(ctx, member.ID)
}

// DeleteMember removes a member that holds no books.
func (a *App) DeleteMember(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	unlock, err := a.lock(ctx, memberKey(id))
	if err != nil {
		return err
	}
	defer unlock()
	member, ok, err := a.store.GetMember(id)
	if err != nil {
		return unavailable("get member", err)
	}
	if !ok {
		return ErrMemberNotFound
	}
	if len(member.BorrowedBookIDs) > 0 {
		return ErrMemberHasLoans
	}
	if err := a.store.DeleteMember(id); err != nil {
		return unavailable("delete member", err)
	}
	util.LoggerFromContext(ctx).Info("member_deleted", "member_id", id)
	return nil
}
