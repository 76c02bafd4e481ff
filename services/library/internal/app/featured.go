package app

import (
	"context"
	"strings"

	"libraryhub/internal/util"
	"libraryhub/pkg/domain"
	"libraryhub/pkg/queue"
)

// SetFeatured sets the featured flag of authorID. Featuring a new author when
// the ledger is full fails with ErrFeaturedLimit; repeating the current state
// is a no-op success.
func (a *App) SetFeatured(ctx context.Context, authorID string, featured bool) (domain.Author, error) {
	authorID = strings.TrimSpace(authorID)
	logger := util.LoggerFromContext(ctx).With("author_id", authorID, "featured", featured)

	unlock, err := a.lock(ctx, featuredKey)
	if err != nil {
		logger.Warn("featured lock failed", "err", err)
		return domain.Author{}, err
	}
	defer unlock()

	author, err := a.store.UpdateFeatured(authorID, func(au *domain.Author, count int) error {
		if au == nil {
			return ErrAuthorNotFound
		}
		if featured && !au.Featured && count >= domain.MaxFeatured {
			return ErrFeaturedLimit
		}
		au.Featured = featured
		return nil
	})
	if err != nil {
		err = unavailable("set featured", err)
		logger.Debug("featured rejected", "err", err)
		return domain.Author{}, err
	}
	logger.Info("author_featured")
	a.publish(ctx, queue.Event{Kind: queue.KindAuthorFeatured, AuthorID: author.ID, Featured: author.Featured})
	return author, nil
}

// FeaturedAuthors lists the featured authors in name order.
func (a *App) FeaturedAuthors(ctx context.Context) ([]domain.AuthorSummary, error) {
	authors, err := a.store.ListFeaturedAuthors()
	if err != nil {
		return nil, unavailable("list featured authors", err)
	}
	out := make([]domain.AuthorSummary, 0, len(authors))
	for _, au := range authors {
		out = append(out, au.Summary())
	}
	return out, nil
}
