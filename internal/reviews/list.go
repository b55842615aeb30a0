package reviews

import "context"

// SortOrder selects the ordering of review listings.
type SortOrder string

const (
	// SortPublishedOn orders newest reviews first.
	SortPublishedOn SortOrder = "published_on"
	// SortPopularity orders by the net vote score of the current revision.
	SortPopularity SortOrder = "popularity"
	// SortRating orders by the current revision's rating, unrated last.
	SortRating SortOrder = "rating"
	// SortRandom shuffles, used for "other reviews by this author" widgets.
	SortRandom SortOrder = "random"
)

const (
	defaultListLimit = 25
	maxListLimit     = 100
)

// latestRevisionExpr selects the id of a review's current revision.
const latestRevisionExpr = "(SELECT r.id FROM revisions r WHERE r.review_id = reviews.id ORDER BY r.created_at_s DESC, r.id DESC LIMIT 1)"

const latestRatingExpr = "(SELECT r.rating FROM revisions r WHERE r.review_id = reviews.id ORDER BY r.created_at_s DESC, r.id DESC LIMIT 1)"

// Popularity counts only votes pinned to the current revision; votes cast on
// superseded revisions do not contribute.
const netVotesExpr = "(SELECT COALESCE(SUM(CASE WHEN v.placet THEN 1 ELSE -1 END), 0) FROM votes v WHERE v.revision_id = " + latestRevisionExpr + ")"

// ListFilter narrows and orders a review listing. Hidden and draft reviews
// are excluded unless the caller opts in; the caller owns deciding whether
// the viewer is the author or a moderator.
type ListFilter struct {
	EntityID      string
	EntityType    EntityType
	UserID        string
	Sort          SortOrder
	Limit         int
	Offset        int
	ExcludeIDs    []string
	IncludeHidden bool
	IncludeDrafts bool
}

// ListItem pairs a review with its current revision.
type ListItem struct {
	Review   Review
	Revision Revision
}

// List returns the filtered page of reviews plus the total match count.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]ListItem, int64, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := s.db.WithContext(ctx).Model(&Review{}).Where("is_archived = ?", false)
	if filter.EntityID != "" {
		query = query.Where("entity_id = ?", filter.EntityID)
	}
	if filter.EntityType != "" {
		query = query.Where("entity_type = ?", filter.EntityType.String())
	}
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if !filter.IncludeHidden {
		query = query.Where("is_hidden = ?", false)
	}
	if !filter.IncludeDrafts {
		query = query.Where("is_draft = ?", false)
	}
	if len(filter.ExcludeIDs) > 0 {
		query = query.Where("id NOT IN ?", filter.ExcludeIDs)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, newServiceError(opList, "count", err)
	}

	switch filter.Sort {
	case SortPopularity:
		query = query.Order(netVotesExpr + " DESC").Order("created_at_s DESC")
	case SortRating:
		query = query.Order(latestRatingExpr + " IS NULL").Order(latestRatingExpr + " DESC").Order("created_at_s DESC")
	case SortRandom:
		query = query.Order("RANDOM()")
	default:
		query = query.Order("created_at_s DESC").Order("id DESC")
	}

	var rows []Review
	if err := query.Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, 0, newServiceError(opList, "query", err)
	}
	if len(rows) == 0 {
		return nil, total, nil
	}

	current, err := s.currentRevisions(ctx, rows)
	if err != nil {
		return nil, 0, err
	}
	items := make([]ListItem, 0, len(rows))
	for _, review := range rows {
		items = append(items, ListItem{Review: review, Revision: current[review.ID]})
	}
	return items, total, nil
}

// currentRevisions resolves the latest revision for each listed review in a
// single query; revisions arrive oldest-first so the last write per review
// wins during reduction.
func (s *Service) currentRevisions(ctx context.Context, rows []Review) (map[string]Revision, error) {
	ids := make([]string, 0, len(rows))
	for _, review := range rows {
		ids = append(ids, review.ID)
	}
	var revisions []Revision
	err := s.db.WithContext(ctx).
		Where("review_id IN ?", ids).
		Order("created_at_s ASC, id ASC").
		Find(&revisions).Error
	if err != nil {
		return nil, newServiceError(opList, "revision_query", err)
	}
	current := make(map[string]Revision, len(rows))
	for _, revision := range revisions {
		current[revision.ReviewID] = revision
	}
	return current, nil
}
