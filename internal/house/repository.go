package house

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

var (
	ErrHouseNotFound     = errors.New("house not found")
	ErrAffiliateNotFound = errors.New("affiliate not found")
)

const houseCacheTTL = 5 * time.Minute

type Directory interface {
	FindHouseByToken(ctx context.Context, token string) (*BettingHouse, error)
	FindAffiliateBySubid(ctx context.Context, houseID string, subid string) (*User, *AffiliateLink, error)
}

type DirectoryRepositoryImpl struct {
	db    *gorm.DB
	cache *redis.Client // nil when redis is unavailable; lookups fall through to the DB
}

func NewDirectoryRepositoryImpl(db *gorm.DB, cache *redis.Client) Directory {
	return &DirectoryRepositoryImpl{db: db, cache: cache}
}

func (r *DirectoryRepositoryImpl) FindHouseByToken(ctx context.Context, token string) (*BettingHouse, error) {
	if h := r.cachedHouse(ctx, token); h != nil {
		return h, nil
	}

	var h BettingHouse
	err := r.db.WithContext(ctx).Where("security_token = ?", token).First(&h).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrHouseNotFound
		}
		return nil, err
	}

	r.cacheHouse(ctx, token, &h)
	return &h, nil
}

// FindAffiliateBySubid matches the subid against the tracking links of the
// given house, exact-match only. A subid that belongs to the affiliate but
// has no active link for this house still resolves to the user with a nil
// link, so the event remains attributable.
func (r *DirectoryRepositoryImpl) FindAffiliateBySubid(ctx context.Context, houseID string, subid string) (*User, *AffiliateLink, error) {
	var link AffiliateLink
	err := r.db.WithContext(ctx).
		Where("house_id = ? AND subid = ?", houseID, subid).
		Order("is_active DESC, created_at DESC").
		First(&link).Error
	if err == nil {
		u, uerr := r.findUser(ctx, link.UserID)
		if uerr != nil {
			return nil, nil, uerr
		}
		if !link.IsActive {
			return u, nil, nil
		}
		return u, &link, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, err
	}

	// No link for this house; the subid may still identify the affiliate
	// through a link registered with another house.
	err = r.db.WithContext(ctx).
		Where("subid = ?", subid).
		Order("created_at DESC").
		First(&link).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrAffiliateNotFound
		}
		return nil, nil, err
	}
	u, err := r.findUser(ctx, link.UserID)
	if err != nil {
		return nil, nil, err
	}
	return u, nil, nil
}

func (r *DirectoryRepositoryImpl) findUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAffiliateNotFound
		}
		return nil, err
	}
	return &u, nil
}

func houseCacheKey(token string) string {
	return "house:token:" + token
}

func (r *DirectoryRepositoryImpl) cachedHouse(ctx context.Context, token string) *BettingHouse {
	if r.cache == nil {
		return nil
	}
	raw, err := r.cache.Get(ctx, houseCacheKey(token)).Result()
	if err != nil {
		return nil
	}
	var h BettingHouse
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil
	}
	return &h
}

func (r *DirectoryRepositoryImpl) cacheHouse(ctx context.Context, token string, h *BettingHouse) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return
	}
	// best effort, a failed SET just means the next lookup hits the DB
	r.cache.Set(ctx, houseCacheKey(token), raw, houseCacheTTL)
}
