package buckets

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"

	"github.com/arencloud/kbadmin/internal/models"
	"github.com/arencloud/kbadmin/internal/s3"

	"gorm.io/gorm"
)

var bucketNameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// ValidateName applies the S3 bucket naming rules.
func ValidateName(name string) error {
	if !bucketNameRE.MatchString(name) || strings.Contains(name, "..") || net.ParseIP(name) != nil {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Repository stores bucket metadata records.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) List(ctx context.Context) ([]models.Bucket, error) {
	out := []models.Bucket{}
	if err := r.db.WithContext(ctx).Order("bucket_name").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	return out, nil
}

func (r *Repository) Get(ctx context.Context, id string) (*models.Bucket, error) {
	var b models.Bucket
	if err := r.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBucketNotFound
		}
		return nil, fmt.Errorf("loading bucket %s: %w", id, err)
	}
	return &b, nil
}

func (r *Repository) Create(ctx context.Context, b *models.Bucket) error {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.Bucket{}).Where("bucket_name = ?", b.BucketName).Count(&n).Error; err != nil {
		return fmt.Errorf("checking bucket %s: %w", b.BucketName, err)
	}
	if n > 0 {
		return ErrBucketExists
	}
	if err := r.db.WithContext(ctx).Create(b).Error; err != nil {
		return fmt.Errorf("creating bucket %s: %w", b.BucketName, err)
	}
	return nil
}

type Update struct {
	DisplayName *string `json:"displayName"`
	Description *string `json:"description"`
}

func (r *Repository) Update(ctx context.Context, id string, in Update, updatedBy string) (*models.Bucket, error) {
	b, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.DisplayName != nil {
		b.DisplayName = strings.TrimSpace(*in.DisplayName)
	}
	if in.Description != nil {
		b.Description = *in.Description
	}
	b.UpdatedBy = updatedBy
	if err := r.db.WithContext(ctx).Save(b).Error; err != nil {
		return nil, fmt.Errorf("updating bucket %s: %w", id, err)
	}
	return b, nil
}

// DeleteByName removes the metadata record of name. A missing record is not an error.
func (r *Repository) DeleteByName(ctx context.Context, name string) error {
	if err := r.db.WithContext(ctx).Where("bucket_name = ?", name).Delete(&models.Bucket{}).Error; err != nil {
		return fmt.Errorf("deleting bucket record %s: %w", name, err)
	}
	return nil
}

// Unregistered returns the object-store buckets that have no metadata record.
func (r *Repository) Unregistered(ctx context.Context, infos []s3.BucketInfo) ([]s3.BucketInfo, error) {
	var known []string
	if err := r.db.WithContext(ctx).Model(&models.Bucket{}).Pluck("bucket_name", &known).Error; err != nil {
		return nil, fmt.Errorf("listing bucket names: %w", err)
	}
	set := make(map[string]struct{}, len(known))
	for _, n := range known {
		set[n] = struct{}{}
	}
	out := []s3.BucketInfo{}
	for _, b := range infos {
		if _, ok := set[b.Name]; !ok {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
