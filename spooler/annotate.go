package spooler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Annotations stores externally produced notes against events. The
// content is opaque here.
type Annotations struct {
	db  *gorm.DB
	now func() time.Time
}

func NewAnnotations(db *gorm.DB) *Annotations {
	return &Annotations{db: db, now: time.Now}
}

// Add stores ann. The referenced event must exist.
func (a *Annotations) Add(ctx context.Context, ann Annotation) (Annotation, error) {
	if strings.TrimSpace(ann.Kind) == "" {
		ann.Kind = "note"
	}
	ann.ID = 0
	ann.CreatedAt = a.now().UTC()
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ev EventOccurrence
		if err := tx.Select("id").First(&ev, ann.EventID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", ErrEventNotFound, ann.EventID)
			}
			return err
		}
		return tx.Create(&ann).Error
	})
	if err != nil {
		return Annotation{}, fmt.Errorf("add annotation: %w", err)
	}
	return ann, nil
}

// List returns the annotations of one event, oldest first.
func (a *Annotations) List(ctx context.Context, eventID uint) ([]Annotation, error) {
	var out []Annotation
	err := a.db.WithContext(ctx).Where("event_id = ?", eventID).Order("id").Find(&out).Error
	return out, err
}
