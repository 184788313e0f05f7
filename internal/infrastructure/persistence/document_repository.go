package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/erp/inventory-services/internal/domain/shared"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no row matches the requested id.
var ErrNotFound = errors.New("record not found")

var entityTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// documentRecord is one entity stored as an opaque JSON body.
type documentRecord struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Body      string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentRepository persists the documents of one entity type in the
// table "{entity_type}s".
type DocumentRepository struct {
	db    *gorm.DB
	table string
}

// NewDocumentRepository binds a repository to the entity type's table.
func NewDocumentRepository(db *gorm.DB, entityType string) (*DocumentRepository, error) {
	if !entityTypePattern.MatchString(entityType) {
		return nil, fmt.Errorf("invalid entity type %q", entityType)
	}
	return &DocumentRepository{db: db, table: entityType + "s"}, nil
}

// Table returns the backing table name.
func (r *DocumentRepository) Table() string {
	return r.table
}

// EnsureSchema creates the table when it does not exist.
func (r *DocumentRepository) EnsureSchema(ctx context.Context) error {
	if err := r.db.WithContext(ctx).Table(r.table).AutoMigrate(&documentRecord{}); err != nil {
		return fmt.Errorf("migrate %s: %w", r.table, err)
	}
	return nil
}

// Get loads one document by id.
func (r *DocumentRepository) Get(ctx context.Context, id int64) (shared.Document, error) {
	var rec documentRecord
	if err := r.db.WithContext(ctx).Table(r.table).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec.document()
}

// List returns documents ordered by id. A non-positive limit means no limit.
func (r *DocumentRepository) List(ctx context.Context, offset, limit int) ([]shared.Document, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = -1
	}

	var recs []documentRecord
	err := r.db.WithContext(ctx).Table(r.table).
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	docs := make([]shared.Document, 0, len(recs))
	for i := range recs {
		doc, err := recs[i].document()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// All returns every document of the type.
func (r *DocumentRepository) All(ctx context.Context) ([]shared.Document, error) {
	return r.List(ctx, 0, 0)
}

// Create inserts doc. An id already present in doc is kept, otherwise one
// is assigned. The stored document, id included, is returned.
func (r *DocumentRepository) Create(ctx context.Context, doc shared.Document) (shared.Document, error) {
	body, err := encodeBody(doc)
	if err != nil {
		return nil, err
	}

	rec := documentRecord{Body: body}
	if id, ok := doc.ID(); ok {
		rec.ID = id
	}
	if err := r.db.WithContext(ctx).Table(r.table).Create(&rec).Error; err != nil {
		return nil, err
	}
	return rec.document()
}

// Update replaces the document stored under id.
func (r *DocumentRepository) Update(ctx context.Context, id int64, doc shared.Document) (shared.Document, error) {
	body, err := encodeBody(doc)
	if err != nil {
		return nil, err
	}

	res := r.db.WithContext(ctx).Table(r.table).
		Where("id = ?", id).
		Updates(map[string]any{"body": body, "updated_at": time.Now()})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}

	rec := documentRecord{ID: id, Body: body}
	return rec.document()
}

// Delete removes the document stored under id.
func (r *DocumentRepository) Delete(ctx context.Context, id int64) error {
	res := r.db.WithContext(ctx).Table(r.table).
		Delete(&documentRecord{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (rec *documentRecord) document() (shared.Document, error) {
	doc := shared.Document{}
	if rec.Body != "" {
		if err := json.Unmarshal([]byte(rec.Body), &doc); err != nil {
			return nil, fmt.Errorf("decode document %d: %w", rec.ID, err)
		}
	}
	doc[shared.IDField] = rec.ID
	return doc, nil
}

// encodeBody stores everything but the id, which lives in its own column.
func encodeBody(doc shared.Document) (string, error) {
	body := make(map[string]any, len(doc))
	for k, v := range doc {
		if k != shared.IDField {
			body[k] = v
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(data), nil
}
