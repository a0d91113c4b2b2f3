package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bizflow/internal/models"

	"gorm.io/gorm"
)

// EntityPatch is a partial update; nil members are left untouched.
type EntityPatch struct {
	Name       *string
	Status     *string
	Value      *float64
	AssigneeID *string
	Fields     map[string]interface{}
}

// EntityFilter narrows Query. Zero members impose no constraint.
type EntityFilter struct {
	StatusIn           []string
	StatusNotIn        []string
	TransitionedBefore time.Time
	Limit              int
}

// EntityRepository is the engine's view of the external document store.
type EntityRepository interface {
	Load(ctx context.Context, kind, id string) (*EntityState, error)
	Save(ctx context.Context, kind, id string, patch EntityPatch) (*EntityState, error)
	Query(ctx context.Context, kind string, filter EntityFilter) ([]EntityState, error)
}

// patchForField turns a SetField action into a scoped patch.
func patchForField(name string, value interface{}) (EntityPatch, error) {
	switch name {
	case "status":
		s, ok := value.(string)
		if !ok || s == "" {
			return EntityPatch{}, fmt.Errorf("status must be a non-empty string, got %T", value)
		}
		return EntityPatch{Status: &s}, nil
	case "name":
		s := fmt.Sprint(value)
		return EntityPatch{Name: &s}, nil
	case "assignee_id":
		s := fmt.Sprint(value)
		return EntityPatch{AssigneeID: &s}, nil
	case "value":
		f, err := toFloat(value)
		if err != nil {
			return EntityPatch{}, err
		}
		return EntityPatch{Value: &f}, nil
	default:
		return EntityPatch{Fields: map[string]interface{}{name: value}}, nil
	}
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("value must be numeric, got %T", v)
	}
}

// GormEntityRepository stores entities as models.EntityRecord documents.
type GormEntityRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormEntityRepository(db *gorm.DB) *GormEntityRepository {
	return &GormEntityRepository{db: db, now: time.Now}
}

// Create 新建实体（宿主应用写入的业务记录）
func (r *GormEntityRepository) Create(ctx context.Context, state EntityState) (*EntityState, error) {
	now := r.now()
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}
	rec, err := recordFromState(state)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = now
	if state.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("create entity %s/%s: %w", state.Kind, state.ID, err)
	}
	return stateFromRecord(*rec)
}

func (r *GormEntityRepository) Load(ctx context.Context, kind, id string) (*EntityState, error) {
	var rec models.EntityRecord
	err := r.db.WithContext(ctx).Where("kind = ? AND ref = ?", kind, id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", kind, id, ErrEntityNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load entity %s/%s: %w", kind, id, err)
	}
	return stateFromRecord(rec)
}

// Save applies patch in one transaction. A status change stamps LastTransitionAt.
func (r *GormEntityRepository) Save(ctx context.Context, kind, id string, patch EntityPatch) (*EntityState, error) {
	var saved models.EntityRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.EntityRecord
		if err := tx.Where("kind = ? AND ref = ?", kind, id).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%s/%s: %w", kind, id, ErrEntityNotFound)
			}
			return err
		}

		now := r.now()
		if patch.Name != nil {
			rec.Name = *patch.Name
		}
		if patch.Status != nil && *patch.Status != rec.Status {
			rec.Status = *patch.Status
			rec.LastTransitionAt = now
		}
		if patch.Value != nil {
			rec.Value = *patch.Value
		}
		if patch.AssigneeID != nil {
			rec.AssigneeID = *patch.AssigneeID
		}
		if len(patch.Fields) > 0 {
			fields := map[string]interface{}{}
			if rec.Fields != "" {
				if err := json.Unmarshal([]byte(rec.Fields), &fields); err != nil {
					return fmt.Errorf("decode fields: %w", err)
				}
			}
			for k, v := range patch.Fields {
				if v == nil {
					delete(fields, k)
					continue
				}
				fields[k] = v
			}
			data, err := json.Marshal(fields)
			if err != nil {
				return fmt.Errorf("encode fields: %w", err)
			}
			rec.Fields = string(data)
		}
		rec.UpdatedAt = now

		if err := tx.Save(&rec).Error; err != nil {
			return err
		}
		saved = rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save entity %s/%s: %w", kind, id, err)
	}
	return stateFromRecord(saved)
}

func (r *GormEntityRepository) Query(ctx context.Context, kind string, filter EntityFilter) ([]EntityState, error) {
	query := r.db.WithContext(ctx).Model(&models.EntityRecord{}).Where("kind = ?", kind)
	if len(filter.StatusIn) > 0 {
		query = query.Where("status IN ?", filter.StatusIn)
	}
	if len(filter.StatusNotIn) > 0 {
		query = query.Where("status NOT IN ?", filter.StatusNotIn)
	}
	if !filter.TransitionedBefore.IsZero() {
		query = query.Where("last_transition_at <= ?", filter.TransitionedBefore)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var recs []models.EntityRecord
	if err := query.Order("id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query entities %s: %w", kind, err)
	}

	out := make([]EntityState, 0, len(recs))
	for _, rec := range recs {
		st, err := stateFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, nil
}

func recordFromState(s EntityState) (*models.EntityRecord, error) {
	rec := &models.EntityRecord{
		Kind:             s.Kind,
		Ref:              s.ID,
		Name:             s.Name,
		Status:           s.Status,
		Value:            s.Value,
		AssigneeID:       s.AssigneeID,
		AssigneeRole:     s.AssigneeRole,
		Source:           s.Source,
		LastTransitionAt: s.LastTransitionAt,
		UpdatedAt:        s.UpdatedAt,
	}
	if len(s.Fields) > 0 {
		data, err := json.Marshal(s.Fields)
		if err != nil {
			return nil, fmt.Errorf("encode fields: %w", err)
		}
		rec.Fields = string(data)
	}
	return rec, nil
}

func stateFromRecord(rec models.EntityRecord) (*EntityState, error) {
	st := &EntityState{
		ID:               rec.Ref,
		Kind:             rec.Kind,
		Name:             rec.Name,
		Status:           rec.Status,
		Value:            rec.Value,
		AssigneeID:       rec.AssigneeID,
		AssigneeRole:     rec.AssigneeRole,
		Source:           rec.Source,
		LastTransitionAt: rec.LastTransitionAt,
		UpdatedAt:        rec.UpdatedAt,
	}
	if rec.Fields != "" {
		if err := json.Unmarshal([]byte(rec.Fields), &st.Fields); err != nil {
			return nil, fmt.Errorf("decode fields of %s/%s: %w", rec.Kind, rec.Ref, err)
		}
	}
	return st, nil
}
