package directory

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Activation is one row of the ownership table.
type Activation struct {
	GrainID     string    `gorm:"column:grain_id;primaryKey;size:255"`
	Node        string    `gorm:"column:node;size:128;not null;index"`
	ActivatedAt time.Time `gorm:"column:activated_at;not null"`
}

func (Activation) TableName() string {
	return "grain_activations"
}

// Postgres keeps the directory in a shared table so that several nodes agree on ownership.
type Postgres struct {
	db *gorm.DB
}

func NewPostgres(db *gorm.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates or updates the ownership table.
func (p *Postgres) Migrate(ctx context.Context) error {
	if err := p.db.WithContext(ctx).AutoMigrate(&Activation{}); err != nil {
		return errors.Wrap(err, "auto migrate grain activations")
	}
	return nil
}

func (p *Postgres) Claim(ctx context.Context, grainID, node string) (string, error) {
	row := Activation{
		GrainID:     grainID,
		Node:        node,
		ActivatedAt: time.Now().UTC(),
	}
	err := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return "", errors.Wrap(err, "insert activation").With("grain", grainID)
	}

	var owner Activation
	if err := p.db.WithContext(ctx).Where("grain_id = ?", grainID).Take(&owner).Error; err != nil {
		return "", errors.Wrap(err, "read activation owner").With("grain", grainID)
	}
	return owner.Node, nil
}

func (p *Postgres) Release(ctx context.Context, grainID, node string) error {
	err := p.db.WithContext(ctx).
		Where("grain_id = ? AND node = ?", grainID, node).
		Delete(&Activation{}).Error
	if err != nil {
		return errors.Wrap(err, "delete activation").With("grain", grainID)
	}
	return nil
}

func (p *Postgres) Lookup(ctx context.Context, grainID string) (string, bool, error) {
	var row Activation
	err := p.db.WithContext(ctx).Where("grain_id = ?", grainID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "lookup activation").With("grain", grainID)
	}
	return row.Node, true, nil
}

func (p *Postgres) ReleaseNode(ctx context.Context, node string) error {
	err := p.db.WithContext(ctx).Where("node = ?", node).Delete(&Activation{}).Error
	if err != nil {
		return errors.Wrap(err, "delete node activations").With("node", node)
	}
	return nil
}
