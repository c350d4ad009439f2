// Package bucket decides storage-tier placement from record confidence and
// drives relocations when a record crosses the threshold.
package bucket

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stacklight/faxpipe/internal/objectstore"
	"github.com/stacklight/faxpipe/internal/types"
)

// Policy maps a confidence score to a tier. The default threshold is 0.95.
type Policy struct {
	Threshold float64
}

// NewPolicy builds a policy; a non-positive threshold falls back to 0.95.
func NewPolicy(threshold float64) Policy {
	if threshold <= 0 {
		threshold = 0.95
	}
	return Policy{Threshold: threshold}
}

// Bucket returns TierHigh iff confidence meets the threshold.
func (p Policy) Bucket(confidence float64) types.Tier {
	if confidence >= p.Threshold {
		return types.TierHigh
	}
	return types.TierReview
}

// Relocator moves a record's source and processed objects between tiers,
// preserving the processing id and epoch embedded in the keys.
type Relocator struct {
	objects objectstore.Store
	log     *zap.Logger
}

// NewRelocator builds a relocation driver over the object store.
func NewRelocator(objects objectstore.Store, log *zap.Logger) *Relocator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relocator{objects: objects, log: log}
}

// Plan computes the destination keys for a record under the given tier.
// Keys already in the right tier come back unchanged.
func (r *Relocator) Plan(rec *types.ProcessedRecord, tier types.Tier) (srcDst, procDst string, err error) {
	srcDst, err = objectstore.Retier(rec.SourcePath, tier)
	if err != nil {
		return "", "", fmt.Errorf("planning source relocation: %w", err)
	}
	procDst, err = objectstore.Retier(rec.ProcessedPath, tier)
	if err != nil {
		return "", "", fmt.Errorf("planning processed relocation: %w", err)
	}
	return srcDst, procDst, nil
}

// Relocate moves both objects to the target tier. If the second move fails
// the first is rolled back so the record never straddles tiers.
func (r *Relocator) Relocate(ctx context.Context, rec *types.ProcessedRecord, tier types.Tier) (srcDst, procDst string, err error) {
	srcDst, procDst, err = r.Plan(rec, tier)
	if err != nil {
		return "", "", err
	}
	if srcDst == rec.SourcePath && procDst == rec.ProcessedPath {
		return srcDst, procDst, nil
	}

	if err := r.objects.Move(ctx, rec.SourcePath, srcDst); err != nil {
		return "", "", fmt.Errorf("relocating source: %w", err)
	}
	if err := r.objects.Move(ctx, rec.ProcessedPath, procDst); err != nil {
		if rbErr := r.objects.Move(ctx, srcDst, rec.SourcePath); rbErr != nil {
			r.log.Error("relocation rollback failed; source object left in new tier",
				zap.String("processing_id", rec.ProcessingID),
				zap.Error(rbErr))
		}
		return "", "", fmt.Errorf("relocating processed json: %w", err)
	}

	r.log.Info("record relocated",
		zap.String("processing_id", rec.ProcessingID),
		zap.String("tier", string(tier)))
	return srcDst, procDst, nil
}
