// pkg/conflict/resolver.go
package conflict

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/parcelpoint/syncd/pkg/config"
	"github.com/parcelpoint/syncd/pkg/model"
)

// Outcome is the resolver's decision for a single conflict.
type Outcome struct {
	Resolution model.Resolution
	// Apply is the record to write to the target, or nil when the target's
	// current value stands (target_wins, manual).
	Apply model.Record
	// Delete reports that the winning source side has no record: the
	// conflict came from a delete, and resolving for the source removes the
	// target row.
	Delete bool
	// Open reports whether the conflict remains open for later resolution.
	Open bool
}

// Resolver decides the winner when both sides of a row diverged since the
// last sync.
type Resolver struct {
	mapping  *config.Mapping
	strategy model.Resolution
	logger   *zap.Logger
}

// NewResolver creates a resolver with the deployment's default strategy.
func NewResolver(mapping *config.Mapping, strategy string, logger *zap.Logger) (*Resolver, error) {
	res := model.Resolution(strategy)
	if !res.IsValid() {
		return nil, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
	return &Resolver{mapping: mapping, strategy: res, logger: logger}, nil
}

// Resolve applies the configured strategy to an open conflict. Under manual
// the conflict stays open and nothing is applied; every other strategy
// resolves it immediately with the system identity.
func (r *Resolver) Resolve(c *model.Conflict) Outcome {
	return r.resolveAs(c, r.strategy, "system")
}

// ResolveAs applies an explicit strategy on behalf of an identity, used by
// the control surface when an operator settles conflicts after the fact.
func (r *Resolver) ResolveAs(c *model.Conflict, resolution model.Resolution, resolver string) (Outcome, error) {
	if !resolution.IsValid() {
		return Outcome{}, fmt.Errorf("unknown resolution %q", resolution)
	}
	if resolution == model.ResolutionManual {
		return Outcome{}, fmt.Errorf("manual is not a terminal resolution; choose source_wins, target_wins, or merged")
	}
	if c.State == model.ConflictResolved {
		return Outcome{}, fmt.Errorf("conflict %s is already resolved", c.ID)
	}
	return r.resolveAs(c, resolution, resolver), nil
}

func (r *Resolver) resolveAs(c *model.Conflict, resolution model.Resolution, resolver string) Outcome {
	var out Outcome
	switch resolution {
	case model.ResolutionSourceWins:
		if c.SourceValues == nil {
			// Delete-originated conflict: the source side won and the source
			// row is gone, so the target row goes too.
			out = Outcome{Resolution: resolution, Delete: true}
		} else {
			out = Outcome{Resolution: resolution, Apply: c.SourceValues}
		}
	case model.ResolutionTargetWins:
		out = Outcome{Resolution: resolution}
	case model.ResolutionMerged:
		out = Outcome{Resolution: resolution, Apply: r.merge(c)}
	case model.ResolutionManual:
		// The row is skipped and the conflict stays open for an operator.
		return Outcome{Resolution: resolution, Open: true}
	}

	c.Resolve(resolution, resolver)
	r.logger.Info("Conflict resolved",
		zap.String("conflict_id", c.ID),
		zap.String("table", c.Table),
		zap.String("pk", c.PKDisplay),
		zap.String("resolution", string(resolution)),
		zap.String("resolver", resolver))
	return out
}

// merge combines both sides field by field. A field's declared merge winner
// decides; undeclared fields default to the source side, matching the
// engine's general direction of flow.
func (r *Resolver) merge(c *model.Conflict) model.Record {
	merged := c.TargetValues.Clone()
	for field, sourceVal := range c.SourceValues {
		fc := r.mapping.FieldFor(c.Table, field)
		if fc != nil && fc.MergeWinner == "target" {
			continue
		}
		merged[field] = sourceVal
	}
	return merged
}
