// Package positions moves position snapshots from upstream systems into the
// pipeline. Every snapshot is validated at the boundary.
package positions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"riskpulse/internal/models"
)

var (
	ErrNotFound        = errors.New("positions not found")
	ErrInvalidSnapshot = errors.New("invalid position snapshot")
)

// Source is the pull side: the current snapshot for one user.
type Source interface {
	Snapshot(ctx context.Context, userID string) (models.PositionSnapshot, error)
}

// Sink accepts pushed snapshots.
type Sink interface {
	Submit(snap models.PositionSnapshot) error
}

// Validate checks a snapshot and normalizes symbols to upper case.
func Validate(v *validator.Validate, snap *models.PositionSnapshot) error {
	snap.UserID = strings.TrimSpace(snap.UserID)
	for i := range snap.Positions {
		snap.Positions[i].Symbol = strings.ToUpper(strings.TrimSpace(snap.Positions[i].Symbol))
		if snap.Positions[i].AssetClass == "" {
			snap.Positions[i].AssetClass = models.AssetOther
		}
	}
	if err := v.Struct(snap); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return nil
}

// Decode parses a JSON snapshot and validates it. A zero AsOf is set to now.
func Decode(v *validator.Validate, raw []byte, now time.Time) (models.PositionSnapshot, error) {
	var snap models.PositionSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return models.PositionSnapshot{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if err := Validate(v, &snap); err != nil {
		return models.PositionSnapshot{}, err
	}
	if snap.AsOf.IsZero() {
		snap.AsOf = now
	}
	return snap, nil
}
