package db

import (
	"context"

	"github.com/ceramicnetwork/go-notary/models"
)

type monitor struct {
	committedDb *CommittedStateDatabase
}

// NewDbMonitor reports the number of committed states, for use as a gauge.
func NewDbMonitor(committedDb *CommittedStateDatabase) models.ResourceMonitor {
	return &monitor{committedDb}
}

func (m monitor) GetValue(ctx context.Context) (int, error) {
	return m.committedDb.CommittedStateCount(ctx)
}
