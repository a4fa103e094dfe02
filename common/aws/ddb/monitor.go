package ddb

import (
	"context"

	"github.com/ceramicnetwork/go-notary/models"
)

type monitor struct {
	table *CommittedStateTable
}

// NewTableMonitor reports DynamoDB's approximate count of committed states, for use as a gauge.
func NewTableMonitor(table *CommittedStateTable) models.ResourceMonitor {
	return &monitor{table}
}

func (m monitor) GetValue(ctx context.Context) (int, error) {
	return m.table.CommittedStateCount(ctx)
}
