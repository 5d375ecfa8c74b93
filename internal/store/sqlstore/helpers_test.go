package sqlstore

import (
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store/storetest"
)

func storetestOp(id string) model.Operation {
	return model.Operation{
		ID:        id,
		Kind:      model.OpCreateRecord,
		Payload:   `{}`,
		Status:    model.StatusPending,
		CreatedAt: storetest.Epoch,
	}
}
