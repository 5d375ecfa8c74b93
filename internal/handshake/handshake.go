// Package handshake records user-declared links between a local entity and
// a cached foundation record.
package handshake

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/oplog"
	"github.com/roach88/fieldsync/internal/search"
)

// Linker validates link targets offline and logs LINK_ENTITY operations.
type Linker struct {
	index *search.Index
	ops   *oplog.Log
	log   *zap.Logger
}

func New(index *search.Index, ops *oplog.Log, logger *zap.Logger) *Linker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Linker{index: index, ops: ops, log: logger}
}

// Link appends a LINK_ENTITY operation from sourceID to targetID. The
// target must exist in the local foundation data; otherwise nothing is
// recorded and a NOT_FOUND fault is returned. meta is merged into the
// payload but cannot override source_id, target_id or target_kind.
func (l *Linker) Link(ctx context.Context, sourceID, targetID string, meta map[string]any) (string, error) {
	if strings.TrimSpace(sourceID) == "" || strings.TrimSpace(targetID) == "" {
		return "", fault.New(fault.CodeInvalid, "handshake.link", "source and target ids are required")
	}
	target, err := l.index.Lookup(ctx, targetID)
	if err != nil {
		if fault.IsNotFound(err) {
			l.log.Info("link rejected: unknown target", zap.String("source_id", sourceID), zap.String("target_id", targetID))
			return "", fault.New(fault.CodeNotFound, "handshake.link", "no foundation record "+targetID)
		}
		return "", err
	}

	payload := make(map[string]any, len(meta)+3)
	for k, v := range meta {
		payload[k] = v
	}
	payload["source_id"] = sourceID
	payload["target_id"] = target.ID
	payload["target_kind"] = string(target.Kind)

	id, err := l.ops.Append(ctx, model.OpLinkEntity, payload)
	if err != nil {
		return "", err
	}
	l.log.Info("link recorded",
		zap.String("op_id", id),
		zap.String("source_id", sourceID),
		zap.String("target_id", targetID))
	return id, nil
}
