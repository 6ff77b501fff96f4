package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Message 描述一条随业务事务一起写入 outbox 的事件
type Message struct {
	AggregateType string
	// AggregateID 为 0 表示事件不属于单个聚合
	AggregateID int64
	RoutingKey  string
	Payload     any
}

// InsertEventInTx 在业务事务中写入 outbox 事件，随事务一起提交或回滚
func InsertEventInTx(ctx context.Context, tx pgx.Tx, repo *Repository, msg Message) error {
	if msg.RoutingKey == "" {
		return errors.New("outbox: routing key is required")
	}

	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox payload for %s: %w", msg.RoutingKey, err)
	}

	var aggregateID *int64
	if msg.AggregateID != 0 {
		id := msg.AggregateID
		aggregateID = &id
	}

	return repo.InsertEvent(ctx, tx, &Event{
		AggregateType: msg.AggregateType,
		AggregateID:   aggregateID,
		RoutingKey:    msg.RoutingKey,
		Payload:       payload,
		Status:        StatusPending,
	})
}
