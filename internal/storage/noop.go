package storage

import (
	"context"

	"github.com/altiora-ai/callcore/internal/types"
)

// Store defines the storage interface
type Store interface {
	SaveCallRecord(ctx context.Context, record types.CallRecord) error
	GetCallRecords(ctx context.Context, dateKey string) ([]types.CallRecord, error)
	GetBusinessCallsByDate(ctx context.Context, businessID, date string) ([]types.CallRecord, error)

	SaveDeliveryFailure(ctx context.Context, f types.DeliveryFailure) error
	GetDeliveryFailures(ctx context.Context, callID string) ([]types.DeliveryFailure, error)
	ListDeliveryFailures(ctx context.Context, limit int) ([]types.DeliveryFailure, error)
	DeleteDeliveryFailure(ctx context.Context, callID, eventKey string) error

	SaveOutboxEntry(ctx context.Context, e types.OutboxEntry) error
	DeleteOutboxEntry(ctx context.Context, callID string, seq int64) error
	ListOutbox(ctx context.Context) ([]types.OutboxEntry, error)

	TruncateAll(ctx context.Context) error
}

// NoopStore is a no-op implementation when DynamoDB is disabled
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (s *NoopStore) SaveCallRecord(context.Context, types.CallRecord) error { return nil }
func (s *NoopStore) GetCallRecords(context.Context, string) ([]types.CallRecord, error) {
	return nil, nil
}
func (s *NoopStore) GetBusinessCallsByDate(context.Context, string, string) ([]types.CallRecord, error) {
	return nil, nil
}
func (s *NoopStore) SaveDeliveryFailure(context.Context, types.DeliveryFailure) error { return nil }
func (s *NoopStore) GetDeliveryFailures(context.Context, string) ([]types.DeliveryFailure, error) {
	return nil, nil
}
func (s *NoopStore) ListDeliveryFailures(context.Context, int) ([]types.DeliveryFailure, error) {
	return nil, nil
}
func (s *NoopStore) DeleteDeliveryFailure(context.Context, string, string) error { return nil }
func (s *NoopStore) SaveOutboxEntry(context.Context, types.OutboxEntry) error    { return nil }
func (s *NoopStore) DeleteOutboxEntry(context.Context, string, int64) error      { return nil }
func (s *NoopStore) ListOutbox(context.Context) ([]types.OutboxEntry, error)     { return nil, nil }
func (s *NoopStore) TruncateAll(context.Context) error                           { return nil }
