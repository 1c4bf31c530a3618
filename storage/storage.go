package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
)

// ErrNotFound is returned by Load when nothing was saved under the key.
var ErrNotFound = errors.New("snapshot not found")

// Backend persists opaque snapshots under string keys.
type Backend interface {
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
}

// DefaultPartition groups snapshot entities when no partition is configured.
const DefaultPartition = "taskboard"

type entityTable interface {
	CreateTable(ctx context.Context, options *aztables.CreateTableOptions) (aztables.CreateTableResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	GetEntity(ctx context.Context, partitionKey string, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
}

// Tables stores each snapshot as a single Azure Table entity.
type Tables struct {
	table     entityTable
	partition string
}

// NewTables creates a Tables backend from the given connection string.
func NewTables(connStr, tableName, partition string) (*Tables, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	return newTables(svc.NewClient(tableName), partition), nil
}

func newTables(table entityTable, partition string) *Tables {
	if partition == "" {
		partition = DefaultPartition
	}
	return &Tables{table: table, partition: partition}
}

// EnsureTable creates the backing table if it does not exist yet.
func (t *Tables) EnsureTable(ctx context.Context) error {
	_, err := t.table.CreateTable(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists) {
			return nil
		}
		return err
	}
	return nil
}

type snapshotEntity struct {
	aztables.Entity
	Data    string `json:"Data"`
	SavedAt int64  `json:"SavedAt"`
}

// Save upserts the snapshot entity. Entity string properties are limited to
// 64KiB by the service; larger snapshots fail with the service error.
func (t *Tables) Save(ctx context.Context, key string, data []byte) error {
	payload, err := encodeSnapshotEntity(t.partition, key, data, time.Now())
	if err != nil {
		return err
	}
	if _, err := t.table.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace}); err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

// Load fetches the snapshot entity.
func (t *Tables) Load(ctx context.Context, key string) ([]byte, error) {
	resp, err := t.table.GetEntity(ctx, t.partition, key, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return decodeSnapshotEntity(resp.Value)
}

func encodeSnapshotEntity(partition, key string, data []byte, now time.Time) ([]byte, error) {
	return sonic.Marshal(snapshotEntity{
		Entity:  aztables.Entity{PartitionKey: partition, RowKey: key},
		Data:    string(data),
		SavedAt: now.UnixMilli(),
	})
}

func decodeSnapshotEntity(raw []byte) ([]byte, error) {
	var ent struct {
		Data string `json:"Data"`
	}
	if err := sonic.Unmarshal(raw, &ent); err != nil {
		return nil, err
	}
	if ent.Data == "" {
		return nil, ErrNotFound
	}
	return []byte(ent.Data), nil
}
