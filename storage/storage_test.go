package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
)

type fakeTable struct {
	entities  map[string][]byte
	createErr error
	upserts   int
}

func newFakeTable() *fakeTable {
	return &fakeTable{entities: make(map[string][]byte)}
}

func (f *fakeTable) CreateTable(context.Context, *aztables.CreateTableOptions) (aztables.CreateTableResponse, error) {
	return aztables.CreateTableResponse{}, f.createErr
}

func (f *fakeTable) UpsertEntity(_ context.Context, entity []byte, _ *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error) {
	var ent struct {
		PartitionKey string `json:"PartitionKey"`
		RowKey       string `json:"RowKey"`
	}
	if err := sonic.Unmarshal(entity, &ent); err != nil {
		return aztables.UpsertEntityResponse{}, err
	}
	f.upserts++
	f.entities[ent.PartitionKey+"/"+ent.RowKey] = entity
	return aztables.UpsertEntityResponse{}, nil
}

func (f *fakeTable) GetEntity(_ context.Context, pk, rk string, _ *aztables.GetEntityOptions) (aztables.GetEntityResponse, error) {
	raw, ok := f.entities[pk+"/"+rk]
	if !ok {
		return aztables.GetEntityResponse{}, &azcore.ResponseError{StatusCode: 404, ErrorCode: "ResourceNotFound"}
	}
	return aztables.GetEntityResponse{Value: raw}, nil
}

func TestDecodeSnapshotEntity(t *testing.T) {
	data := []byte(`{"PartitionKey":"taskboard","RowKey":"taskboard-tasks","Data":"{\"tasks\":[]}","SavedAt":1}`)
	got, err := decodeSnapshotEntity(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(got) != `{"tasks":[]}` {
		t.Fatalf("unexpected snapshot: %s", got)
	}
}

func TestTablesSaveLoad(t *testing.T) {
	table := newFakeTable()
	backend := newTables(table, "")
	ctx := context.Background()

	if _, err := backend.Load(ctx, "taskboard-kanban"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := backend.Save(ctx, "taskboard-kanban", []byte(`{"boards":[]}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := backend.Save(ctx, "taskboard-kanban", []byte(`{"boards":[{"id":"b1"}]}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := backend.Load(ctx, "taskboard-kanban")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != `{"boards":[{"id":"b1"}]}` {
		t.Fatalf("unexpected snapshot: %s", got)
	}
	if _, ok := table.entities[DefaultPartition+"/taskboard-kanban"]; !ok {
		t.Fatalf("expected entity in default partition, got %v", table.entities)
	}
}

func TestTablesEnsureTableIgnoresExisting(t *testing.T) {
	table := newFakeTable()
	table.createErr = &azcore.ResponseError{StatusCode: 409, ErrorCode: string(aztables.TableAlreadyExists)}
	if err := newTables(table, "p").EnsureTable(context.Background()); err != nil {
		t.Fatalf("expected existing table to be accepted, got %v", err)
	}

	table.createErr = &azcore.ResponseError{StatusCode: 403, ErrorCode: "AuthorizationFailure"}
	if err := newTables(table, "p").EnsureTable(context.Background()); err == nil {
		t.Fatal("expected authorization error")
	}
}

func TestFileSaveLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	f, err := NewFile(dir)
	if err != nil {
		t.Fatalf("new file backend: %v", err)
	}
	ctx := context.Background()

	if _, err := f.Load(ctx, "taskboard-tasks"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := f.Save(ctx, "taskboard-tasks", []byte("one")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := f.Save(ctx, "taskboard-tasks", []byte("two")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := f.Load(ctx, "taskboard-tasks")
	if err != nil || string(got) != "two" {
		t.Fatalf("load = %q, %v", got, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "taskboard-tasks.json" {
		t.Fatalf("expected only the snapshot file, got %v", entries)
	}
}

func TestFileSanitizesKeys(t *testing.T) {
	f, err := NewFile(t.TempDir())
	if err != nil {
		t.Fatalf("new file backend: %v", err)
	}
	if got := filepath.Base(f.Path("../escape/key")); got != "___escape_key.json" {
		t.Fatalf("unexpected path %q", got)
	}
}

func TestFileHonoursCancelledContext(t *testing.T) {
	f, err := NewFile(t.TempDir())
	if err != nil {
		t.Fatalf("new file backend: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.Save(ctx, "k", []byte("v")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRedisSaveLoad(t *testing.T) {
	mr, client := newTestRedis(t)
	backend := NewRedis(client, "tb:")
	ctx := context.Background()

	if _, err := backend.Load(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := backend.Save(ctx, "k", []byte("payload")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got, _ := mr.Get("tb:k"); got != "payload" {
		t.Fatalf("unexpected stored value %q", got)
	}
	if ttl := mr.TTL("tb:k"); ttl != 0 {
		t.Fatalf("snapshots should not expire, ttl=%v", ttl)
	}
	got, err := backend.Load(ctx, "k")
	if err != nil || string(got) != "payload" {
		t.Fatalf("load = %q, %v", got, err)
	}
}

func TestMemoryCopiesData(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	buf := []byte("abc")
	if err := m.Save(ctx, "k", buf); err != nil {
		t.Fatalf("save: %v", err)
	}
	buf[0] = 'x'
	got, err := m.Load(ctx, "k")
	if err != nil || string(got) != "abc" {
		t.Fatalf("load = %q, %v", got, err)
	}
	if _, err := m.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEncodeSnapshotEntityRoundTrip(t *testing.T) {
	raw, err := encodeSnapshotEntity("p", "k", []byte("data"), time.UnixMilli(42))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeSnapshotEntity(raw)
	if err != nil || string(got) != "data" {
		t.Fatalf("decode = %q, %v", got, err)
	}
}
