//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/invoice-reconciler/internal/domain/order"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx := context.Background()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "postgres:16-alpine",
				ExposedPorts: []string{"5432/tcp"},
				Env: map[string]string{
					"POSTGRES_USER":     "invoice",
					"POSTGRES_PASSWORD": "invoice",
					"POSTGRES_DB":       "invoice",
				},
				WaitingFor: wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			log.Printf("starting postgres container: %v", err)
			return 1
		}
		defer func() {
			if err := c.Terminate(ctx); err != nil {
				log.Printf("terminating postgres container: %v", err)
			}
		}()

		host, err := c.Host(ctx)
		if err != nil {
			log.Printf("container host: %v", err)
			return 1
		}
		port, err := c.MappedPort(ctx, "5432/tcp")
		if err != nil {
			log.Printf("container port: %v", err)
			return 1
		}
		dsn = fmt.Sprintf("postgres://invoice:invoice@%s:%s/invoice?sslmode=disable", host, port.Port())
	}

	pool, err := NewPool(ctx, dsn)
	if err != nil {
		log.Printf("creating pool: %v", err)
		return 1
	}
	defer pool.Close()

	if _, err := RunMigrations(ctx, pool); err != nil {
		log.Printf("running migrations: %v", err)
		return 1
	}
	testPool = pool

	return m.Run()
}

func newOrder(t *testing.T) *order.Order {
	t.Helper()
	items := []order.LineItem{
		{Name: "Keyboard", UnitPrice: decimal.RequireFromString("149.90"), Quantity: 2},
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &order.Order{
		ID:        uuid.NewString(),
		Customer:  order.Customer{FullName: "Ana Souza", Email: "ana@example.com", TaxID: "12345678901"},
		Items:     items,
		Total:     order.CalcTotal(items),
		Status:    order.StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	applied, err := RunMigrations(context.Background(), testPool)
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestOrderRepository_CreateGet(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(testPool)
	o := newOrder(t)

	require.NoError(t, repo.Create(ctx, o))

	got, err := repo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, o.Customer, got.Customer)
	assert.Equal(t, order.StatusCreated, got.Status)
	assert.True(t, o.Total.Equal(got.Total))
	require.Len(t, got.Items, 1)
	assert.True(t, o.Items[0].UnitPrice.Equal(got.Items[0].UnitPrice))
	assert.Equal(t, 2, got.Items[0].Quantity)

	_, err = repo.Get(ctx, uuid.NewString())
	require.ErrorIs(t, err, order.ErrNotFound)
	_, err = repo.Get(ctx, "garbage")
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestOrderRepository_SetStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(testPool)
	o := newOrder(t)
	require.NoError(t, repo.Create(ctx, o))

	require.NoError(t, repo.SetStatus(ctx, o.ID, order.StatusPending))
	require.ErrorIs(t, repo.SetStatus(ctx, o.ID, order.StatusPending), order.ErrConditionFailed)
	require.NoError(t, repo.SetStatus(ctx, o.ID, order.StatusApproved))
	require.ErrorIs(t, repo.SetStatus(ctx, o.ID, order.StatusDenied), order.ErrConditionFailed)

	got, err := repo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusApproved, got.Status)

	require.ErrorIs(t, repo.SetStatus(ctx, uuid.NewString(), order.StatusApproved), order.ErrNotFound)
}

func TestOrderRepository_SetStatusConcurrent(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(testPool)
	o := newOrder(t)
	require.NoError(t, repo.Create(ctx, o))

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			to := order.StatusApproved
			if i%2 == 1 {
				to = order.StatusDenied
			}
			err := repo.SetStatus(ctx, o.ID, to)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, order.ErrConditionFailed)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestOrderRepository_ListStale(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(testPool)

	old := newOrder(t)
	old.CreatedAt = old.CreatedAt.Add(-time.Hour)
	require.NoError(t, repo.Create(ctx, old))

	fresh := newOrder(t)
	require.NoError(t, repo.Create(ctx, fresh))

	cutoff := time.Now().Add(-30 * time.Minute)
	stale, err := repo.ListStale(ctx, order.StatusCreated, cutoff, 100)
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, o := range stale {
		ids[o.ID] = true
		assert.True(t, o.CreatedAt.Before(cutoff))
	}
	assert.True(t, ids[old.ID])
	assert.False(t, ids[fresh.ID])

	older := newOrder(t)
	older.CreatedAt = older.CreatedAt.Add(-2 * time.Hour)
	require.NoError(t, repo.Create(ctx, older))

	limited, err := repo.ListStale(ctx, order.StatusCreated, cutoff, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	for _, limit := range []int{0, -1} {
		all, err := repo.ListStale(ctx, order.StatusCreated, cutoff, limit)
		require.NoError(t, err, "limit %d", limit)
		assert.Len(t, all, len(stale)+1, "limit %d", limit)
	}
}
