package repositories_test

import (
	"context"
	"net/http"
	"os"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/migrations"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/ddl"
	"github.com/Ramsey-B/fern/pkg/document"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/schema"
	"github.com/Ramsey-B/fern/pkg/secrets"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getTestDB connects to the database named by the DB_* variables and migrates it. Tests skip
// when no database is reachable.
func getTestDB(t *testing.T) database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := database.Config{
		Host:     getenv("DB_HOST", "localhost"),
		Port:     getenv("DB_PORT", "5432"),
		User:     getenv("DB_USER_NAME", "user"),
		Password: getenv("DB_PASSWORD", "password"),
		Name:     getenv("DB_NAME", "fern_test"),
		SSLMode:  "disable",
	}
	conn, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		t.Skipf("test database unavailable: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	db := database.NewDatabaseInstance(conn, getTestLogger())
	migrator := database.NewMigrationService(getTestLogger(), &database.MigrationConfig{Embedded: migrations.FS})
	require.NoError(t, migrator.Migrate(db, cfg.Name))
	return db
}

func assertStatus(t *testing.T, err error, status int) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, status, httperror.GetStatusCode(err))
}

func newOrganization(t *testing.T, ctx context.Context, repo *repositories.OrganizationRepository) *models.Organization {
	t.Helper()
	key := "t" + uuid.NewString()[:8]
	org := &models.Organization{Key: key, Name: "Test " + key}
	require.NoError(t, repo.Create(ctx, org))
	t.Cleanup(func() { _ = repo.Delete(context.Background(), org.ID) })
	return org
}

func TestOrganizationRepository_CRUD(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	repo := repositories.NewOrganizationRepository(db, getTestLogger())

	org := newOrganization(t, ctx, repo)
	assert.Equal(t, "fern_"+org.Key, org.ReplicationSchema)

	got, err := repo.GetByKey(ctx, org.Key)
	require.NoError(t, err)
	assert.Equal(t, org.ID, got.ID)

	_, err = repo.GetByID(ctx, uuid.New())
	assertStatus(t, err, http.StatusNotFound)

	err = repo.Create(ctx, &models.Organization{Key: "Bad Key", Name: "x"})
	assertStatus(t, err, http.StatusBadRequest)
}

func TestServiceIntegrationRepository_SealsCredentials(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	orgs := repositories.NewOrganizationRepository(db, getTestLogger())
	org := newOrganization(t, ctx, orgs)

	box, err := secrets.NewBox(make([]byte, secrets.KeySize))
	require.NoError(t, err)
	repo := repositories.NewServiceIntegrationRepository(db, box, getTestLogger())

	parent := &models.ServiceIntegration{
		OrganizationID: org.ID,
		ServiceName:    "rentals_listing_v1",
		TableName:      "listings_" + org.Key,
		WebhookSecret:  "whsec",
		BackfillKey:    "tok",
	}
	require.NoError(t, repo.Create(ctx, parent))
	assert.NotEmpty(t, parent.OpaqueID)

	var raw []byte
	require.NoError(t, db.GetContext(ctx, &raw, "SELECT backfill_key FROM service_integrations WHERE id = $1", parent.ID))
	assert.NotEqual(t, []byte("tok"), raw)

	got, err := repo.GetByOpaqueID(ctx, parent.OpaqueID)
	require.NoError(t, err)
	assert.Equal(t, "whsec", got.WebhookSecret)
	assert.Equal(t, "tok", got.BackfillKey)

	child := &models.ServiceIntegration{
		OrganizationID: org.ID,
		ServiceName:    "rentals_listing_photo_v1",
		TableName:      "photos_" + org.Key,
		DependsOnID:    &parent.ID,
	}
	require.NoError(t, repo.Create(ctx, child))

	child.APIURL = "https://api.example.com"
	require.NoError(t, repo.Update(ctx, child))

	list, err := repo.ListByOrganization(ctx, org.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, repo.Delete(ctx, parent.ID))
	got, err = repo.GetByID(ctx, child.ID)
	require.NoError(t, err)
	assert.Nil(t, got.DependsOnID)

	assertStatus(t, repo.Delete(ctx, parent.ID), http.StatusNotFound)
}

func TestRowRepository_Upsert(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	orgs := repositories.NewOrganizationRepository(db, getTestLogger())
	org := newOrganization(t, ctx, orgs)

	target := resolver.Target{
		Schema:          org.ReplicationSchema,
		Table:           "items",
		RemoteKey:       schema.Column{Name: "sku", Type: schema.Text, Path: "sku"},
		Columns:         []schema.Column{{Name: "quantity", Type: schema.Integer}, {Name: "modified_at", Type: schema.Timestamp}},
		RecencyColumn:   "modified_at",
		SupportsRowDiff: true,
	}
	stmts, err := ddl.NewGenerator().Statements(ddl.Input{
		Schema:       target.Schema,
		ShortID:      "svi_test",
		Table:        target.Table,
		RemoteKey:    target.RemoteKey,
		Denormalized: target.Columns,
	})
	require.NoError(t, err)
	require.NoError(t, repositories.NewDDLRepository(db, getTestLogger()).ExecDDL(ctx, stmts))

	evaluator := expressions.NewEvaluator()
	rows := repositories.NewRowRepository(db, evaluator, getTestLogger())
	project := func(doc document.Document) (map[string]any, error) {
		return evaluator.Extract(doc, target.Columns)
	}

	first, err := rows.Upsert(ctx, target, "A1", document.Document{"sku": "A1", "quantity": float64(3), "modified_at": "2024-03-02T00:00:00Z"}, project)
	require.NoError(t, err)
	assert.True(t, first.Applied)
	assert.Nil(t, first.Prior)

	stale, err := rows.Upsert(ctx, target, "A1", document.Document{"quantity": float64(1), "modified_at": "2024-03-01T00:00:00Z"}, project)
	require.NoError(t, err)
	assert.False(t, stale.Applied)

	newer, err := rows.Upsert(ctx, target, "A1", document.Document{"quantity": float64(5), "modified_at": "2024-03-03T00:00:00Z"}, project)
	require.NoError(t, err)
	assert.True(t, newer.Applied)
	assert.Equal(t, first.Row.PK, newer.Row.PK)
	assert.Equal(t, "A1", newer.Row.Data["sku"])
	assert.Equal(t, float64(5), newer.Row.Data["quantity"])

	deleted, err := rows.Delete(ctx, target, "A1")
	require.NoError(t, err)
	require.NotNil(t, deleted)

	missing, err := rows.Find(ctx, target, "A1")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPropagationRepository_Ledger(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	org := newOrganization(t, ctx, repositories.NewOrganizationRepository(db, getTestLogger()))

	box, err := secrets.NewBox(make([]byte, secrets.KeySize))
	require.NoError(t, err)
	si := &models.ServiceIntegration{
		OrganizationID: org.ID,
		ServiceName:    "rentals_listing_v1",
		TableName:      "listings_" + org.Key,
	}
	require.NoError(t, repositories.NewServiceIntegrationRepository(db, box, getTestLogger()).Create(ctx, si))

	ledger := repositories.NewPropagationRepository(db, getTestLogger())
	_, found, err := ledger.LastPropagated(ctx, si.ID, "12")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, ledger.MarkPropagated(ctx, si.ID, "12", "first"))
	require.NoError(t, ledger.MarkPropagated(ctx, si.ID, "12", "second"))

	fp, found, err := ledger.LastPropagated(ctx, si.ID, "12")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "second", fp)
}

func TestBackfillJobRepository_HasActive(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	org := newOrganization(t, ctx, repositories.NewOrganizationRepository(db, getTestLogger()))

	box, err := secrets.NewBox(make([]byte, secrets.KeySize))
	require.NoError(t, err)
	si := &models.ServiceIntegration{
		OrganizationID: org.ID,
		ServiceName:    "status_poll_v1",
		TableName:      "status_" + org.Key,
	}
	require.NoError(t, repositories.NewServiceIntegrationRepository(db, box, getTestLogger()).Create(ctx, si))

	jobs := repositories.NewBackfillJobRepository(db, getTestLogger())
	active, err := jobs.HasActive(ctx, si.ID)
	require.NoError(t, err)
	assert.False(t, active)

	job := &models.BackfillJob{OrganizationID: org.ID, ServiceIntegrationID: si.ID}
	require.NoError(t, jobs.Create(ctx, job))
	active, err = jobs.HasActive(ctx, si.ID)
	require.NoError(t, err)
	assert.True(t, active)

	job.Status = models.BackfillJobSucceeded
	require.NoError(t, jobs.Update(ctx, job))
	active, err = jobs.HasActive(ctx, si.ID)
	require.NoError(t, err)
	assert.False(t, active)
}
