package fixture

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commitline/internal/db"
	"commitline/internal/migrate"
	"commitline/internal/repo"
)

const doc = `
tenants:
  - id: T1
    offerings:
      - id: O1
        name: Solar kit
        templates:
          - {id: TPL-A, name: Installation, estimated_hours: 8, resource_type: technician}
          - {id: TPL-B, name: Training, estimated_hours: 2, resource_type: trainer}
          - {id: TPL-OLD, name: Retired, deleted: true}
    commitments:
      - id: C1
        customer_id: CUST-1
        status: active
        total_value: 120000
        items:
          - id: I1
            offering_id: O1
            quantity: 2
            metadata:
              deliverable_overrides:
                TPL-B: {quantity: 1}
          - {id: I2, offering_id: O1}
`

func TestLoad(t *testing.T) {
	f, err := Parse([]byte(doc))
	require.NoError(t, err)

	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	ctx := context.Background()
	sum, err := Load(ctx, conn, f, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, Summary{Offerings: 1, Templates: 3, Commitments: 1, Items: 2}, sum)

	r := repo.Repo{DB: conn}
	items, err := r.ListCommitmentItems(ctx, conn, "C1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "I1", items[0].ID)
	assert.Equal(t, 1, items[1].Quantity, "quantity defaults to 1")
	assert.JSONEq(t, `{"deliverable_overrides":{"TPL-B":{"quantity":1}}}`, string(items[0].Metadata))

	templates, err := r.ListTemplatesForOffering(ctx, conn, "T1", "O1")
	require.NoError(t, err)
	require.Len(t, templates, 2, "soft-deleted templates are hidden")
	assert.Equal(t, "TPL-A", templates[0].ID)
}

func TestParseRequiresTenantID(t *testing.T) {
	_, err := Parse([]byte("tenants:\n  - offerings: []\n"))
	assert.Error(t, err)
}
