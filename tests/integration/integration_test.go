//go:build integration
// +build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"campaigner/internal/campaign"
	"campaigner/internal/domain"
	"campaigner/internal/store/pg"
	"campaigner/internal/tenant"
)

type collectQueue struct {
	jobs []domain.DispatchJob
}

func (q *collectQueue) Publish(ctx context.Context, job domain.DispatchJob) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func TestStartToCompletion(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	scope := &tenant.Scope{Pool: db}
	q := &collectQueue{}
	svc := &campaign.Service{Store: pg.New(scope), Queue: q}

	insertTenant(t, db, "t1")
	scopedExec(t, scope, "t1", `
		INSERT INTO contacts (id, tenant_id, phone, attrs)
		VALUES ('c1','t1','+15550001','{"name":"Ada"}'),
		       ('c2','t1','+15550002','{"name":"Lin"}')
	`)
	scopedExec(t, scope, "t1", `
		INSERT INTO campaigns (id, tenant_id, gateway_instance_id, name, message_body)
		VALUES ('cmp_1','t1','gw_1','launch','hi {{name}}')
	`)
	scopedExec(t, scope, "t1", `
		INSERT INTO campaign_contacts (tenant_id, campaign_id, contact_id)
		VALUES ('t1','cmp_1','c1'), ('t1','cmp_1','c2')
	`)

	if err := svc.Start(context.Background(), "t1", "cmp_1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(q.jobs) != 2 {
		t.Fatalf("enqueued %d jobs, want 2", len(q.jobs))
	}

	c, found, err := svc.Get(context.Background(), "t1", "cmp_1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if c.Status != domain.CampaignRunning || c.TotalRecipients != 2 {
		t.Fatalf("campaign = %+v", c)
	}

	// a second start must lose
	if err := svc.Start(context.Background(), "t1", "cmp_1"); !errors.Is(err, domain.ErrCampaignNotDraft) {
		t.Fatalf("restart err = %v", err)
	}

	for i, job := range q.jobs {
		err := svc.RecordOutcome(context.Background(), campaign.Outcome{
			TenantID:     "t1",
			CampaignID:   "cmp_1",
			RecipientID:  job.RecipientID,
			Status:       domain.RecipientSent,
			GatewayMsgID: fmt.Sprintf("wamid.%d", i),
		})
		if err != nil {
			t.Fatalf("outcome %d: %v", i, err)
		}
	}

	c, _, _ = svc.Get(context.Background(), "t1", "cmp_1")
	if c.Status != domain.CampaignCompleted {
		t.Fatalf("status = %s, want completed", c.Status)
	}
	if c.SentCount != 2 || c.FailedCount != 0 {
		t.Fatalf("counters sent=%d failed=%d", c.SentCount, c.FailedCount)
	}
	if c.CompletedAt == nil {
		t.Fatal("completed_at not stamped")
	}
}

func TestStartSurvivesMalformedContactAttrs(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	scope := &tenant.Scope{Pool: db}
	q := &collectQueue{}
	svc := &campaign.Service{Store: pg.New(scope), Queue: q}

	insertTenant(t, db, "t1")
	// attrs is valid jsonb but not an object, so it cannot feed placeholders
	scopedExec(t, scope, "t1", `
		INSERT INTO contacts (id, tenant_id, phone, attrs)
		VALUES ('c1','t1','+15550001','["not","an","object"]')
	`)
	scopedExec(t, scope, "t1", `
		INSERT INTO campaigns (id, tenant_id, gateway_instance_id, name, message_body)
		VALUES ('cmp_1','t1','gw_1','launch','hi {{name}}')
	`)
	scopedExec(t, scope, "t1", `
		INSERT INTO campaign_contacts (tenant_id, campaign_id, contact_id) VALUES ('t1','cmp_1','c1')
	`)

	if err := svc.Start(context.Background(), "t1", "cmp_1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(q.jobs) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(q.jobs))
	}
	// the contact still gets a job; the placeholder just stays unrendered
	if got := q.jobs[0].RenderedMessage; got != "hi {{name}}" {
		t.Fatalf("rendered = %q", got)
	}
}

func TestReceiptAdvancesRecipient(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	scope := &tenant.Scope{Pool: db}
	q := &collectQueue{}
	svc := &campaign.Service{Store: pg.New(scope), Queue: q}

	insertTenant(t, db, "t1")
	scopedExec(t, scope, "t1", `
		INSERT INTO contacts (id, tenant_id, phone) VALUES ('c1','t1','+15550001')
	`)
	scopedExec(t, scope, "t1", `
		INSERT INTO campaigns (id, tenant_id, gateway_instance_id, name, message_body)
		VALUES ('cmp_1','t1','gw_1','launch','hi')
	`)
	scopedExec(t, scope, "t1", `
		INSERT INTO campaign_contacts (tenant_id, campaign_id, contact_id) VALUES ('t1','cmp_1','c1')
	`)

	if err := svc.Start(context.Background(), "t1", "cmp_1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.RecordOutcome(context.Background(), campaign.Outcome{
		TenantID: "t1", CampaignID: "cmp_1", RecipientID: q.jobs[0].RecipientID,
		Status: domain.RecipientSent, GatewayMsgID: "wamid.77", GatewayAck: "server",
	}); err != nil {
		t.Fatalf("outcome: %v", err)
	}

	applied, err := svc.HandleReceipt(context.Background(), "t1", "wamid.77", "read")
	if err != nil || !applied {
		t.Fatalf("receipt: applied=%v err=%v", applied, err)
	}

	var status string
	var deliveredAt *time.Time
	scopedQueryRow(t, scope, "t1",
		`SELECT status, delivered_at FROM campaign_recipients WHERE gateway_msg_id='wamid.77'`,
		&status, &deliveredAt)
	if status != "read" {
		t.Fatalf("status = %s, want read", status)
	}
	// delivered receipt was lost; read must still backfill the stamp
	if deliveredAt == nil {
		t.Fatal("delivered_at not backfilled on collapsed receipt")
	}
}

func TestCancelAndDeletePolicy(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	scope := &tenant.Scope{Pool: db}
	q := &collectQueue{}
	svc := &campaign.Service{Store: pg.New(scope), Queue: q}

	insertTenant(t, db, "t1")
	scopedExec(t, scope, "t1", `
		INSERT INTO contacts (id, tenant_id, phone) VALUES ('c1','t1','+15550001')
	`)
	scopedExec(t, scope, "t1", `
		INSERT INTO campaigns (id, tenant_id, gateway_instance_id, name, message_body)
		VALUES ('cmp_1','t1','gw_1','launch','hi')
	`)
	scopedExec(t, scope, "t1", `
		INSERT INTO campaign_contacts (tenant_id, campaign_id, contact_id) VALUES ('t1','cmp_1','c1')
	`)

	if err := svc.Start(context.Background(), "t1", "cmp_1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.Delete(context.Background(), "t1", "cmp_1"); !errors.Is(err, domain.ErrCampaignRunning) {
		t.Fatalf("delete running err = %v", err)
	}
	if err := svc.Cancel(context.Background(), "t1", "cmp_1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := svc.Cancel(context.Background(), "t1", "cmp_1"); !errors.Is(err, domain.ErrCampaignNotRunning) {
		t.Fatalf("double cancel err = %v", err)
	}
	if err := svc.Delete(context.Background(), "t1", "cmp_1"); err != nil {
		t.Fatalf("delete cancelled: %v", err)
	}
	if _, found, _ := svc.Get(context.Background(), "t1", "cmp_1"); found {
		t.Fatal("campaign still visible after delete")
	}
}

func TestTenantIsolation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	scope := &tenant.Scope{Pool: db}
	st := pg.New(scope)

	insertTenant(t, db, "t1")
	insertTenant(t, db, "t2")
	scopedExec(t, scope, "t1", `
		INSERT INTO campaigns (id, tenant_id, gateway_instance_id, name, message_body)
		VALUES ('cmp_1','t1','gw_1','launch','hi')
	`)

	// another tenant's session sees nothing
	_, found, err := st.GetCampaign(tenant.WithTenant(context.Background(), "t2"), "cmp_1")
	if err != nil {
		t.Fatalf("get as t2: %v", err)
	}
	if found {
		t.Fatal("tenant t2 read t1's campaign")
	}

	// a session with no tenant bound fails before touching the database
	_, _, err = st.GetCampaign(context.Background(), "cmp_1")
	if !errors.Is(err, tenant.ErrNoTenant) {
		t.Fatalf("unbound err = %v, want ErrNoTenant", err)
	}
}

func TestSweepCompletesStrandedCampaign(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	scope := &tenant.Scope{Pool: db}
	svc := &campaign.Service{Store: pg.New(scope), Queue: &collectQueue{}}

	insertTenant(t, db, "t1")
	scopedExec(t, scope, "t1", `
		INSERT INTO campaigns (id, tenant_id, gateway_instance_id, name, message_body, status, total_recipients, sent_count)
		VALUES ('cmp_1','t1','gw_1','launch','hi','running',1,1)
	`)
	scopedExec(t, scope, "t1", `
		INSERT INTO contacts (id, tenant_id, phone) VALUES ('c1','t1','+15550001')
	`)
	scopedExec(t, scope, "t1", `
		INSERT INTO campaign_recipients (id, tenant_id, campaign_id, contact_id, destination, status)
		VALUES ('rcp_1','t1','cmp_1','c1','+15550001','sent')
	`)

	n, err := svc.SweepCompletions(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}

	c, _, _ := svc.Get(context.Background(), "t1", "cmp_1")
	if c.Status != domain.CampaignCompleted {
		t.Fatalf("status = %s, want completed", c.Status)
	}
}

func insertTenant(t *testing.T, db *pgxpool.Pool, tenantID string) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO tenants (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, tenantID, tenantID)
	if err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
}

func scopedExec(t *testing.T, scope *tenant.Scope, tenantID, sql string) {
	t.Helper()
	err := scope.WithContext(context.Background(), tenantID, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, sql)
		return err
	})
	if err != nil {
		t.Fatalf("scoped exec: %v", err)
	}
}

func scopedQueryRow(t *testing.T, scope *tenant.Scope, tenantID, sql string, dest ...any) {
	t.Helper()
	err := scope.WithContext(context.Background(), tenantID, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, sql).Scan(dest...)
	})
	if err != nil {
		t.Fatalf("scoped query: %v", err)
	}
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}

	if _, err := admin.Exec(context.Background(), "CREATE SCHEMA "+schema); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}

	db, err := pgxpool.New(context.Background(), dbDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	sqlPath := filepath.Join("..", "..", "migrations", "001_init.sql")
	sqlBytes, err := os.ReadFile(sqlPath)
	if err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("read migrations: %v", err)
	}
	if _, err := db.Exec(context.Background(), string(sqlBytes)); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}
	return db, cleanup
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
