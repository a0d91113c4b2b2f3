package services

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"bizflow/internal/config"
	"bizflow/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:services_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, userID, title, message string) error {
	args := m.Called(ctx, userID, title, message)
	return args.Error(0)
}

func (m *mockNotifier) NotifyRole(ctx context.Context, role, title, message string) error {
	args := m.Called(ctx, role, title, message)
	return args.Error(0)
}

func (m *mockNotifier) SendEmail(ctx context.Context, template, recipient string, data map[string]interface{}) error {
	args := m.Called(ctx, template, recipient, data)
	return args.Error(0)
}

type mockTasks struct {
	mock.Mock
}

func (m *mockTasks) CreateTask(ctx context.Context, title, assigneeID string) (string, error) {
	args := m.Called(ctx, title, assigneeID)
	return args.String(0), args.Error(1)
}

// testEngine wires the whole pipeline on an in-memory database.
type testEngine struct {
	db          *gorm.DB
	repo        *GormEntityRepository
	audit       *AuditService
	notifier    *mockNotifier
	tasks       *mockTasks
	executor    *ActionExecutor
	commissions *CommissionService
	automation  *AutomationService
	ledger      *MemoryFireLedger
	scanner     *IdleScanner
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	return newTestEngineWithDepth(t, 1)
}

func newTestEngineWithDepth(t *testing.T, maxDepth int) *testEngine {
	t.Helper()
	db := newTestDB(t)
	log := quietLogger()

	e := &testEngine{
		db:       db,
		repo:     NewGormEntityRepository(db),
		audit:    NewAuditService(NewGormAuditStore(db), log),
		notifier: &mockNotifier{},
		tasks:    &mockTasks{},
		ledger:   NewMemoryFireLedger(),
	}
	e.executor = NewActionExecutor(e.repo, e.notifier, e.tasks, e.audit, log, time.Second, maxDepth)
	e.commissions = NewCommissionService(db, e.repo, e.audit, config.CommissionConfig{
		AutoResolve: true,
		DealKind:    "deal",
		WonStatus:   "Closed Won",
		MinorUnits:  2,
	}, log)
	e.automation = NewAutomationService(db, e.executor, e.commissions, e.audit, log)
	e.scanner = NewIdleScanner(e.automation, e.repo, e.executor, e.ledger, map[string][]string{
		"deal": {"Closed Won", "Closed Lost"},
	}, log)
	return e
}

func (e *testEngine) createRule(t *testing.T, name string, trigger TriggerConfig, actions ...ActionConfig) models.AutomationRule {
	t.Helper()
	rule, err := e.automation.CreateRule(context.Background(), &AutomationRuleRequest{
		Name:       name,
		EntityKind: "deal",
		Trigger:    trigger,
		Actions:    actions,
	})
	require.NoError(t, err)
	return *rule
}

func (e *testEngine) seedDeal(t *testing.T, state EntityState) EntityState {
	t.Helper()
	state.Kind = "deal"
	saved, err := e.repo.Create(context.Background(), state)
	require.NoError(t, err)
	return *saved
}

// auditFor returns the audit rows of one transition, in write order.
func (e *testEngine) auditFor(t *testing.T, transitionID string) []models.AuditEntry {
	t.Helper()
	entries, err := e.audit.ListEntries(context.Background(), AuditFilter{TransitionID: transitionID})
	require.NoError(t, err)
	return entries
}

func amount(v float64) *float64 { return &v }

func strPtr(s string) *string { return &s }
