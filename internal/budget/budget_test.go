package budget

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/internal/apierror"
	"github.com/heraldhq/herald/internal/store"
	"github.com/heraldhq/herald/model"
)

func testBudgets() []model.BudgetConfig {
	return []model.BudgetConfig{
		{
			Scope:           model.ScopeKey{Tenant: "acme", Service: model.Wildcard, Channel: model.Wildcard},
			MonthlyCapMinor: 100,
		},
		{
			Scope:           model.ScopeKey{Tenant: "acme", Service: "marketing", Channel: model.Wildcard},
			MonthlyCapMinor: 30,
			AllowOverride:   true,
		},
	}
}

func testCosts() []model.ChannelCost {
	return []model.ChannelCost{
		{Channel: model.ChannelSMS, UnitCostMinor: 10, BillableOn: model.BillableOnSend},
		{Channel: model.ChannelEmail, UnitCostMinor: 1, BillableOn: model.BillableOnDelivery},
	}
}

func notification(service, channel string) *model.Notification {
	return &model.Notification{
		NotificationID: model.GenerateUUIDWithSuffix("ntf"),
		TenantID:       "acme",
		ServiceOrigin:  service,
		Channel:        channel,
		Priority:       model.PriorityNormal,
	}
}

func TestResolvePrefersServiceScope(t *testing.T) {
	e := NewEnforcer(store.NewMemoryStore(), testBudgets(), testCosts(), nil)

	cfg, ok := e.Resolve("acme", "marketing", model.ChannelSMS)
	require.True(t, ok)
	assert.Equal(t, int64(30), cfg.MonthlyCapMinor)

	cfg, ok = e.Resolve("acme", "billing", model.ChannelSMS)
	require.True(t, ok)
	assert.Equal(t, int64(100), cfg.MonthlyCapMinor)

	_, ok = e.Resolve("other", "billing", model.ChannelSMS)
	assert.False(t, ok)
}

func TestCheckRejectsAtCap(t *testing.T) {
	e := NewEnforcer(store.NewMemoryStore(), testBudgets(), testCosts(), nil)
	ctx := context.Background()

	// cap 30, unit 10: three sends fit, the fourth crosses
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Check(ctx, "acme", "marketing", model.ChannelSMS, model.PriorityNormal))
		_, err := e.RecordCost(ctx, notification("marketing", model.ChannelSMS), model.BillableOnSend)
		require.NoError(t, err)
	}

	err := e.Check(ctx, "acme", "marketing", model.ChannelSMS, model.PriorityNormal)
	require.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrBudgetExceeded))

	apiErr, _ := apierror.As(err)
	details := apiErr.Details.(apierror.BudgetDetails)
	assert.InDelta(t, 100.0, details.UtilizationPct, 0.01)
}

func TestPriorityBypassesExhaustedBudget(t *testing.T) {
	e := NewEnforcer(store.NewMemoryStore(), testBudgets(), testCosts(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.RecordCost(ctx, notification("marketing", model.ChannelSMS), model.BillableOnSend)
		require.NoError(t, err)
	}

	assert.Error(t, e.Check(ctx, "acme", "marketing", model.ChannelSMS, model.PriorityNormal))
	assert.Error(t, e.Check(ctx, "acme", "marketing", model.ChannelSMS, model.PriorityLow))
	assert.NoError(t, e.Check(ctx, "acme", "marketing", model.ChannelSMS, model.PriorityHigh))
	assert.NoError(t, e.Check(ctx, "acme", "marketing", model.ChannelSMS, model.PriorityUrgent))
}

func TestRecordCostHonorsBillableOn(t *testing.T) {
	e := NewEnforcer(store.NewMemoryStore(), testBudgets(), testCosts(), nil)
	ctx := context.Background()

	// SMS bills on send, not on delivery confirmation
	rec, err := e.RecordCost(ctx, notification("billing", model.ChannelSMS), model.BillableOnDelivery)
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = e.RecordCost(ctx, notification("billing", model.ChannelSMS), model.BillableOnSend)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(1), rec.Units)
	assert.Equal(t, "10", rec.TotalCost.String())

	// email bills only on delivery
	rec, err = e.RecordCost(ctx, notification("billing", model.ChannelEmail), model.BillableOnSend)
	require.NoError(t, err)
	assert.Nil(t, rec)

	spent, err := e.Spend(ctx, model.ScopeKey{Tenant: "acme", Service: model.Wildcard, Channel: model.Wildcard})
	require.NoError(t, err)
	assert.Equal(t, int64(10), spent)
}

func TestThresholdAlertsFireOnce(t *testing.T) {
	var alerts []ThresholdAlert
	e := NewEnforcer(store.NewMemoryStore(), testBudgets(), testCosts(), func(_ context.Context, a ThresholdAlert) {
		alerts = append(alerts, a)
	})
	ctx := context.Background()

	// cap 30: crossing 80% at 30 spent means the third unit triggers both
	// thresholds; further spend must not re-alert
	for i := 0; i < 3; i++ {
		_, err := e.RecordCost(ctx, notification("marketing", model.ChannelSMS), model.BillableOnSend)
		require.NoError(t, err)
	}
	_, err := e.RecordCost(ctx, notification("marketing", model.ChannelSMS), model.BillableOnSend)
	require.NoError(t, err)

	require.Len(t, alerts, 2)
	assert.Equal(t, 80, alerts[0].ThresholdPct)
	assert.Equal(t, 100, alerts[1].ThresholdPct)
}

func TestFreeChannelNeverConstrained(t *testing.T) {
	e := NewEnforcer(store.NewMemoryStore(), testBudgets(), testCosts(), nil)
	ctx := context.Background()

	assert.NoError(t, e.Check(ctx, "acme", "marketing", model.ChannelInApp, model.PriorityNormal))
	rec, err := e.RecordCost(ctx, notification("marketing", model.ChannelInApp), model.BillableOnSend)
	require.NoError(t, err)
	assert.Nil(t, rec)
}
