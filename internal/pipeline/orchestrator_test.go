package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cardiocare/internal/dispatcher"
	"cardiocare/internal/domain"
)

// fakeReadingGetter 固定读数
type fakeReadingGetter struct {
	reading *domain.Reading
	err     error
}

func (f *fakeReadingGetter) GetReading(_ context.Context, readingID string) (*domain.Reading, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.reading == nil || f.reading.ReadingID != readingID {
		return nil, fmt.Errorf("reading not found: reading_id=%s", readingID)
	}
	return f.reading, nil
}

// fakeAnalysisStore 记录持久化的分析
type fakeAnalysisStore struct {
	created []*domain.Analysis
	recent  []*domain.Analysis
	err     error
}

func (f *fakeAnalysisStore) CreateAnalysis(_ context.Context, analysis *domain.Analysis) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, analysis)
	return nil
}

func (f *fakeAnalysisStore) GetAnalysisByReading(_ context.Context, readingID string) (*domain.Analysis, error) {
	for _, a := range f.created {
		if a.ReadingID != nil && *a.ReadingID == readingID {
			return a, nil
		}
	}
	return nil, nil
}

func (f *fakeAnalysisStore) ListRecentAnalyses(_ context.Context, _ string, _ int) ([]*domain.Analysis, error) {
	return f.recent, nil
}

// fakeAlertStore 记录创建的报警
type fakeAlertStore struct {
	created []*domain.Alert
}

func (f *fakeAlertStore) CreateAlert(_ context.Context, alert *domain.Alert) error {
	f.created = append(f.created, alert)
	return nil
}

func (f *fakeAlertStore) GetAlertByAnalysis(_ context.Context, analysisID string) (*domain.Alert, error) {
	for _, a := range f.created {
		if a.AnalysisID != nil && *a.AnalysisID == analysisID {
			return a, nil
		}
	}
	return nil, nil
}

func (f *fakeAlertStore) GetAlert(_ context.Context, alertID string) (*domain.Alert, error) {
	for _, a := range f.created {
		if a.AlertID == alertID {
			return a, nil
		}
	}
	return nil, fmt.Errorf("alert not found: alert_id=%s", alertID)
}

// fakeContactResolver 固定联系人
type fakeContactResolver struct {
	contacts []*domain.EmergencyContact
}

func (f *fakeContactResolver) ListActiveContacts(_ context.Context, _ string) ([]*domain.EmergencyContact, error) {
	return f.contacts, nil
}

// fakeAnalyzer 固定结论
type fakeAnalyzer struct {
	verdict *domain.RiskVerdict
	calls   int
}

func (f *fakeAnalyzer) Analyze(_ context.Context, _ *domain.Reading, _ []*domain.Analysis) *domain.RiskVerdict {
	f.calls++
	return f.verdict
}

// fakeDispatcher 记录扇出调用
type fakeDispatcher struct {
	calls    int
	contacts []*domain.EmergencyContact
	err      error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ *domain.Alert, contacts []*domain.EmergencyContact) (*dispatcher.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls++
	f.contacts = contacts
	return &dispatcher.Result{Attempted: len(contacts), Sent: len(contacts), Notified: len(contacts) > 0}, nil
}

func orchestratorFixture(verdict *domain.RiskVerdict) (*Orchestrator, *fakeAnalysisStore, *fakeAlertStore, *fakeDispatcher) {
	reading := &domain.Reading{
		ReadingID:   "reading-1",
		UserID:      "user-1",
		Waveform:    make([]float64, 500),
		HeartRate:   72,
		DurationSec: 2,
		RecordedAt:  time.Now(),
	}
	analyses := &fakeAnalysisStore{}
	alerts := &fakeAlertStore{}
	disp := &fakeDispatcher{}
	contacts := &fakeContactResolver{contacts: []*domain.EmergencyContact{
		{ContactID: "contact-a", UserID: "user-1", Name: "Alice", Phone: "+1001", Priority: 1, Channel: domain.ChannelWhatsApp},
	}}

	o := NewOrchestrator(
		&fakeReadingGetter{reading: reading},
		analyses,
		alerts,
		contacts,
		&fakeAnalyzer{verdict: verdict},
		disp,
		zap.NewNop(),
	)
	return o, analyses, alerts, disp
}

func TestProcess_LowRiskSuppressed(t *testing.T) {
	verdict := &domain.RiskVerdict{Tier: domain.RiskLow, Analysis: "Normal sinus rhythm", Confidence: 0.9}
	o, analyses, alerts, disp := orchestratorFixture(verdict)

	state, err := o.Process(context.Background(), "reading-1")

	require.NoError(t, err)
	assert.Equal(t, StateSuppressed, state)
	// 分析始终持久化，报警不创建、扇出不发生
	require.Len(t, analyses.created, 1)
	assert.Equal(t, domain.RiskLow, analyses.created[0].Tier)
	assert.Empty(t, alerts.created)
	assert.Equal(t, 0, disp.calls)
}

func TestProcess_CriticalEscalatesAndDispatches(t *testing.T) {
	verdict := &domain.RiskVerdict{
		Tier:       domain.RiskCritical,
		Analysis:   "Ventricular fibrillation pattern",
		Prediction: "Cardiac arrest risk",
		Confidence: 0.97,
	}
	o, analyses, alerts, disp := orchestratorFixture(verdict)

	state, err := o.Process(context.Background(), "reading-1")

	require.NoError(t, err)
	assert.Equal(t, StateDispatched, state)

	require.Len(t, analyses.created, 1)
	require.NotNil(t, analyses.created[0].ReadingID)
	assert.Equal(t, "reading-1", *analyses.created[0].ReadingID)

	require.Len(t, alerts.created, 1)
	alert := alerts.created[0]
	assert.NotEmpty(t, alert.AlertID)
	assert.Equal(t, "Ventricular fibrillation pattern", alert.Message)
	assert.Equal(t, "critical", alert.Severity)
	require.NotNil(t, alert.AnalysisID)
	assert.Equal(t, analyses.created[0].AnalysisID, *alert.AnalysisID)

	assert.Equal(t, 1, disp.calls)
	assert.Len(t, disp.contacts, 1)
}

func TestProcess_DegradedVerdictStillPersisted(t *testing.T) {
	verdict := &domain.RiskVerdict{
		Tier:       domain.RiskMedium,
		Analysis:   "Unable to complete AI analysis",
		Prediction: "Manual review recommended",
		Confidence: 0.5,
		Degraded:   true,
	}
	o, analyses, _, disp := orchestratorFixture(verdict)

	state, err := o.Process(context.Background(), "reading-1")

	require.NoError(t, err)
	assert.Equal(t, StateSuppressed, state)
	require.Len(t, analyses.created, 1)
	assert.True(t, analyses.created[0].Degraded)
	assert.Equal(t, 0, disp.calls)
}

func TestProcess_ReadingNotFound(t *testing.T) {
	o := NewOrchestrator(
		&fakeReadingGetter{},
		&fakeAnalysisStore{},
		&fakeAlertStore{},
		&fakeContactResolver{},
		&fakeAnalyzer{verdict: &domain.RiskVerdict{Tier: domain.RiskLow}},
		&fakeDispatcher{},
		zap.NewNop(),
	)

	state, err := o.Process(context.Background(), "reading-missing")

	assert.Error(t, err)
	assert.Equal(t, StateIngested, state)
}

func TestProcess_DispatchInProgressPropagates(t *testing.T) {
	verdict := &domain.RiskVerdict{Tier: domain.RiskHigh, Analysis: "x", Confidence: 0.9}
	o, _, _, disp := orchestratorFixture(verdict)
	disp.err = dispatcher.ErrDispatchInProgress

	state, err := o.Process(context.Background(), "reading-1")

	assert.ErrorIs(t, err, dispatcher.ErrDispatchInProgress)
	assert.Equal(t, StateEscalated, state)
}

func TestProcess_RedeliveredReadingNotReanalyzed(t *testing.T) {
	reading := &domain.Reading{
		ReadingID:  "reading-1",
		UserID:     "user-1",
		Waveform:   make([]float64, 500),
		HeartRate:  72,
		RecordedAt: time.Now(),
	}
	analyses := &fakeAnalysisStore{}
	alerts := &fakeAlertStore{}
	disp := &fakeDispatcher{}
	analyzer := &fakeAnalyzer{verdict: &domain.RiskVerdict{
		Tier:       domain.RiskCritical,
		Analysis:   "Ventricular fibrillation pattern",
		Confidence: 0.97,
	}}

	o := NewOrchestrator(
		&fakeReadingGetter{reading: reading},
		analyses,
		alerts,
		&fakeContactResolver{contacts: []*domain.EmergencyContact{
			{ContactID: "contact-a", UserID: "user-1", Name: "Alice", Phone: "+1001", Priority: 1, Channel: domain.ChannelWhatsApp},
		}},
		analyzer,
		disp,
		zap.NewNop(),
	)

	first, err := o.Process(context.Background(), "reading-1")
	require.NoError(t, err)
	assert.Equal(t, StateDispatched, first)

	// 消息重投：不重复分析、不重复建报警，仅续跑扇出
	second, err := o.Process(context.Background(), "reading-1")
	require.NoError(t, err)
	assert.Equal(t, StateDispatched, second)

	assert.Equal(t, 1, analyzer.calls)
	assert.Len(t, analyses.created, 1)
	assert.Len(t, alerts.created, 1)
	assert.Equal(t, 2, disp.calls)
}

func TestProcess_RedeliveredSuppressedReadingStaysSuppressed(t *testing.T) {
	verdict := &domain.RiskVerdict{Tier: domain.RiskLow, Analysis: "Normal sinus rhythm", Confidence: 0.9}
	o, analyses, alerts, disp := orchestratorFixture(verdict)

	_, err := o.Process(context.Background(), "reading-1")
	require.NoError(t, err)

	state, err := o.Process(context.Background(), "reading-1")

	require.NoError(t, err)
	assert.Equal(t, StateSuppressed, state)
	assert.Len(t, analyses.created, 1)
	assert.Empty(t, alerts.created)
	assert.Equal(t, 0, disp.calls)
}

func TestRedispatch_ResolvesContactsForAlertUser(t *testing.T) {
	verdict := &domain.RiskVerdict{Tier: domain.RiskHigh, Analysis: "x", Confidence: 0.9}
	o, _, alerts, disp := orchestratorFixture(verdict)

	_, err := o.Process(context.Background(), "reading-1")
	require.NoError(t, err)
	require.Len(t, alerts.created, 1)

	result, err := o.Redispatch(context.Background(), alerts.created[0].AlertID)

	require.NoError(t, err)
	assert.Equal(t, 2, disp.calls)
	assert.True(t, result.Notified)
}

func TestRedispatch_UnknownAlert(t *testing.T) {
	verdict := &domain.RiskVerdict{Tier: domain.RiskLow}
	o, _, _, _ := orchestratorFixture(verdict)

	result, err := o.Redispatch(context.Background(), "alert-missing")

	assert.Error(t, err)
	assert.Nil(t, result)
}

func TestTriggerEmergency_CreatesAlertWithoutAnalysis(t *testing.T) {
	verdict := &domain.RiskVerdict{Tier: domain.RiskLow}
	o, _, alerts, _ := orchestratorFixture(verdict)

	alert, err := o.TriggerEmergency(context.Background(), "user-1", "")

	require.NoError(t, err)
	assert.Equal(t, "Emergency detected: cardiac_emergency", alert.Message)
	assert.Nil(t, alert.AnalysisID)
	assert.Equal(t, domain.AlertTypeEmergency, alert.Type)
	assert.Equal(t, "critical", alert.Severity)
	require.Len(t, alerts.created, 1)
}

func TestTriggerEmergency_RequiresUserID(t *testing.T) {
	verdict := &domain.RiskVerdict{Tier: domain.RiskLow}
	o, _, _, _ := orchestratorFixture(verdict)

	alert, err := o.TriggerEmergency(context.Background(), "", "fall")

	assert.Error(t, err)
	assert.Nil(t, alert)
}
