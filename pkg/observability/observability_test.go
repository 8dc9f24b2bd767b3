package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "warden-control-plane", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestDisabledProvider(t *testing.T) {
	p := Disabled()
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	ctx, finish := p.TrackStage(context.Background(), "supervisor.cycle")
	require.NotNil(t, ctx)
	finish(nil)
	p.RecordPermitIssued(context.Background())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	// Disabled providers still hand out usable no-op tracer and meter.
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestTrackStage(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	attrs := CycleStage("dispatch", "phase-3-execution")
	newCtx, finish := p.TrackStage(context.Background(), "supervisor.dispatch", attrs...)
	require.NotNil(t, newCtx)

	time.Sleep(1 * time.Millisecond)
	finish(nil)
}

func TestTrackStageWithError(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	_, finish := p.TrackStage(context.Background(), "supervisor.verify")
	finish(errors.New("verification failed"))
}

func TestRecordMetricsDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()

	// None of these may panic when the provider is disabled.
	p.RecordCycle(ctx, AttrCycleStage.String("claim"))
	p.RecordError(ctx, errors.New("boom"), AttrCycleStage.String("claim"))
	p.RecordDuration(ctx, 100*time.Millisecond)
	p.RecordGateEvaluation(ctx)
	p.RecordPermitIssued(ctx)
}

func TestStartSpan(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	newCtx, span := p.StartSpan(context.Background(), "supervisor.cycle")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()
}

func TestShutdown(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestTaskOperation(t *testing.T) {
	attrs := TaskOperation(3, "phase-3-execution", "claimed")
	require.Len(t, attrs, 3)
	require.Equal(t, "warden.task.id", string(attrs[0].Key))
	require.Equal(t, int64(3), attrs[0].Value.AsInt64())
}

func TestPermitOperation(t *testing.T) {
	attrs := PermitOperation("permit-abc", "task-3", 3)
	require.Len(t, attrs, 3)
	require.Equal(t, "warden.permit.stream", string(attrs[1].Key))
	require.Equal(t, "task-3", attrs[1].Value.AsString())
}

func TestGateOperation(t *testing.T) {
	attrs := GateOperation(12, "headsha", "policyhash", "success")
	require.Len(t, attrs, 4)
	require.Equal(t, "warden.gate.status", string(attrs[3].Key))
	require.Equal(t, "success", attrs[3].Value.AsString())
}

func TestSpanFromContext(t *testing.T) {
	span := SpanFromContext(context.Background())
	require.NotNil(t, span) // no-op span when none is active
}

func TestAddSpanEventAndStatus(t *testing.T) {
	ctx := context.Background()
	AddSpanEvent(ctx, "permit.used", AttrPermitStream.String("task-3"))
	SetSpanStatus(ctx, errors.New("late"))
	SetSpanStatus(ctx, nil)
}
