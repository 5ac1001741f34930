package transfer

import (
	"context"

	"github.com/italolelis/zim_downloader/internal/telemetry"
)

// InstrumentedEngine wraps an Engine with telemetry.
type InstrumentedEngine struct {
	engine     Engine
	telemetry  *telemetry.Telemetry
	engineType string
}

// NewInstrumentedEngine creates a new instrumented engine.
func NewInstrumentedEngine(engine Engine, tel *telemetry.Telemetry, engineType string) *InstrumentedEngine {
	return &InstrumentedEngine{
		engine:     engine,
		telemetry:  tel,
		engineType: engineType,
	}
}

func (e *InstrumentedEngine) SetDelegate(d Delegate) {
	e.engine.SetDelegate(d)
}

// Create starts a fresh transfer with telemetry.
func (e *InstrumentedEngine) Create(ctx context.Context, req Request) (Handle, error) {
	var result Handle

	err := e.telemetry.InstrumentEngineOperation(ctx, e.engineType, "create", func(ctx context.Context) error {
		var err error
		result, err = e.engine.Create(ctx, req)

		return err
	})
	if err != nil {
		return Handle{}, err
	}

	e.telemetry.RecordTransferStarted(ctx, "fresh")

	return result, nil
}

// CreateFromToken resumes a transfer with telemetry.
func (e *InstrumentedEngine) CreateFromToken(ctx context.Context, itemID string, token []byte) (Handle, error) {
	var result Handle

	err := e.telemetry.InstrumentEngineOperation(ctx, e.engineType, "create_from_token", func(ctx context.Context) error {
		var err error
		result, err = e.engine.CreateFromToken(ctx, itemID, token)

		return err
	})
	if err != nil {
		return Handle{}, err
	}

	e.telemetry.RecordTransferStarted(ctx, "resume")

	return result, nil
}

// Cancel forwards the cancellation; the outcome is recorded once the engine answers.
func (e *InstrumentedEngine) Cancel(h Handle, wantResumeData bool, done func(token []byte)) {
	ctx := context.Background()

	_ = e.telemetry.InstrumentEngineOperation(ctx, e.engineType, "cancel", func(context.Context) error {
		e.engine.Cancel(h, wantResumeData, func(token []byte) {
			outcome := "discarded"
			if wantResumeData {
				outcome = "paused"
			}

			e.telemetry.RecordTransferStopped(ctx, outcome)

			if done != nil {
				done(token)
			}
		})

		return nil
	})
}

func (e *InstrumentedEngine) Discard(token []byte) error {
	return e.telemetry.InstrumentEngineOperation(context.Background(), e.engineType, "discard", func(context.Context) error {
		return e.engine.Discard(token)
	})
}

func (e *InstrumentedEngine) Tasks(ctx context.Context) ([]Handle, error) {
	var result []Handle

	err := e.telemetry.InstrumentEngineOperation(ctx, e.engineType, "tasks", func(ctx context.Context) error {
		var err error
		result, err = e.engine.Tasks(ctx)

		return err
	})

	return result, err
}
