// Package msgbridge correlates requests and replies exchanged as plain
// strings between two runtimes that can only send text to each other.
package msgbridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/FerroO2000/msgbridge/connector"
)

// Stage defines the interface for a component with a lifecycle.
// Both the bridge and the transports are stages.
type Stage interface {
	// Init initializes the stage.
	Init(ctx context.Context) error
	// Run runs the stage.
	Run(ctx context.Context)
	// Close closes (forever) the stage.
	Close()
}

// Connector represents the interface for a generic connector
// used to move values between goroutines.
type Connector[T any] = connector.Connector[T]

// Pipeline runs a set of stages together.
type Pipeline struct {
	mux    sync.Mutex
	stages []Stage

	wg        *sync.WaitGroup
	isRunning bool
}

// NewPipeline returns a new pipeline.
func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{
		stages: stages,

		wg:        &sync.WaitGroup{},
		isRunning: false,
	}
}

// AddStage adds a stage to the pipeline.
// Stages added while the pipeline is running are ignored.
func (p *Pipeline) AddStage(stage Stage) {
	p.mux.Lock()
	defer p.mux.Unlock()

	if p.isRunning {
		return
	}

	p.stages = append(p.stages, stage)
}

// Init initializes all the stages in the order they were added.
func (p *Pipeline) Init(ctx context.Context) error {
	for idx, stage := range p.stages {
		if err := stage.Init(ctx); err != nil {
			return fmt.Errorf("msgbridge: failed to init stage %d: %w", idx, err)
		}
	}

	return nil
}

// Run runs all the stages.
// It will spawn a goroutine for each stage.
func (p *Pipeline) Run(ctx context.Context) {
	p.mux.Lock()
	defer p.mux.Unlock()

	if p.isRunning {
		return
	}
	p.isRunning = true

	p.wg.Add(len(p.stages))

	for _, stage := range p.stages {
		go func() {
			defer p.wg.Done()
			stage.Run(ctx)
		}()
	}
}

// Close closes all the stages.
// It blocks until all the stages have returned from Run.
func (p *Pipeline) Close() {
	for _, stage := range p.stages {
		stage.Close()
	}

	p.wg.Wait()
}
