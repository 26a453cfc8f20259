package locate

import (
	"fmt"
	"log"
	"sync"
)

// Locator runs estimations against one reference database and fans the
// reports out to the state tracker and the MQTT publisher.
type Locator struct {
	index     *Index
	opts      Options
	state     *StateTracker
	publisher *Publisher

	mu       sync.Mutex
	lastSeen map[string]string // survey -> last batch id
}

// NewLocator creates a Locator. state and publisher may be nil.
func NewLocator(ix *Index, opts Options, state *StateTracker, publisher *Publisher) *Locator {
	return &Locator{
		index:     ix,
		opts:      opts,
		state:     state,
		publisher: publisher,
		lastSeen:  make(map[string]string),
	}
}

// Index returns the reference database.
func (l *Locator) Index() *Index {
	return l.index
}

// Options returns the default estimation options.
func (l *Locator) Options() Options {
	return l.opts
}

// SetPublisher attaches the publisher used by later runs. It may be called
// while batches are being handled.
func (l *Locator) SetPublisher(p *Publisher) {
	l.mu.Lock()
	l.publisher = p
	l.mu.Unlock()
}

// HandleBatch is the BatchHandler registered with the MQTT client. A batch
// whose non-empty ID repeats the previous one for the same survey is skipped,
// so retained messages are not re-estimated on reconnect.
func (l *Locator) HandleBatch(survey string, batch *Batch, err error) {
	if err != nil {
		log.Printf("[LOCATE] %s: dropping batch: %v", survey, err)
		return
	}
	if batch == nil {
		return
	}

	l.mu.Lock()
	if batch.ID != "" && l.lastSeen[survey] == batch.ID {
		l.mu.Unlock()
		log.Printf("[LOCATE] %s: batch %s already processed, skipping", survey, batch.ID)
		return
	}
	l.lastSeen[survey] = batch.ID
	l.mu.Unlock()

	if _, err := l.Run(survey, batch); err != nil {
		log.Printf("[LOCATE] %s: estimation failed: %v", survey, err)
	}
}

// Run estimates the reference point for one batch, records the report and
// publishes it. A run that stops on its budget is still recorded.
func (l *Locator) Run(survey string, batch *Batch) (*Report, error) {
	if batch == nil {
		return nil, &ObservationError{Index: -1, Reason: "batch is nil"}
	}

	opts := l.opts
	if batch.InitialGuess != nil {
		opts.InitialGuess = *batch.InitialGuess
	}

	log.Printf("[LOCATE] %s: estimating from %d observations (start %s, method %s)",
		survey, len(batch.Observations), opts.InitialGuess, opts.Optimizer.Method)

	report, err := Locate(survey, batch.Observations, l.index, opts)
	if err != nil {
		return nil, fmt.Errorf("locate %s: %w", survey, err)
	}

	if report.Converged {
		log.Printf("[LOCATE] %s: reference (%.3f, %.3f) -logL=%.4f after %d iterations",
			survey, report.Reference[0], report.Reference[1], report.NegLogLikelihood, report.Iterations)
	} else {
		log.Printf("[LOCATE] %s: not converged (%s), best reference (%.3f, %.3f) -logL=%.4f",
			survey, report.Status, report.Reference[0], report.Reference[1], report.NegLogLikelihood)
	}
	for _, p := range report.Pairings {
		if p.Nearby > 1 {
			log.Printf("[LOCATE] %s: observation %d is ambiguous (%d trees within %.1f m)",
				survey, p.Observation, p.Nearby, nearbySigmas*report.Noise.SigmaPosition)
		}
	}

	if l.state != nil {
		l.state.Record(report)
	}
	l.mu.Lock()
	pub := l.publisher
	l.mu.Unlock()
	if pub != nil {
		if err := pub.PublishReport(report); err != nil {
			log.Printf("[LOCATE] %s: publish failed: %v", survey, err)
		}
	}

	return report, nil
}
