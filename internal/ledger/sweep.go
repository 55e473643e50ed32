package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// SweepResult summarizes one integrity sweep.
type SweepResult struct {
	Checked  int
	Invalid  []string
	Started  time.Time
	Duration time.Duration
}

// Sweeper periodically re-verifies the signatures of recently appended
// interactions and logs any that no longer match.
type Sweeper struct {
	cron   *cron.Cron
	store  *Store
	window time.Duration
	limit  int
}

// NewSweeper creates a sweeper that checks interactions appended within
// window. Cron expressions use the standard 5-field format.
func NewSweeper(store *Store, schedule string, window time.Duration) (*Sweeper, error) {
	s := &Sweeper{
		cron:   cron.New(),
		store:  store,
		window: window,
		limit:  10000,
	}
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			log.Error().Err(err).Msg("ledger_integrity_sweep_failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("registering integrity sweep %q: %w", schedule, err)
	}
	return s, nil
}

// Sweep runs one verification pass immediately.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	res := SweepResult{Started: time.Now()}
	items, err := s.store.ListSince(ctx, res.Started.Add(-s.window), s.limit)
	if err != nil {
		return res, err
	}
	for i := range items {
		ok, err := s.store.verify(&items[i])
		if err != nil {
			return res, err
		}
		res.Checked++
		if !ok {
			res.Invalid = append(res.Invalid, items[i].ID)
			log.Error().
				Str("interaction_id", items[i].ID).
				Str("conversation_id", items[i].ConversationID).
				Msg("ledger_signature_mismatch")
		}
	}
	res.Duration = time.Since(res.Started)
	log.Debug().Int("checked", res.Checked).Int("invalid", len(res.Invalid)).Msg("ledger_integrity_sweep_done")
	return res, nil
}

// Start begins executing the scheduled sweep.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
