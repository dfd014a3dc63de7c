package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DryRun is an Executor that plays each step without contacting any model or
// tool. The recipient acknowledges every message until the step's turn bound
// is used up.
type DryRun struct {
	// Turns caps the exchanges per step below MaxTurns when positive.
	Turns  int
	Now    func() time.Time
	Logger *zap.Logger
}

func (d DryRun) Execute(ctx context.Context, run Run, reports Reporter) error {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	for i, st := range run.Steps {
		turns := st.MaxTurns
		if d.Turns > 0 && d.Turns < turns {
			turns = d.Turns
		}
		logger.Debug("dry run step", zap.String("mission_id", run.MissionID.String()), zap.String("step", st.Name), zap.Int("turns", turns))
		for turn := 0; turn < turns; turn++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			r := Report{
				Type:      TypeMessage,
				MissionID: run.MissionID.String(),
				Timestamp: now().UTC(),
				Step:      st.Name,
			}
			if turn%2 == 0 {
				r.Sender, r.Receiver = string(st.Sender), string(st.Recipient)
				r.Content = st.Message
				if turn > 0 {
					r.Content = fmt.Sprintf("Continue step %d/%d (%s).", i+1, len(run.Steps), st.Name)
				}
			} else {
				r.Sender, r.Receiver = string(st.Recipient), string(st.Sender)
				r.Content = fmt.Sprintf("Dry run: acknowledged step %d/%d (%s) against %s.", i+1, len(run.Steps), st.Name, run.Target.Address)
			}
			if err := reports.Report(ctx, r); err != nil {
				return fmt.Errorf("report step %s: %w", st.Name, err)
			}
		}
	}
	return nil
}
