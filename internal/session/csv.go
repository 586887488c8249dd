package session

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// Meta identifies the session a set of trials belongs to.
type Meta struct {
	Experiment string
	SessionID  string
	UserID     string
}

var csvHeader = []string{
	"experiment", "session_id", "user_id",
	"trial_index", "trial_type", "name", "stimulus", "response", "rt_ms",
}

// WriteCSV writes one header row followed by one row per trial.
func WriteCSV(w io.Writer, meta Meta, trials []Trial) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("session: write csv header: %w", err)
	}
	for _, trial := range trials {
		row := []string{
			meta.Experiment,
			meta.SessionID,
			meta.UserID,
			strconv.Itoa(trial.Index),
			trial.Type,
			trial.Name,
			trial.Stimulus,
			trial.Response,
			strconv.FormatInt(trial.RT.Milliseconds(), 10),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("session: write csv row %d: %w", trial.Index, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("session: flush csv: %w", err)
	}
	return nil
}
