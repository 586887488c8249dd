package journal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a journal entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Session is the part of a session the journal records.
type Session struct {
	Experiment string
	ID         string
	UserID     string
}

// Journal keeps the history of sessions run in a project as a text file,
// one line per event.
type Journal struct {
	path  string
	mu    sync.Mutex
	clock func() time.Time
}

// New creates a journal that writes to the provided path.
func New(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: ensure dir: %w", err)
	}
	return &Journal{path: path, clock: time.Now}, nil
}

// Path returns the file backing this journal.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Append writes a single entry. Write failures are dropped; the journal
// never blocks a participant's session.
func (j *Journal) Append(level Level, message string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	line := fmt.Sprintf("%s %-5s %s\n",
		j.clock().UTC().Format(time.RFC3339),
		string(level),
		strings.TrimSpace(message),
	)
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.WriteString(line)
}

// Started records a session whose timeline was built.
func (j *Journal) Started(s Session, steps int) {
	j.Append(LevelInfo, fmt.Sprintf("started %s steps=%d", s, steps))
}

// Completed records a finished session and where its data went.
func (j *Journal) Completed(s Session, dataPath string) {
	j.Append(LevelInfo, fmt.Sprintf("completed %s data=%s", s, dataPath))
}

// Abandoned records a session the participant left before the end.
func (j *Journal) Abandoned(s Session, answered, total int) {
	j.Append(LevelWarn, fmt.Sprintf("abandoned %s answered=%d/%d", s, answered, total))
}

// Unavailable records an experiment that could not be loaded.
func (j *Journal) Unavailable(experiment string, err error) {
	msg := "unavailable experiment=" + experiment
	if err != nil {
		msg += " error=" + strings.ReplaceAll(err.Error(), "\n", " ")
	}
	j.Append(LevelError, msg)
}

func (s Session) String() string {
	user := s.UserID
	if user == "" {
		user = "-"
	}
	return fmt.Sprintf("experiment=%s session=%s user=%s", s.Experiment, s.ID, user)
}

// Tail returns up to maxLines of the most recent entries along with the
// total number of entries in the journal.
func (j *Journal) Tail(maxLines int) ([]string, int) {
	if j == nil || maxLines <= 0 {
		return nil, 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	file, err := os.Open(j.path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	// Entries may exceed bufio.Scanner's token limit.
	var lines []string
	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			lines = append(lines, line)
		}
		if err != nil {
			break
		}
	}
	total := len(lines)
	if total == 0 {
		return nil, 0
	}
	if total > maxLines {
		lines = lines[total-maxLines:]
	}
	return lines, total
}
