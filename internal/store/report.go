package store

import (
	"context"
	"fmt"
)

// Tally counts check run statuses for one host within a session.
type Tally struct {
	HostID   int64
	Hostname string
	Success  int
	Skip     int
	Error    int
	Pending  int
}

// Total returns the number of check runs counted.
func (t Tally) Total() int {
	return t.Success + t.Skip + t.Error + t.Pending
}

// Tally returns per-host status counts for a session in host order.
func (s *Store) Tally(ctx context.Context, sessionID int64) ([]Tally, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT h.id, h.hostname, cr.status, COUNT(*)
		 FROM check_runs cr JOIN hosts h ON h.id = cr.host_id
		 WHERE cr.session_id = ?
		 GROUP BY h.id, h.hostname, cr.status
		 ORDER BY h.id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("tally session %d: %w", sessionID, err)
	}
	defer rows.Close()

	var tallies []Tally
	index := make(map[int64]int)
	for rows.Next() {
		var hostID int64
		var hostname, status string
		var n int
		if err := rows.Scan(&hostID, &hostname, &status, &n); err != nil {
			return nil, err
		}

		i, ok := index[hostID]
		if !ok {
			tallies = append(tallies, Tally{HostID: hostID, Hostname: hostname})
			i = len(tallies) - 1
			index[hostID] = i
		}
		switch Status(status) {
		case StatusSuccess:
			tallies[i].Success += n
		case StatusSkip:
			tallies[i].Skip += n
		case StatusError:
			tallies[i].Error += n
		default:
			tallies[i].Pending += n
		}
	}
	return tallies, rows.Err()
}

// MarkResumed records that an unfinished session was picked up again.
func (s *Store) MarkResumed(ctx context.Context, sessionID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET mode = ? WHERE id = ? AND finished_at IS NULL`, ModeResume, sessionID)
	if err != nil {
		return fmt.Errorf("mark session %d resumed: %w", sessionID, err)
	}
	return nil
}
