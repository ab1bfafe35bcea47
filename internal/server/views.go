package server

import (
	"time"

	"github.com/go-tangra/go-tangra-audit/internal/store"
)

// HostView is the API form of store.Host. Key paths are not exposed.
type HostView struct {
	ID       int64  `json:"id"`
	Hostname string `json:"hostname"`
	Address  string `json:"address,omitempty"`
	User     string `json:"user"`
	Port     int    `json:"port"`
	UseSudo  bool   `json:"use_sudo"`
}

type ListHostsResponse struct {
	Hosts []HostView `json:"hosts"`
}

type SessionView struct {
	ID         int64   `json:"id"`
	RunID      string  `json:"run_id"`
	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at,omitempty"`
	Mode       string  `json:"mode"`
	Incomplete bool    `json:"incomplete"`
}

type ListSessionsResponse struct {
	Sessions   []SessionView `json:"sessions"`
	TotalCount int           `json:"total_count"`
}

type TallyView struct {
	HostID   int64  `json:"host_id"`
	Hostname string `json:"hostname"`
	Success  int    `json:"success"`
	Skip     int    `json:"skip"`
	Error    int    `json:"error"`
	Pending  int    `json:"pending"`
}

type SessionDetail struct {
	Session SessionView `json:"session"`
	Hosts   []TallyView `json:"hosts"`
}

type CheckRunView struct {
	ID         int64   `json:"id"`
	SessionID  int64   `json:"session_id"`
	HostID     int64   `json:"host_id"`
	Check      string  `json:"check"`
	Status     string  `json:"status"`
	Reason     string  `json:"reason,omitempty"`
	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

type ListCheckRunsResponse struct {
	CheckRuns []CheckRunView `json:"check_runs"`
}

type ErrorView struct {
	Stage     string `json:"stage"`
	Stderr    string `json:"stderr,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	CreatedAt string `json:"created_at"`
}

type CheckRunDetail struct {
	CheckRun CheckRunView   `json:"check_run"`
	Results  map[string]int `json:"results"`
	Errors   []ErrorView    `json:"errors"`
}

type SnapshotView struct {
	Digest         string `json:"digest"`
	Encoding       string `json:"encoding"`
	StoredLength   int64  `json:"stored_length"`
	OriginalLength int64  `json:"original_length"`
	Truncated      bool   `json:"truncated"`
	ContentKind    string `json:"content_kind"`
	CapturedAt     string `json:"captured_at"`
	References     int    `json:"references"`
}

func timeString(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func optionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := timeString(*t)
	return &s
}

func hostView(h store.Host) HostView {
	return HostView{
		ID:       h.ID,
		Hostname: h.Hostname,
		Address:  h.Address,
		User:     h.User,
		Port:     h.Port,
		UseSudo:  h.UseSudo,
	}
}

func sessionView(s store.Session) SessionView {
	return SessionView{
		ID:         s.ID,
		RunID:      s.RunID,
		StartedAt:  timeString(s.StartedAt),
		FinishedAt: optionalTime(s.FinishedAt),
		Mode:       s.Mode,
		Incomplete: s.Incomplete,
	}
}

func tallyView(t store.Tally) TallyView {
	return TallyView{
		HostID:   t.HostID,
		Hostname: t.Hostname,
		Success:  t.Success,
		Skip:     t.Skip,
		Error:    t.Error,
		Pending:  t.Pending,
	}
}

func checkRunView(r store.CheckRun) CheckRunView {
	return CheckRunView{
		ID:         r.ID,
		SessionID:  r.SessionID,
		HostID:     r.HostID,
		Check:      r.CheckName,
		Status:     string(r.Status),
		Reason:     r.Reason,
		StartedAt:  timeString(r.StartedAt),
		FinishedAt: optionalTime(r.FinishedAt),
	}
}

func errorView(e store.ErrorRecord) ErrorView {
	return ErrorView{
		Stage:     e.Stage,
		Stderr:    e.Stderr,
		ExitCode:  e.ExitCode,
		CreatedAt: timeString(e.CreatedAt),
	}
}

func snapshotView(s store.Snapshot) SnapshotView {
	return SnapshotView{
		Digest:         s.Digest,
		Encoding:       s.Encoding,
		StoredLength:   s.StoredLength,
		OriginalLength: s.OriginalLength,
		Truncated:      s.Truncated,
		ContentKind:    s.ContentKind,
		CapturedAt:     timeString(s.CapturedAt),
	}
}
