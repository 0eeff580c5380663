// Package api defines the JSON DTOs and projection helpers shared by the
// daemon's HTTP surface and the CLI client. The UI derives all progress
// indication from these durable fields; there is no separate in-flight
// state.
package api

import (
	"time"

	"earshot/internal/scheduler"
	"earshot/internal/store"
	"earshot/internal/workflow"
)

// SchedulerStatus is the GET /scheduler/status response.
type SchedulerStatus struct {
	SchedulerRunning    bool      `json:"scheduler_running"`
	IsPolling           bool      `json:"is_polling"`
	PollIntervalSeconds int       `json:"poll_interval_seconds"`
	NextPollAt          time.Time `json:"next_poll_at"`
	NextPollInSeconds   float64   `json:"next_poll_in_seconds"`
}

// FromSchedulerStatus projects the internal status.
func FromSchedulerStatus(s scheduler.Status, now time.Time) SchedulerStatus {
	nextIn := s.NextPollAt.Sub(now).Seconds()
	if nextIn < 0 {
		nextIn = 0
	}
	return SchedulerStatus{
		SchedulerRunning:    s.Running,
		IsPolling:           s.Polling,
		PollIntervalSeconds: s.PollIntervalSeconds,
		NextPollAt:          s.NextPollAt,
		NextPollInSeconds:   nextIn,
	}
}

// DaemonStatus is the GET /api/status response.
type DaemonStatus struct {
	Running     bool            `json:"running"`
	PID         int             `json:"pid"`
	Since       time.Time       `json:"since"`
	DBPath      string          `json:"db_path"`
	LockPath    string          `json:"lock_path"`
	Scheduler   SchedulerStatus `json:"scheduler"`
	QueueDepth  map[string]int  `json:"queue_depth"`
	Health      Health          `json:"health"`
}

// Health is the projected store health summary.
type Health struct {
	Equities        int            `json:"equities"`
	WatchlistSize   int            `json:"watchlist_size"`
	ActiveGroups    int            `json:"active_groups"`
	ScheduleRows    int            `json:"schedule_rows"`
	ScheduleDue     int            `json:"schedule_due"`
	QueueDepth      map[string]int `json:"queue_depth"`
	DeadLetters     int            `json:"dead_letters"`
	AnalysesDone    int            `json:"analyses_done"`
	OutboxPending   int            `json:"outbox_pending"`
	OutboxSent      int            `json:"outbox_sent"`
	ResearchPending int            `json:"research_pending"`
	ResearchDone    int            `json:"research_done"`
}

// FromHealth projects the store summary.
func FromHealth(h store.HealthSummary) Health {
	return Health{
		Equities:        h.Equities,
		WatchlistSize:   h.WatchlistSize,
		ActiveGroups:    h.ActiveGroups,
		ScheduleRows:    h.ScheduleRows,
		ScheduleDue:     h.ScheduleDue,
		QueueDepth:      h.QueueDepth,
		DeadLetters:     h.DeadLetters,
		AnalysesDone:    h.AnalysesDone,
		OutboxPending:   h.OutboxPending,
		OutboxSent:      h.OutboxSent,
		ResearchPending: h.ResearchPending,
		ResearchDone:    h.ResearchDone,
	}
}

// FromStatusSummary projects the workflow summary.
func FromStatusSummary(s workflow.StatusSummary, now time.Time) (SchedulerStatus, map[string]int) {
	return FromSchedulerStatus(s.Scheduler, now), s.QueueDepth
}

// AnalyzeRequest is the POST /analyze/{equity_id} body.
type AnalyzeRequest struct {
	Force   bool   `json:"force"`
	Quarter string `json:"quarter,omitempty"`
	Year    int    `json:"year,omitempty"`
}

// AnalyzeResponse reports the job created for a manual analysis.
type AnalyzeResponse struct {
	JobID          int64  `json:"job_id"`
	TranscriptID   int64  `json:"transcript_id"`
	IdempotencyKey string `json:"idempotency_key"`
	AlreadyQueued  bool   `json:"already_queued"`
}

// ArticleRequest is the POST /groups/{id}/articles body.
type ArticleRequest struct {
	Quarter string `json:"quarter"`
	Year    int    `json:"year"`
}

// ResearchRun is the projected research run DTO.
type ResearchRun struct {
	ID       int64     `json:"id"`
	GroupID  int64     `json:"group_id"`
	Quarter  string    `json:"quarter"`
	Year     int       `json:"year"`
	Status   string    `json:"status"`
	Error    string    `json:"error,omitempty"`
	Created  time.Time `json:"created_at"`
	Updated  time.Time `json:"updated_at"`
}

// FromResearchRun projects a store run.
func FromResearchRun(run *store.ResearchRun) ResearchRun {
	return ResearchRun{
		ID:      run.ID,
		GroupID: run.GroupID,
		Quarter: string(run.Quarter),
		Year:    run.Year,
		Status:  string(run.Status),
		Error:   run.ErrorMessage,
		Created: run.CreatedAt,
		Updated: run.UpdatedAt,
	}
}

// QueueMessage is the projected queue message DTO.
type QueueMessage struct {
	ID          int64      `json:"id"`
	Queue       string     `json:"queue"`
	Payload     string     `json:"payload"`
	AvailableAt time.Time  `json:"available_at"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	Attempts    int        `json:"attempts"`
}

// FromMessage projects a store message.
func FromMessage(msg *store.Message) QueueMessage {
	return QueueMessage{
		ID:          msg.ID,
		Queue:       msg.Queue,
		Payload:     msg.Payload,
		AvailableAt: msg.AvailableAt,
		LockedUntil: msg.LockedUntil,
		Attempts:    msg.Attempts,
	}
}

// AnalysisJob is the projected job DTO.
type AnalysisJob struct {
	ID           int64      `json:"id"`
	TranscriptID int64      `json:"transcript_id"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	Force        bool       `json:"force"`
	Error        string     `json:"error,omitempty"`
	RetryNextAt  *time.Time `json:"retry_next_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// FromAnalysisJob projects a store job.
func FromAnalysisJob(job *store.AnalysisJob) AnalysisJob {
	return AnalysisJob{
		ID:           job.ID,
		TranscriptID: job.TranscriptID,
		Status:       string(job.Status),
		Attempts:     job.Attempts,
		Force:        job.Force,
		Error:        job.ErrorMessage,
		RetryNextAt:  job.RetryNextAt,
		CreatedAt:    job.CreatedAt,
	}
}

// OutboxRow is the projected outbox DTO.
type OutboxRow struct {
	ID          int64      `json:"id"`
	AnalysisID  int64      `json:"analysis_id"`
	Recipient   string     `json:"recipient"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	RetryNextAt *time.Time `json:"retry_next_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// FromOutboxRow projects a store outbox row.
func FromOutboxRow(row *store.OutboxRow) OutboxRow {
	return OutboxRow{
		ID:          row.ID,
		AnalysisID:  row.AnalysisID,
		Recipient:   row.Recipient,
		Status:      string(row.Status),
		Attempts:    row.Attempts,
		RetryNextAt: row.RetryNextAt,
		LastError:   row.LastError,
	}
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
