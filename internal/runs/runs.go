// Package runs tracks execution batches: their lifecycle, progress stamps
// and stall detection.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"brokerd/internal/logger"
	"brokerd/internal/pkg/reason"
	"brokerd/internal/store/model"

	"github.com/tidwall/gjson"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var runsLog = logger.Named("runs")

type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusStalled  Status = "stalled"
	StatusDone     Status = "done"
	StatusPartial  Status = "partial"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

var transitions = map[Status]map[Status]bool{
	StatusQueued:  {StatusRunning: true, StatusCanceled: true, StatusFailed: true},
	StatusRunning: {StatusStalled: true, StatusDone: true, StatusPartial: true, StatusFailed: true, StatusCanceled: true},
	StatusStalled: {StatusRunning: true, StatusDone: true, StatusPartial: true, StatusFailed: true, StatusCanceled: true},
}

func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return transitions[from][to]
}

func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusPartial, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Params is the free-form run parameter document.
type Params struct {
	IntentsPath    string         `json:"intents_path,omitempty"`
	ExecParamsPath string         `json:"exec_params_path,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

type Run struct {
	ID             int64
	Token          string
	Mode           string
	Status         Status
	Stage          string
	ProgressReason string
	LastProgressAt time.Time
	Params         Params
	Workdir        string
	LeaseToken     string
	ClientID       int
	WorkerPID      int
	TerminalReason string
	StartedAt      time.Time
	FinishedAt     time.Time
	CreatedAt      time.Time
}

// SessionClock reports whether the trading session is open.
type SessionClock interface {
	IsOpen(t time.Time) bool
}

// IsStalled is true iff the run is running, the session is open and no
// progress has been stamped for at least window.
func IsStalled(r Run, now time.Time, window time.Duration, session SessionClock) bool {
	if r.Status != StatusRunning || window <= 0 {
		return false
	}
	if session == nil || !session.IsOpen(now) {
		return false
	}
	last := r.LastProgressAt
	if last.IsZero() {
		last = r.StartedAt
	}
	if last.IsZero() {
		last = r.CreatedAt
	}
	return now.Sub(last) >= window
}

type Service struct {
	db  *gorm.DB
	now func() time.Time
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// SetClock overrides the time source. Intended for tests.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

type CreateRequest struct {
	Token   string
	Mode    string
	Params  Params
	Workdir string
}

// Create inserts a queued run; an existing token returns the stored run.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Run, bool, error) {
	token := strings.TrimSpace(req.Token)
	if token == "" {
		return Run{}, false, reason.New(reason.InvalidOrder, "run token 不能为空")
	}
	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	if mode != "paper" && mode != "live" {
		return Run{}, false, reason.New(reason.InvalidOrder, "unknown mode %q", req.Mode)
	}
	var existing model.RunModel
	err := s.db.WithContext(ctx).Where("token = ?", token).Take(&existing).Error
	if err == nil {
		return toRun(existing), false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Run{}, false, err
	}
	params, err := json.Marshal(req.Params)
	if err != nil {
		return Run{}, false, err
	}
	now := s.now().UTC()
	row := model.RunModel{
		Token:     token,
		Mode:      mode,
		Status:    string(StatusQueued),
		Stage:     "queued",
		Params:    datatypes.JSON(params),
		Workdir:   req.Workdir,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Run{}, false, err
	}
	return toRun(row), true, nil
}

func (s *Service) Get(ctx context.Context, id int64) (Run, error) {
	var row model.RunModel
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Run{}, reason.New(reason.RunNotFound, "id=%d", id)
	}
	if err != nil {
		return Run{}, err
	}
	return toRun(row), nil
}

// List returns runs in any of statuses (all runs when empty), oldest first.
func (s *Service) List(ctx context.Context, statuses ...Status) ([]Run, error) {
	q := s.db.WithContext(ctx).Model(&model.RunModel{})
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statusNames(statuses))
	}
	var rows []model.RunModel
	if err := q.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(rows))
	for _, row := range rows {
		out = append(out, toRun(row))
	}
	return out, nil
}

// Transition moves a run along its lifecycle. Entering a terminal status
// stamps finished_at and records why as the terminal reason.
func (s *Service) Transition(ctx context.Context, id int64, to Status, why string) (Run, error) {
	var out Run
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row model.RunModel
		if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return reason.New(reason.RunNotFound, "id=%d", id)
			}
			return err
		}
		from := Status(row.Status)
		if from == to {
			out = toRun(row)
			return nil
		}
		if !CanTransition(from, to) {
			return reason.New(reason.InvalidTransition, "run %d: %s -> %s", id, from, to)
		}
		now := s.now().UTC()
		updates := map[string]any{
			"status":          string(to),
			"stage":           string(to),
			"progress_reason": why,
			"updated_at":      now,
		}
		switch {
		case to == StatusRunning && row.StartedAt == nil:
			updates["started_at"] = now
			updates["last_progress_at"] = now
		case to == StatusRunning:
			updates["last_progress_at"] = now
		case to.Terminal():
			updates["finished_at"] = now
			updates["terminal_reason"] = why
		}
		if err := tx.Model(&model.RunModel{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
			return err
		}
		out = toRun(row)
		runsLog.Infof("run %d: %s -> %s (%s)", id, from, to, why)
		return nil
	})
	return out, err
}

// StampProgress bumps the progress fields of a running or stalled run inside
// tx. A stalled run that makes progress goes back to running. Runs in any
// other status are left alone.
func (s *Service) StampProgress(tx *gorm.DB, runID int64, stage, why string, at time.Time) error {
	if runID <= 0 {
		return nil
	}
	if tx == nil {
		tx = s.db
	}
	at = at.UTC()
	res := tx.Model(&model.RunModel{}).
		Where("id = ? AND status IN ?", runID, statusNames([]Status{StatusRunning, StatusStalled})).
		Updates(map[string]any{
			"status":           string(StatusRunning),
			"stage":            stage,
			"progress_reason":  why,
			"last_progress_at": at,
			"updated_at":       at,
		})
	return res.Error
}

// Bump stamps progress outside of any caller transaction.
func (s *Service) Bump(ctx context.Context, runID int64, stage, why string) error {
	return s.StampProgress(s.db.WithContext(ctx), runID, stage, why, s.now())
}

// Worker describes the process bound to a run.
type Worker struct {
	LeaseToken string
	ClientID   int
	PID        int
	Workdir    string
}

func (s *Service) AttachWorker(ctx context.Context, id int64, w Worker) error {
	updates := map[string]any{"updated_at": s.now().UTC()}
	if w.LeaseToken != "" {
		updates["lease_token"] = w.LeaseToken
	}
	if w.ClientID > 0 {
		updates["client_id"] = w.ClientID
	}
	if w.PID > 0 {
		updates["worker_pid"] = w.PID
	}
	if w.Workdir != "" {
		updates["workdir"] = w.Workdir
	}
	res := s.db.WithContext(ctx).Model(&model.RunModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return reason.New(reason.RunNotFound, "id=%d", id)
	}
	return nil
}

// Finalize derives the terminal status of a run once every order in it is
// terminal: all filled is done, any fill is partial, otherwise failed.
// done=false means the run still has working orders or is already terminal.
func (s *Service) Finalize(ctx context.Context, id int64) (Run, bool, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return Run{}, false, err
	}
	if r.Status.Terminal() {
		return r, false, nil
	}
	var rows []model.OrderModel
	if err := s.db.WithContext(ctx).Select("id", "status", "filled_quantity", "metadata").
		Where("run_id = ?", id).Find(&rows).Error; err != nil {
		return Run{}, false, err
	}
	// orders replaced by auto-recovery are accounted for by their replacement
	live := rows[:0]
	for _, row := range rows {
		if gjson.GetBytes(row.Metadata, "retry.replaced_by").Int() > 0 && !row.FilledQuantity.IsPositive() {
			continue
		}
		live = append(live, row)
	}
	rows = live
	if len(rows) == 0 {
		return r, false, nil
	}
	filled, anyFill := 0, false
	for _, row := range rows {
		switch row.Status {
		case "FILLED":
			filled++
			anyFill = true
		case "CANCELED", "REJECTED":
			if row.FilledQuantity.IsPositive() {
				anyFill = true
			}
		default:
			return r, false, nil
		}
	}
	to := StatusFailed
	switch {
	case filled == len(rows):
		to = StatusDone
	case anyFill:
		to = StatusPartial
	}
	if !CanTransition(r.Status, to) {
		to = StatusFailed
	}
	out, err := s.Transition(ctx, id, to, "orders_terminal")
	if err != nil {
		return Run{}, false, err
	}
	return out, true, nil
}

func statusNames(statuses []Status) []string {
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, string(st))
	}
	return out
}

func toRun(row model.RunModel) Run {
	r := Run{
		ID:             row.ID,
		Token:          row.Token,
		Mode:           row.Mode,
		Status:         Status(row.Status),
		Stage:          row.Stage,
		ProgressReason: row.ProgressReason,
		Workdir:        row.Workdir,
		TerminalReason: row.TerminalReason,
		CreatedAt:      row.CreatedAt.UTC(),
	}
	if len(row.Params) > 0 {
		if err := json.Unmarshal(row.Params, &r.Params); err != nil {
			runsLog.Warnf("run %d params 解析失败: %v", row.ID, err)
		}
	}
	if row.LastProgressAt != nil {
		r.LastProgressAt = row.LastProgressAt.UTC()
	}
	if row.StartedAt != nil {
		r.StartedAt = row.StartedAt.UTC()
	}
	if row.FinishedAt != nil {
		r.FinishedAt = row.FinishedAt.UTC()
	}
	if row.LeaseToken != nil {
		r.LeaseToken = *row.LeaseToken
	}
	if row.ClientID != nil {
		r.ClientID = *row.ClientID
	}
	if row.WorkerPID != nil {
		r.WorkerPID = *row.WorkerPID
	}
	return r
}
