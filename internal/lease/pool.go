// Package lease hands out numeric broker client ids to worker processes from
// a fixed per-mode range and reclaims ids whose owner died or went silent.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"brokerd/internal/config"
	"brokerd/internal/ipc"
	"brokerd/internal/logger"
	"brokerd/internal/orders"
	"brokerd/internal/pkg/reason"
	"brokerd/internal/proc"
	"brokerd/internal/store/gormstore"
	"brokerd/internal/store/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var leaseLog = logger.Named("lease")

type Status string

const (
	StatusFree   Status = "free"
	StatusLeased Status = "leased"
)

// ReleaseStaleOrDead is the release reason written by the reaper.
const ReleaseStaleOrDead = string(reason.StaleOrDead)

const terminateGrace = 3 * time.Second

type Lease struct {
	ClientID      int
	Mode          string
	Status        Status
	OrderID       int64
	Token         string
	PID           int
	Workdir       string
	AcquiredAt    time.Time
	LastHeartbeat time.Time
	ReleasedAt    time.Time
	ReleaseReason string
}

// Hooks observe pool events; any field may be nil.
type Hooks struct {
	OnLease     func(mode string, clientID int)
	OnExhausted func(mode string)
	OnReap      func(mode string, clientID int)
}

type Pool struct {
	db            *gorm.DB
	cfg           config.LeaseConfig
	prober        proc.Prober
	readHeartbeat func(workdir string) (time.Time, bool)
	now           func() time.Time
	hooks         Hooks
}

type Option func(*Pool)

func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

func WithHeartbeatReader(fn func(workdir string) (time.Time, bool)) Option {
	return func(p *Pool) {
		if fn != nil {
			p.readHeartbeat = fn
		}
	}
}

func WithHooks(h Hooks) Option { return func(p *Pool) { p.hooks = h } }

func NewPool(db *gorm.DB, cfg config.LeaseConfig, prober proc.Prober, opts ...Option) *Pool {
	if prober == nil {
		prober = proc.OS{}
	}
	p := &Pool{
		db:            db,
		cfg:           cfg,
		prober:        prober,
		readHeartbeat: ipc.ReadHeartbeat,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func normalizeMode(mode string) (string, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode != "paper" && mode != "live" {
		return "", fmt.Errorf("lease: unknown mode %q", mode)
	}
	return mode, nil
}

// Range returns the half-open client id range [lo, hi) of mode.
func (p *Pool) Range(mode string) (int, int) {
	lo := p.cfg.BaseClientID
	if strings.EqualFold(strings.TrimSpace(mode), "live") {
		lo += p.cfg.LiveOffset
	}
	return lo, lo + p.cfg.PoolSize
}

func (p *Pool) inRange(tx *gorm.DB, mode string) *gorm.DB {
	lo, hi := p.Range(mode)
	return tx.Where("client_id >= ? AND client_id < ?", lo, hi)
}

// EnsurePool creates the missing rows of mode's range as free.
func (p *Pool) EnsurePool(ctx context.Context, mode string) error {
	mode, err := normalizeMode(mode)
	if err != nil {
		return err
	}
	lo, hi := p.Range(mode)
	var existing []int
	if err := p.db.WithContext(ctx).Model(&model.LeaseModel{}).
		Where("client_id >= ? AND client_id < ?", lo, hi).
		Pluck("client_id", &existing).Error; err != nil {
		return err
	}
	have := make(map[int]struct{}, len(existing))
	for _, id := range existing {
		have[id] = struct{}{}
	}
	now := p.now().UTC()
	var rows []model.LeaseModel
	for id := lo; id < hi; id++ {
		if _, ok := have[id]; ok {
			continue
		}
		rows = append(rows, model.LeaseModel{ClientID: id, Mode: mode, Status: string(StatusFree), UpdatedAt: now})
	}
	if len(rows) == 0 {
		return nil
	}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "client_id"}}, DoNothing: true}).
		Create(&rows).Error
}

// Lease assigns the lowest free client id of mode to orderID. It never
// blocks: an empty pool fails with pool_exhausted and the caller retries.
func (p *Pool) Lease(ctx context.Context, orderID int64, mode, workdir string) (Lease, error) {
	mode, err := normalizeMode(mode)
	if err != nil {
		return Lease{}, err
	}
	if err := p.EnsurePool(ctx, mode); err != nil {
		return Lease{}, err
	}
	if _, err := p.ReapStaleLeases(ctx, mode, p.now()); err != nil {
		leaseLog.Warnf("lease reap 失败 mode=%s: %v", mode, err)
	}
	for attempt := 0; attempt < 3; attempt++ {
		out, err := p.tryLease(ctx, orderID, mode, workdir)
		if err == nil {
			if p.hooks.OnLease != nil {
				p.hooks.OnLease(mode, out.ClientID)
			}
			return out, nil
		}
		if !errors.Is(err, errLostRace) {
			if errors.Is(err, reason.ErrPoolExhausted) && p.hooks.OnExhausted != nil {
				p.hooks.OnExhausted(mode)
			}
			return Lease{}, err
		}
	}
	if p.hooks.OnExhausted != nil {
		p.hooks.OnExhausted(mode)
	}
	return Lease{}, reason.New(reason.PoolExhausted, "mode=%s: contention", mode)
}

var errLostRace = errors.New("lease: lost selection race")

func (p *Pool) tryLease(ctx context.Context, orderID int64, mode, workdir string) (Lease, error) {
	var out Lease
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row model.LeaseModel
		err := p.inRange(gormstore.ForUpdate(tx, true), mode).
			Where("status <> ?", string(StatusLeased)).
			Order("client_id ASC").
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			lo, hi := p.Range(mode)
			return reason.New(reason.PoolExhausted, "mode=%s range=[%d,%d)", mode, lo, hi)
		}
		if err != nil {
			return err
		}
		now := p.now().UTC()
		token := uuid.NewString()
		updates := map[string]any{
			"status":         string(StatusLeased),
			"mode":           mode,
			"token":          token,
			"pid":            nil,
			"workdir":        workdir,
			"acquired_at":    now,
			"last_heartbeat": now,
			"released_at":    nil,
			"release_reason": "",
			"updated_at":     now,
		}
		if orderID > 0 {
			updates["order_id"] = orderID
		} else {
			updates["order_id"] = nil
		}
		// conditional update: a concurrent winner leaves zero rows affected
		res := tx.Model(&model.LeaseModel{}).
			Where("client_id = ? AND status <> ?", row.ClientID, string(StatusLeased)).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errLostRace
		}
		if err := tx.Where("client_id = ?", row.ClientID).Take(&row).Error; err != nil {
			return err
		}
		out = toLease(row)
		return nil
	})
	if err == nil {
		leaseLog.Infof("lease client_id=%d mode=%s order=%d", out.ClientID, mode, orderID)
	}
	return out, err
}

// AttachPID binds the spawned worker's pid to the lease identified by token.
func (p *Pool) AttachPID(ctx context.Context, token string, pid int) error {
	res := p.db.WithContext(ctx).Model(&model.LeaseModel{}).
		Where("token = ? AND status = ?", token, string(StatusLeased)).
		Updates(map[string]any{"pid": pid, "updated_at": p.now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return reason.New(reason.LeaseNotFound, "token=%s", token)
	}
	return nil
}

// Heartbeat records a liveness report for the lease identified by token.
func (p *Pool) Heartbeat(ctx context.Context, token string, at time.Time) error {
	res := p.db.WithContext(ctx).Model(&model.LeaseModel{}).
		Where("token = ? AND status = ?", token, string(StatusLeased)).
		Updates(map[string]any{"last_heartbeat": at.UTC(), "updated_at": p.now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return reason.New(reason.LeaseNotFound, "token=%s", token)
	}
	return nil
}

// Release frees the lease identified by token. Releasing an already free
// token is not an error.
func (p *Pool) Release(ctx context.Context, token, why string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	return p.release(p.db.WithContext(ctx), why, "token = ?", token)
}

func (p *Pool) release(tx *gorm.DB, why, where string, args ...any) error {
	now := p.now().UTC()
	args = append(args, string(StatusLeased))
	return tx.Model(&model.LeaseModel{}).
		Where(where+" AND status = ?", args...).
		Updates(map[string]any{
			"status":         string(StatusFree),
			"order_id":       nil,
			"token":          nil,
			"pid":            nil,
			"workdir":        "",
			"released_at":    now,
			"release_reason": why,
			"updated_at":     now,
		}).Error
}

// ReapStaleLeases releases leases of mode whose owner is dead or silent at
// now. A lease whose order is still working at the broker is kept even when
// stale. Returns how many leases were released.
func (p *Pool) ReapStaleLeases(ctx context.Context, mode string, now time.Time) (int, error) {
	mode, err := normalizeMode(mode)
	if err != nil {
		return 0, err
	}
	var leased []model.LeaseModel
	if err := p.inRange(p.db.WithContext(ctx), mode).
		Where("status = ?", string(StatusLeased)).
		Order("client_id ASC").
		Find(&leased).Error; err != nil {
		return 0, err
	}
	reaped := 0
	for _, row := range leased {
		l := toLease(row)
		hb, hbKnown := p.readHeartbeat(l.Workdir)
		if !hbKnown && l.LastHeartbeat.After(l.AcquiredAt) {
			hb, hbKnown = l.LastHeartbeat, true
		}
		if !p.isStale(l, hb, hbKnown, now) {
			if hbKnown {
				p.recordHeartbeat(ctx, l, hb)
			}
			continue
		}
		working, err := p.orderWorking(ctx, l.OrderID)
		if err != nil {
			leaseLog.Warnf("lease %d: 订单状态查询失败，跳过: %v", l.ClientID, err)
			continue
		}
		if working {
			leaseLog.Warnf("lease %d 已失联但订单 %d 仍在途，保留", l.ClientID, l.OrderID)
			if hbKnown {
				p.recordHeartbeat(ctx, l, hb)
			}
			continue
		}
		if l.PID > 0 {
			if err := p.prober.Terminate(l.PID, terminateGrace); err != nil {
				leaseLog.Warnf("lease %d: 终止 pid=%d 失败: %v", l.ClientID, l.PID, err)
			}
		}
		if err := p.release(p.db.WithContext(ctx), ReleaseStaleOrDead, "client_id = ? AND token = ?", l.ClientID, l.Token); err != nil {
			return reaped, err
		}
		reaped++
		leaseLog.Infof("lease %d 已回收 (order=%d pid=%d)", l.ClientID, l.OrderID, l.PID)
		if p.hooks.OnReap != nil {
			p.hooks.OnReap(mode, l.ClientID)
		}
	}
	return reaped, nil
}

func (p *Pool) isStale(l Lease, hb time.Time, hbKnown bool, now time.Time) bool {
	timeout := p.cfg.HeartbeatTimeout()
	switch {
	case l.PID > 0 && !p.prober.Alive(l.PID):
		return true
	case hbKnown && timeout > 0 && now.Sub(hb) > timeout:
		return true
	case !hbKnown && timeout > 0 && now.Sub(l.AcquiredAt) > timeout:
		return true
	case l.PID <= 0 && p.cfg.TTL() > 0 && now.Sub(l.AcquiredAt) > p.cfg.TTL():
		return true
	}
	return false
}

func (p *Pool) recordHeartbeat(ctx context.Context, l Lease, hb time.Time) {
	if !hb.After(l.LastHeartbeat) {
		return
	}
	if err := p.db.WithContext(ctx).Model(&model.LeaseModel{}).
		Where("client_id = ? AND token = ?", l.ClientID, l.Token).
		Update("last_heartbeat", hb.UTC()).Error; err != nil {
		leaseLog.Warnf("lease %d heartbeat 写入失败: %v", l.ClientID, err)
	}
}

func (p *Pool) orderWorking(ctx context.Context, orderID int64) (bool, error) {
	if orderID <= 0 {
		return false, nil
	}
	var row model.OrderModel
	err := p.db.WithContext(ctx).Select("id", "status").Where("id = ?", orderID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return orders.Status(row.Status).Working(), nil
}

// List returns every lease row of mode ordered by client id.
func (p *Pool) List(ctx context.Context, mode string) ([]Lease, error) {
	mode, err := normalizeMode(mode)
	if err != nil {
		return nil, err
	}
	var rows []model.LeaseModel
	if err := p.inRange(p.db.WithContext(ctx), mode).Order("client_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Lease, 0, len(rows))
	for _, row := range rows {
		out = append(out, toLease(row))
	}
	return out, nil
}

// InUse counts leased ids of mode.
func (p *Pool) InUse(ctx context.Context, mode string) (int, error) {
	var n int64
	err := p.inRange(p.db.WithContext(ctx).Model(&model.LeaseModel{}), mode).
		Where("status = ?", string(StatusLeased)).Count(&n).Error
	return int(n), err
}

func toLease(row model.LeaseModel) Lease {
	l := Lease{
		ClientID:      row.ClientID,
		Mode:          row.Mode,
		Status:        Status(row.Status),
		Workdir:       row.Workdir,
		ReleaseReason: row.ReleaseReason,
	}
	if row.OrderID != nil {
		l.OrderID = *row.OrderID
	}
	if row.Token != nil {
		l.Token = *row.Token
	}
	if row.PID != nil {
		l.PID = *row.PID
	}
	if row.AcquiredAt != nil {
		l.AcquiredAt = row.AcquiredAt.UTC()
	}
	if row.LastHeartbeat != nil {
		l.LastHeartbeat = row.LastHeartbeat.UTC()
	}
	if row.ReleasedAt != nil {
		l.ReleasedAt = row.ReleasedAt.UTC()
	}
	return l
}
