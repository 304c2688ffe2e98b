package orders

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"brokerd/internal/logger"
	"brokerd/internal/pkg/reason"
	"brokerd/internal/store/gormstore"
	"brokerd/internal/store/journal"
	"brokerd/internal/store/model"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ordersLog = logger.Named("orders")

// ProgressStamper records run progress inside the caller's transaction.
type ProgressStamper interface {
	StampProgress(tx *gorm.DB, runID int64, stage, why string, at time.Time) error
}

// TransitionRecorder receives committed status changes.
type TransitionRecorder interface {
	Append(ctx context.Context, e journal.Entry) error
}

// Observer is notified after every committed status change.
type Observer func(from, to Status)

type Option func(*Service)

func WithProgress(p ProgressStamper) Option { return func(s *Service) { s.progress = p } }

func WithJournal(j TransitionRecorder) Option { return func(s *Service) { s.journal = j } }

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithObserver(fn Observer) Option {
	return func(s *Service) {
		if fn != nil {
			s.observers = append(s.observers, fn)
		}
	}
}

// Service is the order and fill store. All mutations run in one transaction
// each; the journal and observers only see committed changes.
type Service struct {
	db        *gorm.DB
	progress  ProgressStamper
	journal   TransitionRecorder
	now       func() time.Time
	observers []Observer
}

func NewService(db *gorm.DB, opts ...Option) *Service {
	s := &Service{db: db, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

type orderSpec struct {
	clientOrderID string
	runID         int64
	mode          string
	symbol        string
	side          Side
	quantity      decimal.Decimal
	orderType     OrderType
	limitPrice    *decimal.Decimal
	metadata      Metadata
}

func normalizeCreate(req CreateRequest) (orderSpec, error) {
	spec := orderSpec{
		clientOrderID: strings.TrimSpace(req.ClientOrderID),
		runID:         req.RunID,
		mode:          strings.ToLower(strings.TrimSpace(req.Mode)),
		symbol:        strings.ToUpper(strings.TrimSpace(req.Symbol)),
		quantity:      req.Quantity,
		limitPrice:    req.LimitPrice,
		metadata:      req.Metadata,
	}
	if spec.clientOrderID == "" {
		return spec, reason.New(reason.InvalidOrder, "client_order_id 不能为空")
	}
	if len(spec.clientOrderID) > MaxClientOrderIDLen {
		return spec, reason.New(reason.InvalidOrder, "client_order_id 超长: %d", len(spec.clientOrderID))
	}
	if spec.mode == "" {
		spec.mode = "paper"
	}
	if spec.mode != "paper" && spec.mode != "live" {
		return spec, reason.New(reason.InvalidOrder, "unknown mode %q", req.Mode)
	}
	if spec.symbol == "" {
		return spec, reason.New(reason.InvalidOrder, "symbol 不能为空")
	}
	side, err := NormalizeSide(req.Side)
	if err != nil {
		return spec, err
	}
	spec.side = side
	if !spec.quantity.IsPositive() {
		return spec, reason.New(reason.InvalidOrder, "quantity 需 > 0")
	}
	ot, err := NormalizeOrderType(req.OrderType)
	if err != nil {
		return spec, err
	}
	spec.orderType = ot
	switch {
	case ot.RequiresLimit() && (spec.limitPrice == nil || !spec.limitPrice.IsPositive()):
		return spec, reason.New(reason.InvalidOrder, "%s 需要 limit_price > 0", ot)
	case !ot.RequiresLimit() && spec.limitPrice != nil:
		return spec, reason.New(reason.InvalidOrder, "%s 不接受 limit_price", ot)
	}
	if strings.TrimSpace(spec.metadata.Tag) == "" {
		spec.metadata.Tag = spec.clientOrderID
	}
	return spec, nil
}

// Validate checks req without touching the store.
func Validate(req CreateRequest) error {
	_, err := normalizeCreate(req)
	return err
}

func (spec orderSpec) matches(o Order) bool {
	if o.Symbol != spec.symbol || o.Side != spec.side || o.OrderType != spec.orderType || !o.Quantity.Equal(spec.quantity) {
		return false
	}
	switch {
	case o.LimitPrice == nil && spec.limitPrice == nil:
		return true
	case o.LimitPrice == nil || spec.limitPrice == nil:
		return false
	default:
		return o.LimitPrice.Equal(*spec.limitPrice)
	}
}

// Create inserts a NEW order. Replaying the same client_order_id with the
// same fields returns the stored order with created=false; a replay with
// different fields fails with client_order_id_conflict.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Order, bool, error) {
	spec, err := normalizeCreate(req)
	if err != nil {
		return Order{}, false, err
	}
	var (
		out     Order
		created bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := findByClientOrderID(tx, spec.clientOrderID)
		if err != nil {
			return err
		}
		if found {
			out = existing
			return nil
		}
		now := s.now().UTC()
		row, err := s.insert(tx, spec, now)
		if err != nil {
			return err
		}
		out = toOrder(row)
		created = true
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// lost an insert race; the winner's row decides
		existing, found, ferr := findByClientOrderID(s.db.WithContext(ctx), spec.clientOrderID)
		if ferr != nil {
			return Order{}, false, ferr
		}
		if !found {
			return Order{}, false, err
		}
		out, created, err = existing, false, nil
	}
	if err != nil {
		return Order{}, false, err
	}
	if !created && !spec.matches(out) {
		return out, false, reason.New(reason.ClientOrderIDConflict, "%s", spec.clientOrderID)
	}
	return out, created, nil
}

func (s *Service) insert(tx *gorm.DB, spec orderSpec, now time.Time) (model.OrderModel, error) {
	meta, err := json.Marshal(spec.metadata)
	if err != nil {
		return model.OrderModel{}, err
	}
	row := model.OrderModel{
		ClientOrderID:  spec.clientOrderID,
		Mode:           spec.mode,
		Symbol:         spec.symbol,
		Side:           string(spec.side),
		Quantity:       spec.quantity,
		OrderType:      string(spec.orderType),
		LimitPrice:     nullDecimal(spec.limitPrice),
		Status:         string(StatusNew),
		FilledQuantity: decimal.Zero,
		Metadata:       datatypes.JSON(meta),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if spec.runID > 0 {
		runID := spec.runID
		row.RunID = &runID
	}
	if err := tx.Create(&row).Error; err != nil {
		return row, err
	}
	if spec.runID > 0 && s.progress != nil {
		return row, s.progress.StampProgress(tx, spec.runID, "orders", "order_created", now)
	}
	return row, nil
}

// Replace cancels an order that is still NEW and inserts its replacement in
// the same transaction. The replacement is keyed by its client_order_id, so
// a retried call reuses the row written earlier. When the order has left NEW
// the call fails with status_changed and nothing is written.
func (s *Service) Replace(ctx context.Context, id int64, req CreateRequest, opts TransitionOptions) (Order, Order, error) {
	spec, err := normalizeCreate(req)
	if err != nil {
		return Order{}, Order{}, err
	}
	var (
		canceled    Order
		replacement Order
		pending     []journal.Entry
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := loadForUpdate(tx, id)
		if err != nil {
			return err
		}
		if from := Status(row.Status); from != StatusNew {
			return reason.New(reason.StatusChanged, "order %d is %s, replace needs NEW", id, from)
		}
		now := s.now().UTC()
		existing, found, err := findByClientOrderID(tx, spec.clientOrderID)
		switch {
		case err != nil:
			return err
		case found && !spec.matches(existing):
			return reason.New(reason.ClientOrderIDConflict, "%s", spec.clientOrderID)
		case found:
			replacement = existing
		default:
			inserted, err := s.insert(tx, spec, now)
			if err != nil {
				return err
			}
			replacement = toOrder(inserted)
		}
		meta := decodeMetadata(row.Metadata)
		if opts.Mutate != nil {
			opts.Mutate(&meta)
		}
		if meta.Retry == nil {
			meta.Retry = &RetryInfo{}
		}
		meta.Retry.ReplacedBy = replacement.ID
		raw, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := tx.Model(&model.OrderModel{}).Where("id = ?", id).Updates(map[string]any{
			"status":        string(StatusCanceled),
			"status_reason": opts.Reason,
			"metadata":      datatypes.JSON(raw),
			"updated_at":    now,
		}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
			return err
		}
		canceled = toOrder(row)
		pending = append(pending, s.entry(canceled, StatusNew, StatusCanceled, opts.Reason, opts.Source, now))
		return s.stamp(tx, canceled, StatusCanceled, now)
	})
	if err != nil {
		return Order{}, Order{}, err
	}
	s.publish(ctx, pending)
	return canceled, replacement, nil
}

func findByClientOrderID(tx *gorm.DB, clientOrderID string) (Order, bool, error) {
	var row model.OrderModel
	err := tx.Where("client_order_id = ?", clientOrderID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Order{}, false, nil
	}
	if err != nil {
		return Order{}, false, err
	}
	return toOrder(row), true, nil
}

func loadForUpdate(tx *gorm.DB, id int64) (model.OrderModel, error) {
	var row model.OrderModel
	err := gormstore.ForUpdate(tx, false).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, reason.New(reason.OrderNotFound, "id=%d", id)
	}
	return row, err
}

// Transition moves an order along the lifecycle table. A same-state call is
// a no-op apart from metadata edits; an illegal edge fails with
// invalid_transition and changes nothing.
func (s *Service) Transition(ctx context.Context, id int64, to Status, opts TransitionOptions) (Order, error) {
	var (
		out     Order
		pending []journal.Entry
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := loadForUpdate(tx, id)
		if err != nil {
			return err
		}
		from := Status(row.Status)
		if !opts.expects(from) {
			return reason.New(reason.StatusChanged, "order %d is %s, expected %v", id, from, opts.From)
		}
		if to == "" {
			to = from
		}
		if !CanTransition(from, to) {
			return reason.New(reason.InvalidTransition, "order %d: %s -> %s", id, from, to)
		}
		now := s.now().UTC()
		updates := map[string]any{"updated_at": now}
		if opts.Mutate != nil {
			meta := decodeMetadata(row.Metadata)
			opts.Mutate(&meta)
			raw, err := json.Marshal(meta)
			if err != nil {
				return err
			}
			updates["metadata"] = datatypes.JSON(raw)
		}
		if bid := strings.TrimSpace(opts.BrokerOrderID); bid != "" && row.BrokerOrderID == nil {
			updates["broker_order_id"] = bid
		}
		changed := from != to
		if changed {
			updates["status"] = string(to)
			updates["status_reason"] = opts.Reason
		} else if len(updates) == 1 {
			out = toOrder(row)
			return nil
		}
		if err := tx.Model(&model.OrderModel{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
			return err
		}
		out = toOrder(row)
		if !changed {
			return nil
		}
		pending = append(pending, s.entry(out, from, to, opts.Reason, opts.Source, now))
		return s.stamp(tx, out, to, now)
	})
	if err != nil {
		return Order{}, err
	}
	s.publish(ctx, pending)
	return out, nil
}

// ApplyFill records one execution and recomputes filled quantity and the
// weighted average price. A replayed exec id is a no-op (applied=false). A
// NEW order implicitly passes through SUBMITTED. A CANCELED order whose
// cancel was only inferred still takes the fill: it becomes FILLED once
// complete and otherwise stays CANCELED with the fill recorded.
func (s *Service) ApplyFill(ctx context.Context, id int64, in FillInput) (Order, bool, error) {
	execID := strings.TrimSpace(in.ExecID)
	if execID == "" {
		return Order{}, false, reason.New(reason.InvalidOrder, "fill 缺少 exec_id")
	}
	if !in.Quantity.IsPositive() {
		return Order{}, false, reason.New(reason.InvalidOrder, "fill quantity 需 > 0")
	}
	if in.Price.IsNegative() {
		return Order{}, false, reason.New(reason.InvalidOrder, "fill price 不能为负")
	}
	var (
		out       Order
		applied   bool
		corrected bool
		pending   []journal.Entry
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := loadForUpdate(tx, id)
		if err != nil {
			return err
		}
		var prior model.FillModel
		err = tx.Where("order_id = ? AND exec_id = ?", id, execID).Take(&prior).Error
		switch {
		case err == nil:
			if in.Commission != nil && !prior.Commission.Valid {
				if err := tx.Model(&model.FillModel{}).Where("id = ?", prior.ID).
					Update("commission", nullDecimal(in.Commission)).Error; err != nil {
					return err
				}
			}
			out = toOrder(row)
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		from := Status(row.Status)
		meta := decodeMetadata(row.Metadata)
		// an inferred cancel gives way to an explicit execution
		correcting := from == StatusCanceled && inferredCancel(meta)
		if from.Terminal() && !correcting {
			return reason.New(reason.InvalidTransition, "order %d is %s, fill %s rejected", id, from, execID)
		}
		filled := row.FilledQuantity.Add(in.Quantity)
		if filled.GreaterThan(row.Quantity) {
			return reason.New(reason.InvalidOrder, "order %d overfill: %s > %s", id, filled, row.Quantity)
		}
		notional := in.Quantity.Mul(in.Price)
		if row.AvgFillPrice.Valid {
			notional = notional.Add(row.AvgFillPrice.Decimal.Mul(row.FilledQuantity))
		}
		avg := notional.DivRound(filled, 8)
		to := StatusPartial
		if filled.Equal(row.Quantity) {
			to = StatusFilled
		} else if correcting {
			to = StatusCanceled
		}
		now := s.now().UTC()
		fillTime := in.Time
		if fillTime.IsZero() {
			fillTime = now
		}
		fill := model.FillModel{
			OrderID:    id,
			ExecID:     execID,
			Quantity:   in.Quantity,
			Price:      in.Price,
			Commission: nullDecimal(in.Commission),
			Synthetic:  in.Synthetic,
			FillTime:   fillTime.UTC(),
			CreatedAt:  now,
		}
		if err := tx.Create(&fill).Error; err != nil {
			return err
		}
		updates := map[string]any{
			"status":          string(to),
			"filled_quantity": filled,
			"avg_fill_price":  decimal.NewNullDecimal(avg),
			"updated_at":      now,
		}
		if from != to {
			updates["status_reason"] = "fill"
		}
		if correcting {
			meta.Correction = &CorrectionInfo{From: from, To: to, Reason: "fill_after_inferred_cancel", At: now}
			raw, err := json.Marshal(meta)
			if err != nil {
				return err
			}
			updates["metadata"] = datatypes.JSON(raw)
		}
		if err := tx.Model(&model.OrderModel{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
			return err
		}
		out = toOrder(row)
		applied = true
		corrected = correcting
		if from == StatusNew {
			pending = append(pending, s.entry(out, StatusNew, StatusSubmitted, "fill", in.Source, now))
			from = StatusSubmitted
		}
		if from != to {
			pending = append(pending, s.entry(out, from, to, "fill", in.Source, now))
		}
		return s.stamp(tx, out, to, now)
	})
	if err != nil {
		return Order{}, false, err
	}
	if corrected {
		ordersLog.Infof("推断撤单后收到成交，已更正 order=%d exec=%s status=%s", id, execID, out.Status)
	}
	s.publish(ctx, pending)
	return out, applied, nil
}

// ReportCommission attaches a commission to an already recorded execution.
// Quantities are never touched. found=false means the fill has not arrived yet.
func (s *Service) ReportCommission(ctx context.Context, orderID int64, execID string, commission decimal.Decimal) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.FillModel{}).
		Where("order_id = ? AND exec_id = ?", orderID, strings.TrimSpace(execID)).
		Update("commission", decimal.NewNullDecimal(commission))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CorrectTerminal flips CANCELED to REJECTED when the cancel was inferred
// rather than observed and nothing filled. Every other terminal rewrite is
// refused.
func (s *Service) CorrectTerminal(ctx context.Context, id int64, to Status, why string) (Order, error) {
	var (
		out     Order
		pending []journal.Entry
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := loadForUpdate(tx, id)
		if err != nil {
			return err
		}
		from := Status(row.Status)
		meta := decodeMetadata(row.Metadata)
		if from != StatusCanceled || to != StatusRejected {
			return reason.New(reason.InvalidTransition, "order %d: correction %s -> %s not allowed", id, from, to)
		}
		if !inferredCancel(meta) || row.FilledQuantity.IsPositive() {
			return reason.New(reason.InvalidTransition, "order %d: cancel was observed, correction refused", id)
		}
		now := s.now().UTC()
		meta.Correction = &CorrectionInfo{From: from, To: to, Reason: why, At: now}
		raw, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := tx.Model(&model.OrderModel{}).Where("id = ?", id).Updates(map[string]any{
			"status":        string(to),
			"status_reason": why,
			"metadata":      datatypes.JSON(raw),
			"updated_at":    now,
		}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
			return err
		}
		out = toOrder(row)
		pending = append(pending, s.entry(out, from, to, why, "correction", now))
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	s.publish(ctx, pending)
	return out, nil
}

// inferredCancel reports a cancel written from snapshots or inference rather
// than an observed gateway event.
func inferredCancel(m Metadata) bool {
	return m.Sync != nil && m.Sync.Evidence != EvidenceEvent
}

// UpdateMetadata edits the metadata document without touching status.
func (s *Service) UpdateMetadata(ctx context.Context, id int64, fn func(*Metadata)) (Order, error) {
	return s.Transition(ctx, id, "", TransitionOptions{Mutate: fn})
}

func (s *Service) stamp(tx *gorm.DB, o Order, to Status, at time.Time) error {
	if s.progress == nil || o.RunID <= 0 {
		return nil
	}
	return s.progress.StampProgress(tx, o.RunID, "orders", "order_"+strings.ToLower(string(to)), at)
}

func (s *Service) entry(o Order, from, to Status, why, source string, at time.Time) journal.Entry {
	return journal.Entry{
		OrderID:    o.ID,
		RunID:      o.RunID,
		FromStatus: string(from),
		ToStatus:   string(to),
		Reason:     why,
		Source:     source,
		At:         at,
	}
}

func (s *Service) publish(ctx context.Context, entries []journal.Entry) {
	for _, e := range entries {
		if s.journal != nil {
			if err := s.journal.Append(ctx, e); err != nil {
				ordersLog.Warnf("journal 写入失败 order=%d %s->%s: %v", e.OrderID, e.FromStatus, e.ToStatus, err)
			}
		}
		for _, fn := range s.observers {
			fn(Status(e.FromStatus), Status(e.ToStatus))
		}
	}
}

func (s *Service) Get(ctx context.Context, id int64) (Order, error) {
	var row model.OrderModel
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Order{}, reason.New(reason.OrderNotFound, "id=%d", id)
	}
	if err != nil {
		return Order{}, err
	}
	return toOrder(row), nil
}

func (s *Service) GetByClientOrderID(ctx context.Context, clientOrderID string) (Order, error) {
	o, found, err := findByClientOrderID(s.db.WithContext(ctx), strings.TrimSpace(clientOrderID))
	if err != nil {
		return Order{}, err
	}
	if !found {
		return Order{}, reason.New(reason.OrderNotFound, "client_order_id=%s", clientOrderID)
	}
	return o, nil
}

// ListFilter narrows List. Zero fields match everything.
type ListFilter struct {
	Mode     string
	RunID    int64
	Statuses []Status
	Limit    int
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]Order, error) {
	q := s.db.WithContext(ctx).Model(&model.OrderModel{})
	if f.Mode != "" {
		q = q.Where("mode = ?", strings.ToLower(f.Mode))
	}
	if f.RunID > 0 {
		q = q.Where("run_id = ?", f.RunID)
	}
	if len(f.Statuses) > 0 {
		names := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			names = append(names, string(st))
		}
		q = q.Where("status IN ?", names)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []model.OrderModel
	if err := q.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(rows))
	for _, row := range rows {
		out = append(out, toOrder(row))
	}
	return out, nil
}

// ListWorking returns every non-terminal order in mode.
func (s *Service) ListWorking(ctx context.Context, mode string) ([]Order, error) {
	return s.List(ctx, ListFilter{
		Mode:     mode,
		Statuses: []Status{StatusNew, StatusSubmitted, StatusPartial, StatusCancelRequested},
	})
}

func (s *Service) ListFills(ctx context.Context, orderID int64) ([]Fill, error) {
	var rows []model.FillModel
	if err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Fill, 0, len(rows))
	for _, row := range rows {
		out = append(out, Fill{
			ID:         row.ID,
			OrderID:    row.OrderID,
			ExecID:     row.ExecID,
			Quantity:   row.Quantity,
			Price:      row.Price,
			Commission: decimalPtr(row.Commission),
			Synthetic:  row.Synthetic,
			FillTime:   row.FillTime.UTC(),
		})
	}
	return out, nil
}

func toOrder(row model.OrderModel) Order {
	o := Order{
		ID:             row.ID,
		ClientOrderID:  row.ClientOrderID,
		Mode:           row.Mode,
		Symbol:         row.Symbol,
		Side:           Side(row.Side),
		Quantity:       row.Quantity,
		OrderType:      OrderType(row.OrderType),
		LimitPrice:     decimalPtr(row.LimitPrice),
		Status:         Status(row.Status),
		StatusReason:   row.StatusReason,
		FilledQuantity: row.FilledQuantity,
		AvgFillPrice:   decimalPtr(row.AvgFillPrice),
		Metadata:       decodeMetadata(row.Metadata),
		CreatedAt:      row.CreatedAt.UTC(),
		UpdatedAt:      row.UpdatedAt.UTC(),
	}
	if row.RunID != nil {
		o.RunID = *row.RunID
	}
	if row.BrokerOrderID != nil {
		o.BrokerOrderID = *row.BrokerOrderID
	}
	return o
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

func decimalPtr(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}
