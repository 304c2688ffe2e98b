// Package execution turns operator requests into runs, orders and worker
// processes, and relays order actions to the per-mode leader.
package execution

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"brokerd/internal/config"
	"brokerd/internal/ipc"
	"brokerd/internal/lease"
	"brokerd/internal/logger"
	"brokerd/internal/orders"
	"brokerd/internal/pkg/reason"
	"brokerd/internal/proc"
	"brokerd/internal/runs"
	"brokerd/internal/worker"

	"github.com/shopspring/decimal"
)

var execLog = logger.Named("execution")

const (
	IntentsFile    = "order_intents.json"
	ExecParamsFile = "execution_params.json"
)

const workerStopGrace = 5 * time.Second

// Excluder answers whether a symbol may not be traded.
type Excluder interface {
	Contains(symbol string) (bool, error)
}

// Deps are the collaborators of Service.
type Deps struct {
	Orders     *orders.Service
	Runs       *runs.Service
	Pool       *lease.Pool
	Launcher   worker.Launcher
	Prober     proc.Prober
	Exclusions Excluder
}

type Service struct {
	orders     *orders.Service
	runs       *runs.Service
	pool       *lease.Pool
	launcher   worker.Launcher
	prober     proc.Prober
	exclusions Excluder

	bridge     config.BridgeConfig
	workRoot   string
	commandTTL time.Duration
	modes      []string
	now        func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(deps Deps, cfg *config.Config, opts ...Option) *Service {
	s := &Service{
		orders:     deps.Orders,
		runs:       deps.Runs,
		pool:       deps.Pool,
		launcher:   deps.Launcher,
		prober:     deps.Prober,
		exclusions: deps.Exclusions,
		bridge:     cfg.Bridge,
		workRoot:   cfg.Worker.WorkRoot,
		commandTTL: cfg.Leader.CommandTTL(),
		modes:      cfg.Leader.Modes,
		now:        time.Now,
	}
	if s.prober == nil {
		s.prober = proc.OS{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Layout returns the bridge layout of mode.
func (s *Service) Layout(mode string) ipc.Layout {
	return ipc.Layout{Root: s.bridge.ModeRoot(mode)}
}

// OrderIntent is one order of a batch request.
type OrderIntent struct {
	ClientOrderID string           `json:"client_order_id,omitempty"`
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	Quantity      decimal.Decimal  `json:"quantity"`
	OrderType     string           `json:"order_type"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	Tag           string           `json:"tag,omitempty"`
}

type BatchRequest struct {
	Token  string         `json:"token"`
	Mode   string         `json:"mode"`
	Orders []OrderIntent  `json:"orders"`
	Params map[string]any `json:"params,omitempty"`
}

// BatchResult reports the run and its orders. Queued is true when the run
// is waiting for a free client id.
type BatchResult struct {
	Run     runs.Run
	Orders  []orders.Order
	Created bool
	Queued  bool
}

// intentRecord is the per-order line of order_intents.json.
type intentRecord struct {
	OrderID       int64            `json:"order_id"`
	ClientOrderID string           `json:"client_order_id"`
	Tag           string           `json:"tag"`
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	Quantity      decimal.Decimal  `json:"quantity"`
	OrderType     string           `json:"order_type"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
}

type execParams struct {
	RunID     int64          `json:"run_id"`
	Token     string         `json:"token"`
	Mode      string         `json:"mode"`
	ClientID  int            `json:"client_id"`
	BridgeDir string         `json:"bridge_dir"`
	Params    map[string]any `json:"params,omitempty"`
	WrittenAt time.Time      `json:"written_at"`
}

func (s *Service) checkExcluded(symbol string) error {
	if s.exclusions == nil {
		return nil
	}
	excluded, err := s.exclusions.Contains(symbol)
	if err != nil {
		return fmt.Errorf("read exclusions: %w", err)
	}
	if excluded {
		return reason.New(reason.ExcludedSymbol, "%s", strings.ToUpper(strings.TrimSpace(symbol)))
	}
	return nil
}

// batchBase derives the client order id prefix of a run. The run id keeps
// it unique; the token prefix keeps it readable at the broker.
func batchBase(runID int64, token string) string {
	short := token
	if len(short) > 8 {
		short = short[:8]
	}
	return "r" + strconv.FormatInt(runID, 36) + "-" + short + "-"
}

// baselines reads the mode's positions snapshot. A symbol traded twice in
// one batch gets no baseline since a position change could not be
// attributed to either order.
func (s *Service) baselines(mode string, intents []OrderIntent) map[string]*orders.PositionBaseline {
	out := make(map[string]*orders.PositionBaseline)
	var snap ipc.PositionsSnapshot
	found, err := ipc.ReadJSON(s.Layout(mode).PositionsFile(), &snap)
	if err != nil || !found || !ipc.Fresh(snap.Stale, snap.RefreshedAt, s.now(), s.bridge.SnapshotMaxAge()) {
		return out
	}
	count := make(map[string]int)
	for _, in := range intents {
		count[strings.ToUpper(strings.TrimSpace(in.Symbol))]++
	}
	for sym, n := range count {
		if n != 1 {
			continue
		}
		pos := snap.Position(sym)
		out[sym] = &orders.PositionBaseline{Quantity: pos.Quantity, AvgCost: pos.AvgCost, CapturedAt: snap.RefreshedAt}
	}
	return out
}

// SubmitBatch creates the run and its orders and starts a worker for it.
// Repeating a token returns the existing run. An exhausted lease pool leaves
// the run queued and returns pool_exhausted alongside the result.
func (s *Service) SubmitBatch(ctx context.Context, req BatchRequest) (BatchResult, error) {
	var res BatchResult
	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = "paper"
	}
	if len(req.Orders) == 0 {
		return res, reason.New(reason.InvalidOrder, "batch 没有订单")
	}
	for i, in := range req.Orders {
		if err := orders.Validate(orders.CreateRequest{
			ClientOrderID: "validate", Mode: mode, Symbol: in.Symbol, Side: in.Side,
			Quantity: in.Quantity, OrderType: in.OrderType, LimitPrice: in.LimitPrice,
		}); err != nil {
			return res, fmt.Errorf("order %d: %w", i+1, err)
		}
		if err := s.checkExcluded(in.Symbol); err != nil {
			return res, err
		}
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		token = orders.NewBatchBase("run")
		token = strings.TrimSuffix(token, "-")
	}
	workdir := filepath.Join(s.workRoot, mode, safeDir(token))

	run, created, err := s.runs.Create(ctx, runs.CreateRequest{
		Token: token,
		Mode:  mode,
		Params: runs.Params{
			IntentsPath:    filepath.Join(workdir, IntentsFile),
			ExecParamsPath: filepath.Join(workdir, ExecParamsFile),
			Extra:          req.Params,
		},
		Workdir: workdir,
	})
	if err != nil {
		return res, err
	}
	res.Run, res.Created = run, created
	if !created && run.Status != runs.StatusQueued {
		res.Orders, err = s.orders.List(ctx, orders.ListFilter{RunID: run.ID})
		return res, err
	}

	base := batchBase(run.ID, token)
	baselines := s.baselines(mode, req.Orders)
	records := make([]intentRecord, 0, len(req.Orders))
	for i, in := range req.Orders {
		clientID := strings.TrimSpace(in.ClientOrderID)
		if clientID == "" {
			clientID = orders.ManualClientOrderID(base, int64(i+1))
		}
		o, _, err := s.orders.Create(ctx, orders.CreateRequest{
			ClientOrderID: clientID,
			RunID:         run.ID,
			Mode:          mode,
			Symbol:        in.Symbol,
			Side:          in.Side,
			Quantity:      in.Quantity,
			OrderType:     in.OrderType,
			LimitPrice:    in.LimitPrice,
			Metadata: orders.Metadata{
				Tag:      in.Tag,
				Baseline: baselines[strings.ToUpper(strings.TrimSpace(in.Symbol))],
			},
		})
		if err != nil {
			return res, err
		}
		res.Orders = append(res.Orders, o)
		records = append(records, intentRecord{
			OrderID: o.ID, ClientOrderID: o.ClientOrderID, Tag: o.Tag(), Symbol: o.Symbol,
			Side: string(o.Side), Quantity: o.Quantity, OrderType: string(o.OrderType), LimitPrice: o.LimitPrice,
		})
	}
	if err := ipc.WriteJSON(run.Params.IntentsPath, records); err != nil {
		return res, fmt.Errorf("write %s: %w", IntentsFile, err)
	}
	execLog.Infof("batch 已受理 run=%d token=%s mode=%s orders=%d", run.ID, token, mode, len(res.Orders))

	res.Run, err = s.launch(ctx, run, res.Orders, req.Params)
	if errors.Is(err, reason.ErrPoolExhausted) {
		res.Queued = true
	}
	return res, err
}

// launch leases a client id, starts the worker and moves the run to
// running. On pool exhaustion the run stays queued.
func (s *Service) launch(ctx context.Context, run runs.Run, ords []orders.Order, params map[string]any) (runs.Run, error) {
	var anchor int64
	for _, o := range ords {
		if o.Status.Working() {
			anchor = o.ID
			break
		}
	}
	l, err := s.pool.Lease(ctx, anchor, run.Mode, run.Workdir)
	if err != nil {
		if errors.Is(err, reason.ErrPoolExhausted) {
			execLog.Warnf("client id 池已满，run=%d 保持排队", run.ID)
		}
		return run, err
	}
	if params == nil {
		params = run.Params.Extra
	}
	if err := ipc.WriteJSON(run.Params.ExecParamsPath, execParams{
		RunID: run.ID, Token: run.Token, Mode: run.Mode, ClientID: l.ClientID,
		BridgeDir: s.bridge.ModeRoot(run.Mode), Params: params, WrittenAt: s.now().UTC(),
	}); err != nil {
		s.releaseLease(ctx, l.Token, "launch_failed")
		return run, fmt.Errorf("write %s: %w", ExecParamsFile, err)
	}
	pid, err := s.launcher.Launch(ctx, worker.Spec{RunID: run.ID, Mode: run.Mode, ClientID: l.ClientID, Workdir: run.Workdir})
	if err != nil {
		s.releaseLease(ctx, l.Token, "launch_failed")
		return run, fmt.Errorf("launch worker for run %d: %w", run.ID, err)
	}
	if err := s.pool.AttachPID(ctx, l.Token, pid); err != nil {
		execLog.Warnf("绑定 worker pid 失败 run=%d pid=%d: %v", run.ID, pid, err)
	}
	if err := s.runs.AttachWorker(ctx, run.ID, runs.Worker{LeaseToken: l.Token, ClientID: l.ClientID, PID: pid, Workdir: run.Workdir}); err != nil {
		return run, err
	}
	return s.runs.Transition(ctx, run.ID, runs.StatusRunning, "worker_started")
}

func (s *Service) releaseLease(ctx context.Context, token, why string) {
	if err := s.pool.Release(ctx, token, why); err != nil {
		execLog.Warnf("释放 lease 失败 token=%s: %v", token, err)
	}
}

// Resume retries queued runs oldest first. A mode whose pool is exhausted
// is skipped for the rest of the pass.
func (s *Service) Resume(ctx context.Context) (int, error) {
	queued, err := s.runs.List(ctx, runs.StatusQueued)
	if err != nil {
		return 0, err
	}
	full := make(map[string]bool)
	started := 0
	var errs []error
	for _, r := range queued {
		if full[r.Mode] {
			continue
		}
		ords, err := s.orders.List(ctx, orders.ListFilter{RunID: r.ID})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(ords) == 0 {
			continue
		}
		if _, err := s.launch(ctx, r, ords, nil); err != nil {
			if errors.Is(err, reason.ErrPoolExhausted) {
				full[r.Mode] = true
				continue
			}
			errs = append(errs, err)
			continue
		}
		started++
	}
	if started > 0 {
		execLog.Infof("恢复排队 run: %d 个已启动", started)
	}
	return started, errors.Join(errs...)
}

// Terminate force-ends a run: working orders are canceled, the run goes to
// canceled (failed for auto_recovery_exhausted), its lease is released and
// its worker stopped. Terminating a finished run only cleans up.
func (s *Service) Terminate(ctx context.Context, runID int64, why string) (runs.Run, error) {
	why = strings.TrimSpace(why)
	if why == "" {
		why = "operator_terminate"
	}
	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		return r, err
	}
	var errs []error
	if !r.Status.Terminal() {
		ords, err := s.orders.List(ctx, orders.ListFilter{RunID: runID})
		if err != nil {
			return r, err
		}
		for _, o := range ords {
			if !o.Status.Working() {
				continue
			}
			if _, err := s.Cancel(ctx, o.ID, why); err != nil && !errors.Is(err, reason.ErrInvalidTransition) {
				errs = append(errs, err)
			}
		}
		to := runs.StatusCanceled
		if why == string(reason.AutoRecoveryExhausted) {
			to = runs.StatusFailed
		}
		if r, err = s.runs.Transition(ctx, runID, to, why); err != nil {
			return r, err
		}
	}
	if r.LeaseToken != "" {
		s.releaseLease(ctx, r.LeaseToken, why)
	}
	if r.WorkerPID > 0 && s.prober.Alive(r.WorkerPID) {
		if err := s.prober.Terminate(r.WorkerPID, workerStopGrace); err != nil {
			errs = append(errs, fmt.Errorf("stop worker pid=%d: %w", r.WorkerPID, err))
		}
	}
	execLog.Infof("run %d 已终止 status=%s reason=%s", runID, r.Status, why)
	return r, errors.Join(errs...)
}

// WorkerDead reports whether the worker that owns o's run has exited.
// Orders without a run belong to the leader and never count as abandoned.
func (s *Service) WorkerDead(ctx context.Context, o orders.Order) bool {
	if o.RunID <= 0 {
		return false
	}
	r, err := s.runs.Get(ctx, o.RunID)
	if err != nil || r.WorkerPID <= 0 {
		return false
	}
	return !s.prober.Alive(r.WorkerPID)
}

func safeDir(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "run"
	}
	return b.String()
}
