package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// OrderModel is the durable order row. Rows are never deleted; status only
// moves forward through orders.Transition.
type OrderModel struct {
	ID             int64               `gorm:"column:id;primaryKey"`
	ClientOrderID  string              `gorm:"column:client_order_id;size:64;uniqueIndex"`
	RunID          *int64              `gorm:"column:run_id;index"`
	Mode           string              `gorm:"column:mode;size:8"`
	Symbol         string              `gorm:"column:symbol;size:32;index"`
	Side           string              `gorm:"column:side;size:4"`
	Quantity       decimal.Decimal     `gorm:"column:quantity;type:numeric(24,8)"`
	OrderType      string              `gorm:"column:order_type;size:16"`
	LimitPrice     decimal.NullDecimal `gorm:"column:limit_price;type:numeric(24,8)"`
	Status         string              `gorm:"column:status;size:20;index"`
	StatusReason   string              `gorm:"column:status_reason;size:64"`
	FilledQuantity decimal.Decimal     `gorm:"column:filled_quantity;type:numeric(24,8)"`
	AvgFillPrice   decimal.NullDecimal `gorm:"column:avg_fill_price;type:numeric(24,8)"`
	BrokerOrderID  *string             `gorm:"column:broker_order_id;size:64"`
	Metadata       datatypes.JSON      `gorm:"column:metadata;type:TEXT"`
	CreatedAt      time.Time           `gorm:"column:created_at"`
	UpdatedAt      time.Time           `gorm:"column:updated_at"`
}

func (OrderModel) TableName() string { return "orders" }

// FillModel belongs to exactly one order; (order_id, exec_id) is unique so a
// replayed execution never produces a second row.
type FillModel struct {
	ID         int64               `gorm:"column:id;primaryKey"`
	OrderID    int64               `gorm:"column:order_id;uniqueIndex:idx_fill_exec,priority:1"`
	ExecID     string              `gorm:"column:exec_id;size:96;uniqueIndex:idx_fill_exec,priority:2"`
	Quantity   decimal.Decimal     `gorm:"column:quantity;type:numeric(24,8)"`
	Price      decimal.Decimal     `gorm:"column:price;type:numeric(24,8)"`
	Commission decimal.NullDecimal `gorm:"column:commission;type:numeric(24,8)"`
	Synthetic  bool                `gorm:"column:synthetic"`
	FillTime   time.Time           `gorm:"column:fill_time"`
	CreatedAt  time.Time           `gorm:"column:created_at"`
}

func (FillModel) TableName() string { return "fills" }

// RunModel is one execution batch.
type RunModel struct {
	ID             int64          `gorm:"column:id;primaryKey"`
	Token          string         `gorm:"column:token;size:64;uniqueIndex"`
	Mode           string         `gorm:"column:mode;size:8"`
	Status         string         `gorm:"column:status;size:16;index"`
	Stage          string         `gorm:"column:stage;size:48"`
	ProgressReason string         `gorm:"column:progress_reason;size:64"`
	LastProgressAt *time.Time     `gorm:"column:last_progress_at"`
	Params         datatypes.JSON `gorm:"column:params;type:TEXT"`
	Workdir        string         `gorm:"column:workdir"`
	LeaseToken     *string        `gorm:"column:lease_token;size:64"`
	ClientID       *int           `gorm:"column:client_id"`
	WorkerPID      *int           `gorm:"column:worker_pid"`
	TerminalReason string         `gorm:"column:terminal_reason;size:64"`
	StartedAt      *time.Time     `gorm:"column:started_at"`
	FinishedAt     *time.Time     `gorm:"column:finished_at"`
	CreatedAt      time.Time      `gorm:"column:created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at"`
}

func (RunModel) TableName() string { return "execution_runs" }

// LeaseModel is one numeric connection id. The primary key is the client id
// itself, so at most one row (and therefore one holder) exists per id.
type LeaseModel struct {
	ClientID      int        `gorm:"column:client_id;primaryKey;autoIncrement:false"`
	Mode          string     `gorm:"column:mode;size:8;index"`
	Status        string     `gorm:"column:status;size:8;index"`
	OrderID       *int64     `gorm:"column:order_id"`
	Token         *string    `gorm:"column:token;size:64"`
	PID           *int       `gorm:"column:pid"`
	Workdir       string     `gorm:"column:workdir"`
	AcquiredAt    *time.Time `gorm:"column:acquired_at"`
	LastHeartbeat *time.Time `gorm:"column:last_heartbeat"`
	ReleasedAt    *time.Time `gorm:"column:released_at"`
	ReleaseReason string     `gorm:"column:release_reason;size:32"`
	UpdatedAt     time.Time  `gorm:"column:updated_at"`
}

func (LeaseModel) TableName() string { return "resource_leases" }

// All lists every model for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&OrderModel{},
		&FillModel{},
		&RunModel{},
		&LeaseModel{},
	}
}
