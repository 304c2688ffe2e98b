package orders

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Evidence grades how sure a sync decision was.
const (
	EvidenceEvent    = "event"
	EvidenceSnapshot = "snapshot"
	EvidencePosition = "position"
	EvidenceInferred = "inferred"
)

// SyncInfo records why reconciliation changed the order.
type SyncInfo struct {
	Reason   string    `json:"reason"`
	Source   string    `json:"source,omitempty"`
	Evidence string    `json:"evidence,omitempty"`
	At       time.Time `json:"at"`
}

// RetryInfo links auto-recovery replacements to their predecessors.
type RetryInfo struct {
	Attempt    int    `json:"attempt"`
	BaseID     string `json:"base_id,omitempty"`
	Replaces   int64  `json:"replaces,omitempty"`
	ReplacedBy int64  `json:"replaced_by,omitempty"`
	Exhausted  bool   `json:"exhausted,omitempty"`
}

// SubmitInfo is the leader's answer to a place command.
type SubmitInfo struct {
	CommandID     string    `json:"command_id,omitempty"`
	Status        string    `json:"status,omitempty"`
	BrokerOrderID string    `json:"broker_order_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

// PositionBaseline is the position observed just before submission; the
// position-delta rule compares later snapshots against it.
type PositionBaseline struct {
	Quantity   decimal.Decimal `json:"quantity"`
	AvgCost    decimal.Decimal `json:"avg_cost"`
	CapturedAt time.Time       `json:"captured_at"`
}

type CancelInfo struct {
	CommandID   string    `json:"command_id,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	Reason      string    `json:"reason,omitempty"`
}

type CorrectionInfo struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Metadata is the per-order extension document. Each known kind has a typed
// slot; keys written by other tools survive round trips through Opaque.
type Metadata struct {
	Tag        string
	Sync       *SyncInfo
	Retry      *RetryInfo
	Submit     *SubmitInfo
	Baseline   *PositionBaseline
	Cancel     *CancelInfo
	Correction *CorrectionInfo
	Opaque     map[string]json.RawMessage
}

const (
	metaTag        = "tag"
	metaSync       = "sync"
	metaRetry      = "retry"
	metaSubmit     = "submit"
	metaBaseline   = "baseline"
	metaCancel     = "cancel"
	metaCorrection = "correction"
)

func (m Metadata) MarshalJSON() ([]byte, error) {
	doc := make(map[string]json.RawMessage, len(m.Opaque)+7)
	for k, v := range m.Opaque {
		doc[k] = v
	}
	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		doc[key] = raw
		return nil
	}
	var err error
	if m.Tag != "" {
		err = put(metaTag, m.Tag)
	}
	if err == nil && m.Sync != nil {
		err = put(metaSync, m.Sync)
	}
	if err == nil && m.Retry != nil {
		err = put(metaRetry, m.Retry)
	}
	if err == nil && m.Submit != nil {
		err = put(metaSubmit, m.Submit)
	}
	if err == nil && m.Baseline != nil {
		err = put(metaBaseline, m.Baseline)
	}
	if err == nil && m.Cancel != nil {
		err = put(metaCancel, m.Cancel)
	}
	if err == nil && m.Correction != nil {
		err = put(metaCorrection, m.Correction)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*m = Metadata{}
	for key, raw := range doc {
		var err error
		switch key {
		case metaTag:
			err = json.Unmarshal(raw, &m.Tag)
		case metaSync:
			m.Sync = new(SyncInfo)
			err = json.Unmarshal(raw, m.Sync)
		case metaRetry:
			m.Retry = new(RetryInfo)
			err = json.Unmarshal(raw, m.Retry)
		case metaSubmit:
			m.Submit = new(SubmitInfo)
			err = json.Unmarshal(raw, m.Submit)
		case metaBaseline:
			m.Baseline = new(PositionBaseline)
			err = json.Unmarshal(raw, m.Baseline)
		case metaCancel:
			m.Cancel = new(CancelInfo)
			err = json.Unmarshal(raw, m.Cancel)
		case metaCorrection:
			m.Correction = new(CorrectionInfo)
			err = json.Unmarshal(raw, m.Correction)
		default:
			if m.Opaque == nil {
				m.Opaque = make(map[string]json.RawMessage)
			}
			m.Opaque[key] = raw
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Kinds lists the populated slots, sorted.
func (m Metadata) Kinds() []string {
	var out []string
	if m.Tag != "" {
		out = append(out, metaTag)
	}
	if m.Sync != nil {
		out = append(out, metaSync)
	}
	if m.Retry != nil {
		out = append(out, metaRetry)
	}
	if m.Submit != nil {
		out = append(out, metaSubmit)
	}
	if m.Baseline != nil {
		out = append(out, metaBaseline)
	}
	if m.Cancel != nil {
		out = append(out, metaCancel)
	}
	if m.Correction != nil {
		out = append(out, metaCorrection)
	}
	for k := range m.Opaque {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func decodeMetadata(raw []byte) Metadata {
	var m Metadata
	if len(raw) == 0 {
		return m
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		ordersLog.Warnf("metadata 解析失败，按空处理: %v", err)
		return Metadata{}
	}
	return m
}
