package ipc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"brokerd/internal/pkg/reason"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
)

const (
	CommandCancelOrder = "cancel_order"
	CommandSubmitOrder = "submit_order"
)

// Command result statuses.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultExpired  = "expired"
	ResultInvalid  = "invalid"
	ResultError    = "error"
)

// Command asks the leader to act on its brokerage session.
type Command struct {
	CommandID     string           `json:"command_id"`
	Type          string           `json:"type"`
	OrderID       int64            `json:"order_id,omitempty"`
	Tag           string           `json:"tag,omitempty"`
	BrokerOrderID string           `json:"broker_order_id,omitempty"`
	Symbol        string           `json:"symbol,omitempty"`
	Side          string           `json:"side,omitempty"`
	Quantity      *decimal.Decimal `json:"quantity,omitempty"`
	OrderType     string           `json:"order_type,omitempty"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	RequestedAt   time.Time        `json:"requested_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
}

func (c Command) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// CommandResult is written back by the leader keyed by command id.
type CommandResult struct {
	CommandID     string    `json:"command_id"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	OrderID       int64     `json:"order_id,omitempty"`
	Tag           string    `json:"tag,omitempty"`
	BrokerOrderID string    `json:"broker_order_id,omitempty"`
	Code          string    `json:"code,omitempty"`
	Error         string    `json:"error,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

func NewCommandID() string { return uuid.NewString() }

const commandSchema = `{
  "type": "object",
  "required": ["command_id", "type", "requested_at"],
  "properties": {
    "command_id": {"type": "string", "minLength": 1, "maxLength": 64, "pattern": "^[A-Za-z0-9._-]+$"},
    "type": {"enum": ["cancel_order", "submit_order"]},
    "order_id": {"type": "integer", "minimum": 1},
    "tag": {"type": "string", "maxLength": 64},
    "symbol": {"type": "string", "minLength": 1},
    "side": {"enum": ["BUY", "SELL"]},
    "quantity": {"type": ["string", "number"]},
    "order_type": {"enum": ["MKT", "LMT", "ADAPTIVE_LMT", "PEG_MID"]},
    "limit_price": {"type": ["string", "number"]},
    "requested_at": {"type": "string", "minLength": 1},
    "expires_at": {"type": "string"}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "submit_order"}}},
      "then": {"required": ["symbol", "side", "quantity", "tag", "order_type"]}
    },
    {
      "if": {"properties": {"type": {"const": "cancel_order"}}},
      "then": {"anyOf": [{"required": ["order_id"]}, {"required": ["tag"]}]}
    }
  ]
}`

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func commandValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("command.json", strings.NewReader(commandSchema)); err != nil {
			schemaErr = err
			return
		}
		schemaCompiled, schemaErr = compiler.Compile("command.json")
	})
	return schemaCompiled, schemaErr
}

// ValidateCommand checks a raw command document against the command schema.
func ValidateCommand(raw []byte) error {
	schema, err := commandValidator()
	if err != nil {
		return err
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return reason.Wrap(reason.CommandInvalid, err, "decode")
	}
	if err := schema.Validate(doc); err != nil {
		return reason.Wrap(reason.CommandInvalid, err, "schema")
	}
	return nil
}

// EnqueueCommand validates cmd and drops it into the commands directory.
func EnqueueCommand(l Layout, cmd Command) error {
	if strings.TrimSpace(cmd.CommandID) == "" {
		cmd.CommandID = NewCommandID()
	}
	if cmd.RequestedAt.IsZero() {
		cmd.RequestedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := ValidateCommand(raw); err != nil {
		return err
	}
	return WriteFileAtomic(filepath.Join(l.CommandsDir(), cmd.CommandID+".json"), raw, 0o644)
}

// PendingCommand is a command file waiting in the queue.
type PendingCommand struct {
	Path    string
	Command Command
	Err     error
}

// PendingCommands lists queued command files oldest request first. Files
// that fail validation are returned with Err set so the caller can record an
// invalid result and drop them.
func PendingCommands(l Layout) ([]PendingCommand, error) {
	entries, err := os.ReadDir(l.CommandsDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []PendingCommand
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(l.CommandsDir(), name)
		pc := PendingCommand{Path: path}
		raw, err := os.ReadFile(path)
		if err != nil {
			pc.Err = err
		} else if err := ValidateCommand(raw); err != nil {
			pc.Err = err
			pc.Command.CommandID = strings.TrimSuffix(name, ".json")
		} else if err := json.Unmarshal(raw, &pc.Command); err != nil {
			pc.Err = reason.Wrap(reason.CommandInvalid, err, "decode")
		}
		out = append(out, pc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Command.RequestedAt, out[j].Command.RequestedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

func resultPath(l Layout, commandID string) string {
	return filepath.Join(l.ResultsDir(), safeName(commandID)+".json")
}

func WriteResult(l Layout, res CommandResult) error {
	if strings.TrimSpace(res.CommandID) == "" {
		return fmt.Errorf("ipc: result without command_id")
	}
	if res.CompletedAt.IsZero() {
		res.CompletedAt = time.Now().UTC()
	}
	return WriteJSON(resultPath(l, res.CommandID), res)
}

func ReadResult(l Layout, commandID string) (CommandResult, bool, error) {
	var res CommandResult
	found, err := ReadJSON(resultPath(l, commandID), &res)
	return res, found, err
}

// ListResults returns every result document, oldest completion first.
func ListResults(l Layout) ([]CommandResult, error) {
	entries, err := os.ReadDir(l.ResultsDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []CommandResult
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		var res CommandResult
		if _, err := ReadJSON(filepath.Join(l.ResultsDir(), name), &res); err != nil {
			continue
		}
		out = append(out, res)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CompletedAt.Before(out[j].CompletedAt) })
	return out, nil
}

// AckResult removes a result once the issuer has folded it in.
func AckResult(l Layout, commandID string) error {
	err := os.Remove(resultPath(l, commandID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ProcessedRetention bounds how long an executed command id is remembered.
// Older re-deliveries are already past any command TTL.
const ProcessedRetention = 7 * 24 * time.Hour

// ProcessedCommands records executed command ids. Result files are removed
// once the issuer acks them, so duplicates are detected here instead.
type ProcessedCommands struct {
	path string
	keep time.Duration
	mu   sync.Mutex
	seen map[string]time.Time
}

// LoadProcessed reads the ledger at path. An unreadable file yields an empty
// ledger together with the error.
func LoadProcessed(path string, keep time.Duration) (*ProcessedCommands, error) {
	if keep <= 0 {
		keep = ProcessedRetention
	}
	p := &ProcessedCommands{path: path, keep: keep, seen: make(map[string]time.Time)}
	if _, err := ReadJSON(path, &p.seen); err != nil {
		p.seen = make(map[string]time.Time)
		return p, err
	}
	if p.seen == nil {
		p.seen = make(map[string]time.Time)
	}
	return p, nil
}

func (p *ProcessedCommands) Seen(commandID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seen[commandID]
	return ok
}

// Mark records commandID, prunes entries older than the retention window and
// persists the ledger.
func (p *ProcessedCommands) Mark(commandID string, at time.Time) error {
	p.mu.Lock()
	p.seen[commandID] = at.UTC()
	cutoff := at.Add(-p.keep)
	snapshot := make(map[string]time.Time, len(p.seen))
	for id, ts := range p.seen {
		if ts.Before(cutoff) {
			delete(p.seen, id)
			continue
		}
		snapshot[id] = ts
	}
	p.mu.Unlock()
	return WriteJSON(p.path, snapshot)
}

