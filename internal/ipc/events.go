package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Event is one line of an execution log. A line with an exec id is a fill of
// Filled shares at FillPrice; a line without one only reports status.
type Event struct {
	OrderID    int64            `json:"order_id,omitempty"`
	Tag        string           `json:"tag,omitempty"`
	Symbol     string           `json:"symbol,omitempty"`
	Status     string           `json:"status,omitempty"`
	Filled     decimal.Decimal  `json:"filled"`
	FillPrice  decimal.Decimal  `json:"fill_price"`
	Direction  string           `json:"direction,omitempty"`
	Time       time.Time        `json:"time"`
	ExecID     string           `json:"exec_id,omitempty"`
	Commission *decimal.Decimal `json:"commission,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

func (e Event) IsFill() bool { return strings.TrimSpace(e.ExecID) != "" && e.Filled.IsPositive() }

// ParseEvent decodes a log line leniently: ids may be numbers or strings and
// time may be RFC3339 or epoch seconds with arbitrary fractional precision.
func ParseEvent(line []byte) (Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || !gjson.ValidBytes(line) {
		return Event{}, fmt.Errorf("ipc: invalid event line")
	}
	doc := gjson.ParseBytes(line)
	if !doc.IsObject() {
		return Event{}, fmt.Errorf("ipc: event must be an object")
	}
	ev := Event{
		Tag:       strings.TrimSpace(doc.Get("tag").String()),
		Symbol:    strings.ToUpper(strings.TrimSpace(doc.Get("symbol").String())),
		Status:    strings.ToUpper(strings.TrimSpace(doc.Get("status").String())),
		Direction: strings.ToUpper(strings.TrimSpace(doc.Get("direction").String())),
		ExecID:    strings.TrimSpace(doc.Get("exec_id").String()),
		Reason:    strings.TrimSpace(doc.Get("reason").String()),
	}
	if id := doc.Get("order_id"); id.Exists() {
		n, err := strconv.ParseInt(strings.TrimSpace(id.String()), 10, 64)
		if err != nil && id.String() != "" {
			return Event{}, fmt.Errorf("ipc: bad order_id %q", id.String())
		}
		ev.OrderID = n
	}
	if ev.OrderID <= 0 && ev.Tag == "" {
		return Event{}, fmt.Errorf("ipc: event has neither order_id nor tag")
	}
	var err error
	if ev.Filled, err = decimalField(doc, "filled"); err != nil {
		return Event{}, err
	}
	if ev.FillPrice, err = decimalField(doc, "fill_price"); err != nil {
		return Event{}, err
	}
	if c := doc.Get("commission"); c.Exists() && c.Type != gjson.Null {
		d, err := decimal.NewFromString(strings.TrimSpace(c.String()))
		if err != nil {
			return Event{}, fmt.Errorf("ipc: bad commission %q", c.String())
		}
		ev.Commission = &d
	}
	if ev.Time, err = parseEventTime(doc.Get("time")); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func decimalField(doc gjson.Result, key string) (decimal.Decimal, error) {
	v := doc.Get(key)
	if !v.Exists() || v.Type == gjson.Null || strings.TrimSpace(v.String()) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(v.String()))
	if err != nil {
		return decimal.Zero, fmt.Errorf("ipc: bad %s %q", key, v.String())
	}
	return d, nil
}

func parseEventTime(v gjson.Result) (time.Time, error) {
	if !v.Exists() || v.Type == gjson.Null {
		return time.Time{}, nil
	}
	raw := strings.TrimSpace(v.Raw)
	if v.Type == gjson.String {
		raw = strings.TrimSpace(v.String())
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return parseEpoch(raw)
}

// parseEpoch reads "1700000000.123456789123" without going through float64.
// Values above 1e12 are taken as milliseconds.
func parseEpoch(raw string) (time.Time, error) {
	whole, frac, _ := strings.Cut(raw, ".")
	secs, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("ipc: bad time %q", raw)
	}
	if secs > 1e12 {
		return time.UnixMilli(secs).UTC(), nil
	}
	var nanos int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		if nanos, err = strconv.ParseInt(frac, 10, 64); err != nil {
			return time.Time{}, fmt.Errorf("ipc: bad time %q", raw)
		}
	}
	return time.Unix(secs, nanos).UTC(), nil
}

var appendMu sync.Mutex

// AppendEvent appends one JSON line to path.
func AppendEvent(path string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	appendMu.Lock()
	defer appendMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// Tail reads complete lines of path starting at offset and returns the parsed
// events plus the offset just past the last complete line. A trailing partial
// line is left for the next call. A file shorter than offset was truncated and
// is read from the start. Malformed lines are skipped and counted.
func Tail(path string, offset int64) ([]Event, int64, int, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, offset, 0, nil
	}
	if err != nil {
		return nil, offset, 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, offset, 0, err
	}
	if info.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, 0, err
	}
	var (
		events []Event
		bad    int
	)
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return events, offset, bad, err
		}
		offset += int64(len(line))
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		ev, perr := ParseEvent(line)
		if perr != nil {
			bad++
			continue
		}
		events = append(events, ev)
	}
	return events, offset, bad, nil
}

// Cursors remembers how far each event log has been consumed.
type Cursors struct {
	path    string
	mu      sync.Mutex
	offsets map[string]int64
}

func LoadCursors(path string) (*Cursors, error) {
	c := &Cursors{path: path, offsets: make(map[string]int64)}
	if _, err := ReadJSON(path, &c.offsets); err != nil {
		return nil, err
	}
	if c.offsets == nil {
		c.offsets = make(map[string]int64)
	}
	return c, nil
}

func (c *Cursors) Get(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offsets[name]
}

func (c *Cursors) Set(name string, offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsets[name] = offset
}

func (c *Cursors) Save() error {
	c.mu.Lock()
	snapshot := make(map[string]int64, len(c.offsets))
	for k, v := range c.offsets {
		snapshot[k] = v
	}
	c.mu.Unlock()
	return WriteJSON(c.path, snapshot)
}
