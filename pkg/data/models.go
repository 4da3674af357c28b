package data

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Error variables for consistent error handling
var (
	ErrInvalidData    = errors.New("invalid data format")
	ErrInvalidTask    = errors.New("invalid task")
	ErrInvalidRecord  = errors.New("invalid record")
	ErrMissingHash    = errors.New("missing overall data hash")
	ErrInvalidAddress = errors.New("invalid worker address")
)

// TimeLayout is the datetime format used on the worker wire and in the task store.
const TimeLayout = "2006-01-02 15:04:05"

var ipPortRegex = regexp.MustCompile(`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}:\d+`)

// TokenPair identifies a liquidity pool
type TokenPair struct {
	TokenA string `json:"token_a"`
	TokenB string `json:"token_b"`
	Fee    int64  `json:"fee"`
}

// Validate checks that the pair names both tokens
func (p TokenPair) Validate() error {
	if p.TokenA == "" || p.TokenB == "" {
		return fmt.Errorf("%w: token addresses cannot be empty", ErrInvalidTask)
	}
	if p.Fee < 0 {
		return fmt.Errorf("%w: fee cannot be negative", ErrInvalidTask)
	}
	return nil
}

func (p TokenPair) String() string {
	return fmt.Sprintf("%s/%s/%d", p.TokenA, p.TokenB, p.Fee)
}

// Task is one unit of work distributed to every worker in a round.
// It is never mutated after creation.
type Task struct {
	TokenPair
	Start time.Time
	End   time.Time
}

// NewTask builds a validated task
func NewTask(pair TokenPair, start, end time.Time) (Task, error) {
	t := Task{TokenPair: pair, Start: start.UTC(), End: end.UTC()}
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}

// Validate checks the task window and pair
func (t Task) Validate() error {
	if err := t.TokenPair.Validate(); err != nil {
		return err
	}
	if t.Start.IsZero() || t.End.IsZero() {
		return fmt.Errorf("%w: window bounds are required", ErrInvalidTask)
	}
	if !t.End.After(t.Start) {
		return fmt.Errorf("%w: window end must be after start", ErrInvalidTask)
	}
	return nil
}

// Key identifies the task in logs and metrics
func (t Task) Key() string {
	return fmt.Sprintf("%s@%s", t.TokenPair, t.Start.Format(TimeLayout))
}

type taskWire struct {
	TokenA        string `json:"token_a"`
	TokenB        string `json:"token_b"`
	Fee           string `json:"fee"`
	StartDatetime string `json:"start_datetime"`
	EndDatetime   string `json:"end_datetime"`
}

// MarshalJSON encodes the task in the worker query format
func (t Task) MarshalJSON() ([]byte, error) {
	return json.Marshal(taskWire{
		TokenA:        t.TokenA,
		TokenB:        t.TokenB,
		Fee:           strconv.FormatInt(t.Fee, 10),
		StartDatetime: t.Start.UTC().Format(TimeLayout),
		EndDatetime:   t.End.UTC().Format(TimeLayout),
	})
}

// UnmarshalJSON decodes the worker query format
func (t *Task) UnmarshalJSON(b []byte) error {
	var w taskWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	fee, err := strconv.ParseInt(w.Fee, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: fee %q", ErrInvalidTask, w.Fee)
	}
	start, err := time.Parse(TimeLayout, w.StartDatetime)
	if err != nil {
		return fmt.Errorf("%w: start_datetime: %v", ErrInvalidTask, err)
	}
	end, err := time.Parse(TimeLayout, w.EndDatetime)
	if err != nil {
		return fmt.Errorf("%w: end_datetime: %v", ErrInvalidTask, err)
	}
	*t = Task{
		TokenPair: TokenPair{TokenA: w.TokenA, TokenB: w.TokenB, Fee: fee},
		Start:     start,
		End:       end,
	}
	return nil
}

// Record is one pool event returned by a worker or the oracle.
// BlockNumber is the positional key, TransactionHash the content identifier.
type Record struct {
	BlockNumber     int64  `json:"block_number"`
	TransactionHash string `json:"transaction_hash"`
	EventType       string `json:"event_type,omitempty"`

	// Raw keeps the original document so archived records are lossless.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON requires both keys and keeps the raw document
func (r *Record) UnmarshalJSON(b []byte) error {
	var aux struct {
		BlockNumber     *int64 `json:"block_number"`
		TransactionHash string `json:"transaction_hash"`
		EventType       string `json:"event_type"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if aux.BlockNumber == nil {
		return fmt.Errorf("%w: missing block_number", ErrInvalidRecord)
	}
	*r = Record{
		BlockNumber:     *aux.BlockNumber,
		TransactionHash: aux.TransactionHash,
		EventType:       aux.EventType,
		Raw:             append(json.RawMessage(nil), bytes.TrimSpace(b)...),
	}
	return nil
}

// MarshalJSON returns the original document when one was decoded
func (r Record) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	type plain Record
	return json.Marshal(plain(r))
}

// Validate checks the record has a usable identifier
func (r Record) Validate() error {
	if r.TransactionHash == "" {
		return fmt.Errorf("%w: missing transaction_hash", ErrInvalidRecord)
	}
	if r.BlockNumber < 0 {
		return fmt.Errorf("%w: negative block_number", ErrInvalidRecord)
	}
	return nil
}

// Response is the document a worker returns for a task
type Response struct {
	Data            []Record `json:"data"`
	OverallDataHash string   `json:"overall_data_hash"`

	// ProcessTime is measured by the validator, never read from the wire.
	ProcessTime time.Duration `json:"-"`
}

// Validate enforces the required fields of a worker response
func (r *Response) Validate() error {
	if r.OverallDataHash == "" {
		return ErrMissingHash
	}
	if r.Data == nil {
		return fmt.Errorf("%w: missing data", ErrInvalidData)
	}
	for i, rec := range r.Data {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return nil
}

// WorkerHandle is the registry view of a worker, read-only during a round
type WorkerHandle struct {
	UID         int
	Host        string
	Port        int
	IdentityKey []byte
}

// Address returns host:port
func (w WorkerHandle) Address() string {
	return net.JoinHostPort(w.Host, strconv.Itoa(w.Port))
}

// ParseAddress extracts an ip:port pair from a free-form registry address string
func ParseAddress(s string) (string, int, error) {
	match := ipPortRegex.FindString(s)
	if match == "" {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	host, portStr, err := net.SplitHostPort(match)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: port %q", ErrInvalidAddress, portStr)
	}
	return host, port, nil
}

// FailureReason records why a worker produced no payload
type FailureReason string

const (
	FailureNone      FailureReason = ""
	FailureTimeout   FailureReason = "timeout"
	FailureTransport FailureReason = "transport"
	FailureDecode    FailureReason = "decode"
	FailureInvalid   FailureReason = "invalid"
)

// Reply is the outcome of asking one worker. A reply with a failure has no payload.
type Reply struct {
	WorkerUID   int
	Payload     []Record
	ContentHash string
	Latency     time.Duration
	Failure     FailureReason
	Detail      string
}

// HasPayload reports whether the worker produced a usable answer
func (r Reply) HasPayload() bool {
	return r.Failure == FailureNone && r.Payload != nil
}

// FailedReply builds a reply with an absent payload
func FailedReply(uid int, reason FailureReason, latency time.Duration, detail string) Reply {
	return Reply{
		WorkerUID: uid,
		Latency:   latency,
		Failure:   reason,
		Detail:    detail,
	}
}

// Weight is one entry of a weight allocation
type Weight struct {
	UID    int `json:"uid"`
	Weight int `json:"weight"`
}

// Allocation is an ordered worker -> weight mapping
type Allocation []Weight

// UIDs returns the worker ids in allocation order
func (a Allocation) UIDs() []int {
	uids := make([]int, len(a))
	for i, w := range a {
		uids[i] = w.UID
	}
	return uids
}

// Weights returns the weights in allocation order
func (a Allocation) Weights() []int {
	ws := make([]int, len(a))
	for i, w := range a {
		ws[i] = w.Weight
	}
	return ws
}

// Total sums every weight
func (a Allocation) Total() int {
	total := 0
	for _, w := range a {
		total += w.Weight
	}
	return total
}

// Validate checks an allocation against the submission rules
func (a Allocation) Validate(maxCount int) error {
	if len(a) > maxCount {
		return fmt.Errorf("%w: %d entries exceed maximum %d", ErrInvalidAllocation, len(a), maxCount)
	}
	seen := make(map[int]struct{}, len(a))
	for _, w := range a {
		if w.Weight <= 0 {
			return fmt.Errorf("%w: worker %d has weight %d", ErrInvalidAllocation, w.UID, w.Weight)
		}
		if _, dup := seen[w.UID]; dup {
			return fmt.Errorf("%w: duplicate worker %d", ErrInvalidAllocation, w.UID)
		}
		seen[w.UID] = struct{}{}
	}
	return nil
}

func (a Allocation) String() string {
	parts := make([]string, len(a))
	for i, w := range a {
		parts[i] = fmt.Sprintf("%d:%d", w.UID, w.Weight)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
