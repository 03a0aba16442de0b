// Package types holds the shared data-transfer objects that cross component
// boundaries: position-delta events, order intents, order results, and the
// contract-version guard used to reject incompatible producers/consumers.
package types

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ContractVersion is the (major, minor) pair carried by every cross-boundary
// payload. A consumer rejects input whose major differs from its own, or
// whose minor exceeds its own (I7).
type ContractVersion struct {
	Major int
	Minor int
}

// CurrentContractVersion is the version this binary produces and accepts.
var CurrentContractVersion = ContractVersion{Major: 1, Minor: 0}

// Compatible reports whether an input produced at version v may be consumed
// by code expecting "accepted" (I7).
func (v ContractVersion) Compatible(accepted ContractVersion) bool {
	if v.Major != accepted.Major {
		return false
	}
	return v.Minor <= accepted.Minor
}

// Action classifies a position-delta event.
type Action string

const (
	ActionIncrease Action = "INCREASE"
	ActionDecrease Action = "DECREASE"
	ActionFlip     Action = "FLIP"
)

// Side is the order side on the execution venue.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType distinguishes limit vs. market orders on the execution venue.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// TimeInForce controls how long a resting order is allowed to wait.
type TimeInForce string

const (
	TIFGoodTilCancel TimeInForce = "GTC"
	TIFImmediateOrCancel TimeInForce = "IOC"
)

// PositionDeltaEvent is the output of Ingest and the input to Decision.
// Keyed lexicographically by (TimestampMs, EventIndex, TxHash, Symbol).
type PositionDeltaEvent struct {
	TimestampMs     int64
	EventIndex      int
	TxHash          string
	Symbol          string
	PrevNet         decimal.Decimal
	NextNet         decimal.Decimal
	Delta           decimal.Decimal
	Action          Action
	OpenComponent   decimal.Decimal // set only for FLIP / INCREASE sizing
	CloseComponent  decimal.Decimal // set only for FLIP / DECREASE sizing
	IsReplay        bool
	ExpectedPrice   *decimal.Decimal
	ContractVersion ContractVersion
}

// Key returns the composite ordering/identity key as a sortable string.
func (e PositionDeltaEvent) Key() string {
	return fmt.Sprintf("%020d|%010d|%s|%s", e.TimestampMs, e.EventIndex, e.TxHash, e.Symbol)
}

// OrderIntent is produced by Decision and consumed once by Execution.
// Immutable once stored (I3); insert-or-ignore by CorrelationID.
type OrderIntent struct {
	CorrelationID   string
	Symbol          string
	Side            Side
	Type            OrderType
	Qty             decimal.Decimal
	Price           *decimal.Decimal
	ReduceOnly      bool
	TIF             TimeInForce
	IsReplay        bool
	StrategyVersion string
	RiskNotes       []string
}

// OrderStatus is a state in the execution FSM (spec.md §4.4).
type OrderStatus string

const (
	StatusPending          OrderStatus = "PENDING"
	StatusSubmitted        OrderStatus = "SUBMITTED"
	StatusPartiallyFilled  OrderStatus = "PARTIALLY_FILLED"
	StatusFilled           OrderStatus = "FILLED"
	StatusCanceled         OrderStatus = "CANCELED"
	StatusExpired          OrderStatus = "EXPIRED"
	StatusRejected         OrderStatus = "REJECTED"
	StatusUnknown          OrderStatus = "UNKNOWN"
)

// Terminal reports whether a status can never transition further (I4, I7).
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	default:
		return false
	}
}

// statusRank encodes the allowed forward progression for the FSM; equal or
// higher rank is a legal transition, anything lower is a regression (I4).
var statusRank = map[OrderStatus]int{
	StatusPending:         0,
	StatusSubmitted:       1,
	StatusUnknown:         1,
	StatusPartiallyFilled: 2,
	StatusFilled:          3,
	StatusCanceled:        3,
	StatusExpired:         3,
	StatusRejected:        3,
}

// ValidTransition reports whether moving from `from` to `to` is legal under
// I4/I7: never leave a terminal state, never regress to a lower rank.
func ValidTransition(from, to OrderStatus) bool {
	if from.Terminal() {
		return false
	}
	fr, ok1 := statusRank[from]
	tr, ok2 := statusRank[to]
	if !ok1 || !ok2 {
		return false
	}
	return tr >= fr
}

// OrderResult is mutable, keyed by CorrelationID, updated by Execution.
type OrderResult struct {
	CorrelationID   string
	ExchangeOrderID string
	Status          OrderStatus
	FilledQty       decimal.Decimal
	AvgPrice        *decimal.Decimal
	ErrorCode       string
	ErrorMessage    string
	ContractVersion ContractVersion
	UpdatedAtMs     int64
}

// SafetyMode is the global ternary gate.
type SafetyMode string

const (
	ModeArmedLive SafetyMode = "ARMED_LIVE"
	ModeArmedSafe SafetyMode = "ARMED_SAFE"
	ModeHalt      SafetyMode = "HALT"
)

// Reason codes drawn from a closed enum (spec.md §7).
const (
	ReasonSchemaVersionMismatch       = "SCHEMA_VERSION_MISMATCH"
	ReasonBackfillWindowExceeded      = "BACKFILL_WINDOW_EXCEEDED"
	ReasonSnapshotStale               = "SNAPSHOT_STALE"
	ReasonReconcileCritical           = "RECONCILE_CRITICAL"
	ReasonExecutionRetryBudgetExceeded = "EXECUTION_RETRY_BUDGET_EXCEEDED"
	ReasonMaintenanceSkip             = "MAINTENANCE_SKIP_APPLIED"
	ReasonOperatorAction              = "OPERATOR_ACTION"
)

// SafetyState is the store-backed singleton mutated only by Safety (and the
// Execution retry-budget-exhaustion path).
type SafetyState struct {
	Mode          SafetyMode
	ReasonCode    string
	ReasonMessage string
	ChangedAtMs   int64
}

// Cursor tracks ingest progress. Advanced only after event persistence (I1).
type Cursor struct {
	LastProcessedTimestampMs int64
	LastProcessedEventKey    string
	LastIngestSuccessMs      int64
}

// DedupRecord is inserted atomically with the cursor advance (I2).
type DedupRecord struct {
	TxHash      string
	EventIndex  int
	Symbol      string
	TimestampMs int64
	IsReplay    bool
	CreatedAtMs int64
}

// AuditRecord is an append-only log entry; every safety transition writes
// one before the stored mode changes.
type AuditRecord struct {
	ID            uint64
	Category      string
	EntityID      string
	FromState     string
	ToState       string
	ReasonCode    string
	ReasonMessage string
	TimestampMs   int64
	Metadata      string // JSON-encoded
}

// Baseline is an operator-installed reference position used during
// reconciliation to treat manual/external positions as approved.
type Baseline struct {
	BaselineID string
	Symbol     string
	Qty        decimal.Decimal
	Active     bool
}

// CorrelationID builds the deterministic correlation id/client order id
// (P8): hl-{tx_hash}-{event_index}-{symbol_normalized}[-{role}].
func CorrelationID(txHash string, eventIndex int, symbol string, role string) string {
	normalized := strings.ReplaceAll(symbol, "-", "_")
	base := fmt.Sprintf("hl-%s-%d-%s", txHash, eventIndex, normalized)
	if role != "" {
		return base + "-" + role
	}
	return base
}

const (
	RoleClose = "close"
	RoleOpen  = "open"
)
