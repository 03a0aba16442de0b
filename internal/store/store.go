// Package store is the single-writer SSOT: dedup records, cursor, order
// intents/results, safety state, audit log, and baselines, all behind one
// GORM handle opened the way internal/database.New dials it (postgres://
// prefix or sqlite fallback with directory creation).
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/hl-copytrader/internal/types"
)

// CurrentSchemaVersion is the schema version this binary expects. Store.Open
// refuses to operate against a persisted version it doesn't understand.
const CurrentSchemaVersion = 1

// Models

type dedupRecord struct {
	TxHash      string `gorm:"primaryKey"`
	EventIndex  int    `gorm:"primaryKey"`
	Symbol      string `gorm:"primaryKey"`
	TimestampMs int64
	IsReplay    bool
	CreatedAtMs int64 `gorm:"index"`
}

func (dedupRecord) TableName() string { return "dedup_records" }

type cursorRow struct {
	ID                       uint `gorm:"primaryKey"`
	LastProcessedTimestampMs int64
	LastProcessedEventKey    string
	LastIngestSuccessMs      int64
}

func (cursorRow) TableName() string { return "cursor" }

type orderIntentRow struct {
	CorrelationID   string `gorm:"primaryKey"`
	Symbol          string
	Side            string
	Type            string
	Qty             decimal.Decimal `gorm:"type:decimal(36,18)"`
	Price           *decimal.Decimal `gorm:"type:decimal(36,18)"`
	ReduceOnly      bool
	TIF             string
	IsReplay        bool
	StrategyVersion string
	RiskNotes       string // newline-joined
	CreatedAtMs     int64
}

func (orderIntentRow) TableName() string { return "order_intents" }

type orderResultRow struct {
	CorrelationID   string `gorm:"primaryKey"`
	ExchangeOrderID string
	Status          string
	FilledQty       decimal.Decimal `gorm:"type:decimal(36,18)"`
	AvgPrice        *decimal.Decimal `gorm:"type:decimal(36,18)"`
	ErrorCode       string
	ErrorMessage    string
	ContractMajor   int
	ContractMinor   int
	UpdatedAtMs     int64
}

func (orderResultRow) TableName() string { return "order_results" }

type safetyStateRow struct {
	ID            uint `gorm:"primaryKey"`
	Mode          string
	ReasonCode    string
	ReasonMessage string
	ChangedAtMs   int64
}

func (safetyStateRow) TableName() string { return "safety_state" }

type auditRecordRow struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	Category      string `gorm:"index"`
	EntityID      string `gorm:"index"`
	FromState     string
	ToState       string
	ReasonCode    string
	ReasonMessage string
	TimestampMs   int64
	Metadata      string
}

func (auditRecordRow) TableName() string { return "audit_records" }

type baselineRow struct {
	BaselineID string `gorm:"primaryKey"`
	Symbol     string `gorm:"primaryKey"`
	Qty        decimal.Decimal `gorm:"type:decimal(36,18)"`
	Active     bool
}

func (baselineRow) TableName() string { return "baselines" }

type systemStateRow struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (systemStateRow) TableName() string { return "system_state" }

// Store is the process-wide singleton durable backend. All writes are
// serialized by mu so the single-writer discipline holds regardless of how
// many goroutines call in.
type Store struct {
	mu sync.Mutex
	db *gorm.DB
}

// Open dials the store at dbPath: a postgres:// / postgresql:// URL selects
// the Postgres driver, anything else is treated as a sqlite file path and
// its parent directory is created if missing.
func Open(dbPath string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		log.Info().Msg("store connected (postgres)")
	} else {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info().Str("path", dbPath).Msg("store connected (sqlite)")
	}

	if err := db.AutoMigrate(
		&dedupRecord{}, &cursorRow{}, &orderIntentRow{}, &orderResultRow{},
		&safetyStateRow{}, &auditRecordRow{}, &baselineRow{}, &systemStateRow{},
	); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	s := &Store{db: db}
	if err := s.checkSchemaVersion(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) checkSchemaVersion() error {
	raw, ok, err := s.getSystemState("schema_version")
	if err != nil {
		return err
	}
	if !ok {
		return s.setSystemState("schema_version", strconv.Itoa(CurrentSchemaVersion))
	}
	persisted, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("corrupt schema_version %q: %w", raw, err)
	}
	if persisted > CurrentSchemaVersion {
		return fmt.Errorf("persisted schema version %d is newer than this binary's %d", persisted, CurrentSchemaVersion)
	}
	if persisted < CurrentSchemaVersion {
		return fmt.Errorf("%s: persisted schema version %d has no migration to %d", types.ReasonSchemaVersionMismatch, persisted, CurrentSchemaVersion)
	}
	return nil
}

// RecordEventResult distinguishes a fresh insert from an already-seen key.
type RecordEventResult int

const (
	Inserted RecordEventResult = iota
	Duplicate
)

// RecordEvent atomically inserts the dedup key, advances the cursor, and
// inserts any accompanying intents (I1, I2, I3). The whole operation runs
// in a single transaction; on a primary-key collision on the dedup record
// it reports Duplicate and performs no other writes.
func (s *Store) RecordEvent(dedup types.DedupRecord, cursor types.Cursor, intents []types.OrderIntent) (RecordEventResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := Inserted
	err := s.db.Transaction(func(tx *gorm.DB) error {
		row := dedupRecord{
			TxHash:      dedup.TxHash,
			EventIndex:  dedup.EventIndex,
			Symbol:      dedup.Symbol,
			TimestampMs: dedup.TimestampMs,
			IsReplay:    dedup.IsReplay,
			CreatedAtMs: dedup.CreatedAtMs,
		}
		if err := tx.Create(&row).Error; err != nil {
			if isUniqueViolation(err) {
				result = Duplicate
				return nil
			}
			return err
		}

		if err := tx.Save(&cursorRow{
			ID:                       1,
			LastProcessedTimestampMs: cursor.LastProcessedTimestampMs,
			LastProcessedEventKey:    cursor.LastProcessedEventKey,
			LastIngestSuccessMs:      cursor.LastIngestSuccessMs,
		}).Error; err != nil {
			return err
		}

		for _, intent := range intents {
			intentRow := orderIntentRow{
				CorrelationID:   intent.CorrelationID,
				Symbol:          intent.Symbol,
				Side:            string(intent.Side),
				Type:            string(intent.Type),
				Qty:             intent.Qty,
				Price:           intent.Price,
				ReduceOnly:      intent.ReduceOnly,
				TIF:             string(intent.TIF),
				IsReplay:        intent.IsReplay,
				StrategyVersion: intent.StrategyVersion,
				RiskNotes:       strings.Join(intent.RiskNotes, "\n"),
				CreatedAtMs:     cursor.LastProcessedTimestampMs,
			}
			// insert-or-ignore by correlation_id (I3)
			if err := tx.Where("correlation_id = ?", intent.CorrelationID).
				FirstOrCreate(&intentRow).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Inserted, err
	}
	return result, nil
}

// LoadCursor returns the singleton cursor, zero-valued if never written.
func (s *Store) LoadCursor() (types.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row cursorRow
	err := s.db.First(&row, 1).Error
	if err == gorm.ErrRecordNotFound {
		return types.Cursor{}, nil
	}
	if err != nil {
		return types.Cursor{}, err
	}
	return types.Cursor{
		LastProcessedTimestampMs: row.LastProcessedTimestampMs,
		LastProcessedEventKey:    row.LastProcessedEventKey,
		LastIngestSuccessMs:      row.LastIngestSuccessMs,
	}, nil
}

// TouchIngestSuccess advances last_ingest_success_ms without touching
// progress, separating liveness from progress per the ingest contract.
func (s *Store) TouchIngestSuccess(nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row cursorRow
	err := s.db.First(&row, 1).Error
	if err == gorm.ErrRecordNotFound {
		row = cursorRow{ID: 1}
	} else if err != nil {
		return err
	}
	row.ID = 1
	row.LastIngestSuccessMs = nowMs
	return s.db.Save(&row).Error
}

// LoadSafety returns the singleton safety state, defaulting to ARMED_SAFE
// if never written (a fresh store must not start fully armed).
func (s *Store) LoadSafety() (types.SafetyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row safetyStateRow
	err := s.db.First(&row, 1).Error
	if err == gorm.ErrRecordNotFound {
		return types.SafetyState{Mode: types.ModeArmedSafe, ReasonCode: "INITIAL_BOOT"}, nil
	}
	if err != nil {
		return types.SafetyState{}, err
	}
	return types.SafetyState{
		Mode:          types.SafetyMode(row.Mode),
		ReasonCode:    row.ReasonCode,
		ReasonMessage: row.ReasonMessage,
		ChangedAtMs:   row.ChangedAtMs,
	}, nil
}

// SetSafety writes the new safety state and appends an AuditRecord
// documenting the transition before the stored mode changes, so the audit
// log is always a strict superset of the observable state.
func (s *Store) SetSafety(next types.SafetyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		var current safetyStateRow
		err := tx.First(&current, 1).Error
		fromMode := ""
		if err == nil {
			fromMode = current.Mode
		} else if err != gorm.ErrRecordNotFound {
			return err
		}

		if err := tx.Create(&auditRecordRow{
			Category:      "safety",
			EntityID:      "safety_state",
			FromState:     fromMode,
			ToState:       string(next.Mode),
			ReasonCode:    next.ReasonCode,
			ReasonMessage: next.ReasonMessage,
			TimestampMs:   next.ChangedAtMs,
		}).Error; err != nil {
			return err
		}

		return tx.Save(&safetyStateRow{
			ID:            1,
			Mode:          string(next.Mode),
			ReasonCode:    next.ReasonCode,
			ReasonMessage: next.ReasonMessage,
			ChangedAtMs:   next.ChangedAtMs,
		}).Error
	})
}

// UpsertResult mutates an OrderResult by correlation_id, appending an
// AuditRecord of the prior→new status transition whenever the status
// actually changes (I4 is enforced by callers via types.ValidTransition
// before this is invoked).
func (s *Store) UpsertResult(result types.OrderResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing orderResultRow
		err := tx.First(&existing, "correlation_id = ?", result.CorrelationID).Error
		fromStatus := ""
		if err == nil {
			fromStatus = existing.Status
		} else if err != gorm.ErrRecordNotFound {
			return err
		}

		if fromStatus != string(result.Status) {
			if err := tx.Create(&auditRecordRow{
				Category:    "order_result",
				EntityID:    result.CorrelationID,
				FromState:   fromStatus,
				ToState:     string(result.Status),
				TimestampMs: result.UpdatedAtMs,
			}).Error; err != nil {
				return err
			}
		}

		row := orderResultRow{
			CorrelationID:   result.CorrelationID,
			ExchangeOrderID: result.ExchangeOrderID,
			Status:          string(result.Status),
			FilledQty:       result.FilledQty,
			AvgPrice:        result.AvgPrice,
			ErrorCode:       result.ErrorCode,
			ErrorMessage:    result.ErrorMessage,
			ContractMajor:   result.ContractVersion.Major,
			ContractMinor:   result.ContractVersion.Minor,
			UpdatedAtMs:     result.UpdatedAtMs,
		}
		return tx.Save(&row).Error
	})
}

// LoadResult fetches a single order result, returning ok=false if none
// has been recorded yet for this correlation_id.
func (s *Store) LoadResult(correlationID string) (types.OrderResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row orderResultRow
	err := s.db.First(&row, "correlation_id = ?", correlationID).Error
	if err == gorm.ErrRecordNotFound {
		return types.OrderResult{}, false, nil
	}
	if err != nil {
		return types.OrderResult{}, false, err
	}
	return types.OrderResult{
		CorrelationID:   row.CorrelationID,
		ExchangeOrderID: row.ExchangeOrderID,
		Status:          types.OrderStatus(row.Status),
		FilledQty:       row.FilledQty,
		AvgPrice:        row.AvgPrice,
		ErrorCode:       row.ErrorCode,
		ErrorMessage:    row.ErrorMessage,
		ContractVersion: types.ContractVersion{Major: row.ContractMajor, Minor: row.ContractMinor},
		UpdatedAtMs:     row.UpdatedAtMs,
	}, true, nil
}

// LoadNonTerminalResults returns every result not yet in a terminal state.
// Nothing calls it at startup: results left non-terminal by a previous run
// are not re-queried automatically after a restart.
func (s *Store) LoadNonTerminalResults() ([]types.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	terminal := []string{
		string(types.StatusFilled), string(types.StatusCanceled),
		string(types.StatusExpired), string(types.StatusRejected),
	}
	var rows []orderResultRow
	if err := s.db.Where("status NOT IN ?", terminal).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.OrderResult, 0, len(rows))
	for _, row := range rows {
		out = append(out, types.OrderResult{
			CorrelationID:   row.CorrelationID,
			ExchangeOrderID: row.ExchangeOrderID,
			Status:          types.OrderStatus(row.Status),
			FilledQty:       row.FilledQty,
			AvgPrice:        row.AvgPrice,
			ContractVersion: types.ContractVersion{Major: row.ContractMajor, Minor: row.ContractMinor},
			UpdatedAtMs:     row.UpdatedAtMs,
		})
	}
	return out, nil
}

// AppendAudit writes a standalone audit entry outside the safety/result
// transition helpers above (e.g. maintenance-skip bypass records).
func (s *Store) AppendAudit(rec types.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Create(&auditRecordRow{
		Category:      rec.Category,
		EntityID:      rec.EntityID,
		FromState:     rec.FromState,
		ToState:       rec.ToState,
		ReasonCode:    rec.ReasonCode,
		ReasonMessage: rec.ReasonMessage,
		TimestampMs:   rec.TimestampMs,
		Metadata:      rec.Metadata,
	}).Error
}

// SweepDedup deletes dedup records older than beforeMs (TTL expiry).
func (s *Store) SweepDedup(beforeMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.Where("created_at_ms < ?", beforeMs).Delete(&dedupRecord{})
	return res.RowsAffected, res.Error
}

// LoadBaselines returns all active baseline positions.
func (s *Store) LoadBaselines() ([]types.Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []baselineRow
	if err := s.db.Where("active = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Baseline, 0, len(rows))
	for _, row := range rows {
		out = append(out, types.Baseline{BaselineID: row.BaselineID, Symbol: row.Symbol, Qty: row.Qty, Active: row.Active})
	}
	return out, nil
}

// DeriveLocalPositions computes local derived positions by joining intents
// with results: a terminal result contributes side_sign × min(qty,
// filled_qty); an active (non-terminal) intent contributes its unfilled
// signed qty only while still active.
func (s *Store) DeriveLocalPositions(symbols []string) (map[string]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]decimal.Decimal)
	for _, sym := range symbols {
		out[sym] = decimal.Zero
	}

	var intents []orderIntentRow
	if err := s.db.Where("symbol IN ?", symbols).Find(&intents).Error; err != nil {
		return nil, err
	}

	for _, intent := range intents {
		var result orderResultRow
		err := s.db.First(&result, "correlation_id = ?", intent.CorrelationID).Error
		sideSign := decimal.NewFromInt(1)
		if intent.Side == string(types.SideSell) {
			sideSign = decimal.NewFromInt(-1)
		}
		if err == gorm.ErrRecordNotFound {
			out[intent.Symbol] = out[intent.Symbol].Add(sideSign.Mul(intent.Qty))
			continue
		}
		if err != nil {
			return nil, err
		}
		status := types.OrderStatus(result.Status)
		if status.Terminal() {
			filled := decimal.Min(intent.Qty, result.FilledQty)
			out[intent.Symbol] = out[intent.Symbol].Add(sideSign.Mul(filled))
		} else {
			unfilled := intent.Qty.Sub(result.FilledQty)
			if unfilled.IsPositive() {
				out[intent.Symbol] = out[intent.Symbol].Add(sideSign.Mul(unfilled))
			}
		}
	}
	return out, nil
}

func (s *Store) getSystemState(key string) (string, bool, error) {
	var row systemStateRow
	err := s.db.First(&row, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Value, true, nil
}

func (s *Store) setSystemState(key, value string) error {
	return s.db.Save(&systemStateRow{Key: key, Value: value}).Error
}

// GetSystemState exposes an operator-inspectable key/value, per the
// system_state keys enumerated for operator tooling (safety_mode,
// config_hash, schema_version, etc).
func (s *Store) GetSystemState(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSystemState(key)
}

// SetSystemState writes an operator-inspectable key/value.
func (s *Store) SetSystemState(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setSystemState(key, value)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
