// Package store persists trade records and daily summaries to
// Postgres. The trading path never blocks on it; writes that fail are
// logged and dropped.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// TradeRecord is one executed entry with its lifecycle fields filled
// in as the position evolves.
type TradeRecord struct {
	ID            uint   `gorm:"primaryKey"`
	ClientOrderID string `gorm:"uniqueIndex;size:64"`
	OrderID       string `gorm:"index;size:64"`
	SLOrderID     string `gorm:"size:64"`
	TargetOrderID string `gorm:"size:64"`
	Symbol        string `gorm:"index;size:64"`
	Side          string `gorm:"size:8"`
	Quantity      int64
	EntryPrice    decimal.Decimal `gorm:"type:numeric(18,4)"`
	StopLoss      decimal.Decimal `gorm:"type:numeric(18,4)"`
	Target        decimal.Decimal `gorm:"type:numeric(18,4)"`
	ExitPrice     decimal.Decimal `gorm:"type:numeric(18,4)"`
	RealizedPnL   decimal.Decimal `gorm:"type:numeric(18,4)"`
	StrategyID    string          `gorm:"index;size:16"`
	Confidence    float64
	Reason        string `gorm:"size:256"`
	Status        string `gorm:"size:16"`
	// Regime state at exit, kept so the adaptive estimator can be
	// reseeded from history on restart.
	RegimeBias     string `gorm:"size:16"`
	RegimeStrength float64
	RegimeZone     string `gorm:"size:16"`
	EnteredAt      time.Time
	ExitedAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DaySummary rolls up one trading day.
type DaySummary struct {
	ID          uint   `gorm:"primaryKey"`
	Date        string `gorm:"uniqueIndex;size:10"`
	Trades      int
	Wins        int
	RealizedPnL decimal.Decimal `gorm:"type:numeric(18,4)"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// User is an operator account. The process only needs the master row;
// reporting tools attribute trades through it.
type User struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:64"`
	Role      string `gorm:"size:16"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store wraps the gorm handle.
type Store struct {
	logger *zap.Logger
	db     *gorm.DB
}

// Open connects and migrates. An empty DSN returns a nil store; all
// methods tolerate the nil receiver so persistence stays optional.
func Open(logger *zap.Logger, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, nil
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&User{}, &TradeRecord{}, &DaySummary{}); err != nil {
		return nil, err
	}
	return &Store{logger: logger.Named("store"), db: db}, nil
}

// EnsureMaster creates the master operator row if it is missing.
func (s *Store) EnsureMaster(ctx context.Context, name string) {
	if s == nil || name == "" {
		return
	}
	err := s.db.WithContext(ctx).
		Where(User{Name: name}).
		FirstOrCreate(&User{Name: name, Role: "master"}).Error
	if err != nil {
		s.logger.Warn("master user bootstrap failed", zap.String("name", name), zap.Error(err))
	}
}

// RecordEntry persists a freshly executed entry.
func (s *Store) RecordEntry(ctx context.Context, rec TradeRecord) {
	if s == nil {
		return
	}
	rec.Status = "OPEN"
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		s.logger.Warn("trade record write failed", zap.String("symbol", rec.Symbol), zap.Error(err))
	}
}

// RecordExit closes out a trade record.
func (s *Store) RecordExit(ctx context.Context, clientOrderID string, exitPrice, pnl decimal.Decimal, reg types.Regime) {
	if s == nil {
		return
	}
	now := time.Now()
	err := s.db.WithContext(ctx).Model(&TradeRecord{}).
		Where("client_order_id = ?", clientOrderID).
		Updates(map[string]any{
			"exit_price":      exitPrice,
			"realized_pn_l":   pnl,
			"status":          "CLOSED",
			"exited_at":       &now,
			"regime_bias":     string(reg.Bias),
			"regime_strength": reg.Strength,
			"regime_zone":     string(reg.MoveZone),
		}).Error
	if err != nil {
		s.logger.Warn("trade exit write failed", zap.String("client_order_id", clientOrderID), zap.Error(err))
	}
}

// UpdateStop records a stop modification.
func (s *Store) UpdateStop(ctx context.Context, clientOrderID string, newSL decimal.Decimal) {
	if s == nil {
		return
	}
	err := s.db.WithContext(ctx).Model(&TradeRecord{}).
		Where("client_order_id = ?", clientOrderID).
		Update("stop_loss", newSL).Error
	if err != nil {
		s.logger.Warn("stop update write failed", zap.String("client_order_id", clientOrderID), zap.Error(err))
	}
}

// UpsertDaySummary accumulates a closed trade into the day's totals.
func (s *Store) UpsertDaySummary(ctx context.Context, date string, pnl decimal.Decimal, won bool) {
	if s == nil {
		return
	}
	var sum DaySummary
	tx := s.db.WithContext(ctx)
	if err := tx.Where(DaySummary{Date: date}).FirstOrCreate(&sum).Error; err != nil {
		s.logger.Warn("day summary read failed", zap.Error(err))
		return
	}
	sum.Trades++
	if won {
		sum.Wins++
	}
	sum.RealizedPnL = sum.RealizedPnL.Add(pnl)
	if err := tx.Save(&sum).Error; err != nil {
		s.logger.Warn("day summary write failed", zap.Error(err))
	}
}

// ClosedTradesSince lists closed records with an exit at or after the
// cutoff, oldest first so replays observe them in trade order.
func (s *Store) ClosedTradesSince(ctx context.Context, since time.Time) ([]TradeRecord, error) {
	if s == nil {
		return nil, nil
	}
	var out []TradeRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND exited_at >= ?", "CLOSED", since).
		Order("exited_at asc").
		Find(&out).Error
	return out, err
}

// TradesForDay lists the day's records, newest first.
func (s *Store) TradesForDay(ctx context.Context, date string) ([]TradeRecord, error) {
	if s == nil {
		return nil, nil
	}
	var out []TradeRecord
	err := s.db.WithContext(ctx).
		Where("entered_at >= ?", date).
		Order("entered_at desc").
		Find(&out).Error
	return out, err
}
