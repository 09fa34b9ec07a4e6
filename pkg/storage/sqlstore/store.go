package sqlstore

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/onboarding92/bitchange/pkg/app/core/ledger"
	"github.com/onboarding92/bitchange/pkg/app/core/types"
	"github.com/onboarding92/bitchange/pkg/storage"
)

// Store keeps the exchange tables in PostgreSQL.
// Each Batch is one database transaction.
type Store struct {
	db *gorm.DB
}

// New connects and migrates the balances, orders, trades and events tables
func New(opt Option) (*Store, error) {
	db, err := open(opt)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&balanceModel{}, &orderModel{}, &tradeModel{}, &eventModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// DB returns the underlying gorm.DB instance.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Commit(b *storage.Batch) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if len(b.Balances) > 0 {
			rows := make([]balanceModel, len(b.Balances))
			for i, r := range b.Balances {
				rows[i] = fromRow(r)
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}, {Name: "asset"}},
				DoUpdates: clause.AssignmentColumns([]string{"available", "reserved", "version"}),
			}).Create(&rows).Error
			if err != nil {
				return fmt.Errorf("upsert balances: %w", err)
			}
		}

		if len(b.Orders) > 0 {
			orders := make([]orderModel, len(b.Orders))
			for i, o := range b.Orders {
				orders[i] = fromOrder(o)
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				UpdateAll: true,
			}).Create(&orders).Error
			if err != nil {
				return fmt.Errorf("upsert orders: %w", err)
			}
		}

		if len(b.Trades) > 0 {
			trades := make([]tradeModel, len(b.Trades))
			for i, t := range b.Trades {
				trades[i] = fromTrade(t)
			}
			if err := tx.Create(&trades).Error; err != nil {
				return fmt.Errorf("insert trades: %w", err)
			}
		}

		if len(b.Events) > 0 {
			events := make([]eventModel, len(b.Events))
			for i, e := range b.Events {
				m, err := fromEvent(e)
				if err != nil {
					return err
				}
				events[i] = m
			}
			if err := tx.Create(&events).Error; err != nil {
				return fmt.Errorf("insert events: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *Store) PersistBalances(rows []ledger.Row) error {
	return s.Commit(&storage.Batch{Balances: rows})
}

func (s *Store) LoadBalances() ([]ledger.Row, error) {
	var models []balanceModel
	if err := s.db.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}
	rows := make([]ledger.Row, len(models))
	for i, m := range models {
		rows[i] = m.row()
	}
	return rows, nil
}

func (s *Store) LoadOrder(id uint64) (*types.Order, error) {
	var models []orderModel
	if err := s.db.Where("id = ?", id).Limit(1).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if len(models) == 0 {
		return nil, nil
	}
	o, err := models[0].order()
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) LoadUserOrders(user common.Address) ([]types.Order, error) {
	var models []orderModel
	if err := s.db.Where("user_id = ?", user.Hex()).Order("id").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to load orders: %w", err)
	}
	out := make([]types.Order, 0, len(models))
	for _, m := range models {
		o, err := m.order()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Store) RecentTrades(pair string, limit int) ([]types.Trade, error) {
	q := s.db.Where("pair = ?", pair).Order("sequence desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []tradeModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to load trades: %w", err)
	}
	out := make([]types.Trade, 0, len(models))
	for _, m := range models {
		t, err := m.trade()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) ReplayEvents(pair string, fn func(*storage.Event) error) error {
	rows, err := s.db.Model(&eventModel{}).Where("pair = ?", pair).Order("seq").Rows()
	if err != nil {
		return fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m eventModel
		if err := s.db.ScanRows(rows, &m); err != nil {
			return fmt.Errorf("failed to scan event: %w", err)
		}
		e, err := m.event()
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

var _ storage.Store = (*Store)(nil)
