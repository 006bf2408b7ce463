package services

import (
	"context"
	"math/big"
	"sync"
	"time"

	"stablepay-backend/internal/clients"
	"stablepay-backend/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MonitoringService keeps the database and key balance gauges current
type MonitoringService struct {
	db                   *gorm.DB // nil with the in-memory registry
	client               clients.LedgerClient
	networkName          string
	accounts             []common.Address
	stopCh               chan struct{}
	stopOnce             sync.Once
	wg                   sync.WaitGroup
	dbCheckInterval      time.Duration
	balanceCheckInterval time.Duration
}

func NewMonitoringService(db *gorm.DB, client clients.LedgerClient, networkName string, accounts ...common.Address) *MonitoringService {
	return &MonitoringService{
		db:                   db,
		client:               client,
		networkName:          networkName,
		accounts:             accounts,
		stopCh:               make(chan struct{}),
		dbCheckInterval:      10 * time.Second,
		balanceCheckInterval: 60 * time.Second,
	}
}

// Start launches the monitoring loops
func (m *MonitoringService) Start() {
	if m.db != nil {
		m.wg.Add(1)
		go m.loop(m.dbCheckInterval, m.updateDatabaseMetrics)
	}
	if len(m.accounts) > 0 {
		m.wg.Add(1)
		go m.loop(m.balanceCheckInterval, m.UpdateBalances)
	}
	logrus.Infof("✅ [Monitor] Monitoring service started")
}

// Stop stops the monitoring loops
func (m *MonitoringService) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	logrus.Infof("🛑 [Monitor] Monitoring service stopped")
}

func (m *MonitoringService) loop(interval time.Duration, update func()) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	update()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			update()
		}
	}
}

func (m *MonitoringService) updateDatabaseMetrics() {
	sqlDB, err := m.db.DB()
	if err != nil {
		metrics.DBConnectionStatus.Set(0)
		return
	}

	stats := sqlDB.Stats()
	metrics.DBConnectionPoolSize.Set(float64(stats.MaxOpenConnections))
	metrics.DBConnectionActive.Set(float64(stats.OpenConnections - stats.Idle))
	metrics.DBConnectionIdle.Set(float64(stats.Idle))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		metrics.DBConnectionStatus.Set(0)
	} else {
		metrics.DBConnectionStatus.Set(1)
	}
}

// UpdateBalances refreshes the native balance gauge of every watched key.
func (m *MonitoringService) UpdateBalances() {
	for _, account := range m.accounts {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		balance, err := m.client.BalanceAt(ctx, account, nil)
		cancel()
		if err != nil {
			logrus.Warnf("⚠️ [Monitor] Failed to get balance for %s on %s: %v", account.Hex(), m.networkName, err)
			continue
		}
		metrics.PrivateKeyBalance.WithLabelValues(m.networkName, account.Hex()).Set(weiToEther(balance))
	}
}

func weiToEther(wei *big.Int) float64 {
	value, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
	return value
}
