package app

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"stablepay-backend/internal/clients"
	"stablepay-backend/internal/config"
	"stablepay-backend/internal/db"
	"stablepay-backend/internal/events"
	"stablepay-backend/internal/handlers"
	"stablepay-backend/internal/repository"
	"stablepay-backend/internal/router"
	"stablepay-backend/internal/services"
	"stablepay-backend/internal/simulated"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	rpcCallTimeout      = 10 * time.Second
	simulatedTokenFloat = 1_000_000_000 // whole tokens minted to the simulated sender
)

// simulatedBlockInterval is how often the simulated chain mines a block.
var simulatedBlockInterval = 2 * time.Second

// ServiceContainer owns every long-lived component of the server.
type ServiceContainer struct {
	Config  *config.Config
	Network *config.NetworkConfig

	// Database, nil with the in-memory registry
	DB *gorm.DB

	// Ledger
	Client    clients.LedgerClient
	Simulated *simulated.Backend // set when the network is simulated

	// Settlement
	Registry      *services.PaymentRegistry
	Queue         *services.SubmissionQueue
	Poller        *services.ConfirmationPoller
	Prices        *services.PriceOracleService
	Settlement    *services.SettlementService
	Reconciler    *services.ReconciliationService
	ContractAdmin *services.ContractAdminService

	// Push, events and monitoring
	WebSocketPushService *services.WebSocketPushService
	NATSClient           *clients.NATSClient
	ReconcileResponder   *events.ReconcileResponder
	MonitoringService    *services.MonitoringService

	AdminCredentials handlers.AdminCredentials

	stopMining func()
	stopOnce   sync.Once
}

// NewServiceContainer wires every component for the configured default
// network. Nothing is started yet.
func NewServiceContainer(ctx context.Context, cfg *config.Config) (*ServiceContainer, error) {
	logrus.Info("🚀 Initializing Service Container...")

	network, err := cfg.DefaultNetworkConfig()
	if err != nil {
		return nil, err
	}
	c := &ServiceContainer{Config: cfg, Network: network}

	if err := c.initRegistry(); err != nil {
		return nil, fmt.Errorf("failed to initialize payment registry: %w", err)
	}
	if err := c.initLedger(ctx); err != nil {
		c.Stop()
		return nil, fmt.Errorf("failed to initialize ledger: %w", err)
	}
	if err := c.initSettlement(); err != nil {
		c.Stop()
		return nil, fmt.Errorf("failed to initialize settlement: %w", err)
	}
	if err := c.initEventServices(); err != nil {
		// events are optional
		logrus.Warnf("⚠️ Event services initialization skipped or failed: %v", err)
	}

	c.AdminCredentials = handlers.AdminCredentialsFromEnv()

	logrus.Info("✅ Service Container initialized successfully")
	return c, nil
}

func (c *ServiceContainer) initRegistry() error {
	var repo repository.PaymentRepository
	switch c.Config.Database.Driver {
	case "postgres":
		conn, err := db.InitDB(c.Config.Database)
		if err != nil {
			return err
		}
		c.DB = conn
		repo = repository.NewPaymentRepository(conn)
		logrus.Info("📦 Payment registry: postgres")
	default:
		repo = repository.NewMemoryPaymentRepository()
		logrus.Info("📦 Payment registry: in-memory")
	}
	c.Registry = services.NewPaymentRegistry(repo)
	return nil
}

func (c *ServiceContainer) initLedger(ctx context.Context) error {
	if c.Network.Simulated {
		return c.initSimulatedLedger()
	}

	client, endpoint, err := clients.DialLedgerClient(ctx, c.Network.RPCEndpoints, c.Network.ChainID)
	if err != nil {
		return err
	}
	logrus.Infof("✅ Connected to %s (chain %d) via %s", c.Network.Name, c.Network.ChainID, endpoint)
	c.Client = client
	return nil
}

// initSimulatedLedger starts the in-process chain with the payment contract
// deployed, every configured token allow-listed and the sender funded.
func (c *ServiceContainer) initSimulatedLedger() error {
	senderKey, err := keyOrGenerate(c.Network.PrivateKey, "sender")
	if err != nil {
		return err
	}
	ownerKey, err := keyOrGenerate(c.Network.OwnerPrivateKey, "owner")
	if err != nil {
		return err
	}
	c.Network.PrivateKey = hexutil.Encode(crypto.FromECDSA(senderKey))
	c.Network.OwnerPrivateKey = hexutil.Encode(crypto.FromECDSA(ownerKey))

	sender := crypto.PubkeyToAddress(senderKey.PublicKey)
	owner := crypto.PubkeyToAddress(ownerKey.PublicKey)
	contract := common.HexToAddress(c.Network.PaymentContract)

	backend := simulated.New(simulated.Config{
		ChainID:         c.Network.ChainID,
		ContractAddress: contract,
		Owner:           owner,
		AutoMine:        true,
	})

	ether := new(big.Int).SetUint64(params.Ether)
	backend.Fund(sender, new(big.Int).Mul(big.NewInt(100), ether))
	backend.Fund(owner, new(big.Int).Mul(big.NewInt(100), ether))

	for _, symbol := range c.Network.Symbols() {
		token := c.Network.Tokens[symbol]
		address := common.HexToAddress(token.Address)
		memToken := backend.DeployToken(address, symbol, token.Decimals)
		if err := backend.AllowToken(address); err != nil {
			return fmt.Errorf("allow %s: %w", symbol, err)
		}
		supply := new(big.Int).Mul(big.NewInt(simulatedTokenFloat), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(token.Decimals)), nil))
		memToken.Mint(sender, supply)
		memToken.Approve(sender, contract, supply)
	}

	logrus.WithFields(logrus.Fields{
		"sender":   sender.Hex(),
		"owner":    owner.Hex(),
		"contract": contract.Hex(),
		"tokens":   c.Network.Symbols(),
	}).Info("🧪 Simulated chain ready")

	c.Simulated = backend
	c.Client = backend
	return nil
}

func keyOrGenerate(hexKey, role string) (*ecdsa.PrivateKey, error) {
	if hexKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid %s private key: %w", role, err)
		}
		return key, nil
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	logrus.Warnf("⚠️ No %s key configured, generated a throwaway key for the simulated chain", role)
	return key, nil
}

func (c *ServiceContainer) initSettlement() error {
	settlement := c.Config.Settlement
	chainID := big.NewInt(c.Network.ChainID)
	contract := common.HexToAddress(c.Network.PaymentContract)

	if c.Network.PrivateKey == "" {
		return errors.New("a payment sender private key is required (PRIVATE_KEY)")
	}
	signer, err := services.NewTransactionSigner(c.Network.PrivateKey, chainID)
	if err != nil {
		return err
	}
	gas, err := services.NewGasPolicy(settlement, *c.Network)
	if err != nil {
		return err
	}
	retry := services.RetryPolicyFromConfig(settlement)
	transactor := services.NewTransactor(c.Client, signer, gas, retry)

	var ownerTransactor *services.Transactor
	if c.Network.OwnerPrivateKey != "" {
		ownerSigner, err := services.NewTransactionSigner(c.Network.OwnerPrivateKey, chainID)
		if err != nil {
			return err
		}
		ownerTransactor = services.NewTransactor(c.Client, ownerSigner, gas, retry)
	} else {
		logrus.Warn("⚠️ No owner key configured, admin contract operations are disabled")
	}

	c.Queue = services.NewSubmissionQueue(c.Network.ChainID)
	c.Poller = services.NewConfirmationPoller(c.Client, c.Registry, services.PollerConfig{
		Contract:              contract,
		RequiredConfirmations: settlement.RequiredConfirmations,
		PollInterval:          settlement.PollInterval(),
		Timeout:               settlement.ConfirmationTimeout(),
		CallTimeout:           rpcCallTimeout,
	})

	oracle := c.Config.PriceOracle
	c.Prices = services.NewPriceOracleService(clients.NewDeFiLlamaClient(oracle.BaseURL, oracle.Timeout()), oracle)
	if c.Simulated != nil {
		for _, symbol := range c.Network.Symbols() {
			c.Prices.SetStatic(symbol, 1)
		}
	}

	c.Settlement = services.NewSettlementService(c.Client, transactor, c.Queue, c.Registry, c.Poller, c.Prices, services.SettlementOptions{
		NetworkName: c.Network.Name,
		ChainID:     c.Network.ChainID,
		Contract:    contract,
		Mode:        settlement.Mode,
		Tokens:      c.Network.Tokens,
		CallTimeout: rpcCallTimeout,
	})
	c.Reconciler = services.NewReconciliationService(c.Client, c.Registry, contract, settlement.RequiredConfirmations, settlement.AutoReconcileInterval())
	c.ContractAdmin = services.NewContractAdminService(c.Client, contract, ownerTransactor)

	c.WebSocketPushService = services.NewWebSocketPushService(originChecker(c.Config.CORS.AllowedOrigins))
	c.Registry.AddListener(c.WebSocketPushService)

	accounts := []common.Address{signer.Address()}
	if ownerTransactor != nil {
		accounts = append(accounts, ownerTransactor.From())
	}
	c.MonitoringService = services.NewMonitoringService(c.DB, c.Client, c.Network.Name, accounts...)

	logrus.WithFields(logrus.Fields{
		"network":  c.Network.Name,
		"mode":     settlement.Mode,
		"sender":   signer.Address().Hex(),
		"contract": contract.Hex(),
	}).Info("✅ Settlement services initialized")
	return nil
}

// initEventServices connects to NATS when enabled and wires the payment
// event publisher and the reconcile responder.
func (c *ServiceContainer) initEventServices() error {
	if !c.Config.NATS.Enabled {
		logrus.Info("📡 NATS disabled, payment events are not published")
		return nil
	}

	natsClient, err := clients.NewNATSClient(c.Config.NATS)
	if err != nil {
		return err
	}
	c.NATSClient = natsClient

	publisher := events.NewPaymentEventPublisher(natsClient, natsClient.Prefix(), c.Network.Name)
	c.Registry.AddListener(publisher)
	c.ReconcileResponder = events.NewReconcileResponder(c.Reconciler, rpcCallTimeout*3)
	return nil
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" {
			return nil
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Start launches the background loops and re-attaches pollers to payments
// left pending by a previous run.
func (c *ServiceContainer) Start(ctx context.Context) error {
	if c.Simulated != nil {
		c.stopMining = c.Simulated.Mine(simulatedBlockInterval)
	}
	c.Prices.Start()
	c.Reconciler.Start()
	c.MonitoringService.Start()

	if c.ReconcileResponder != nil {
		if err := c.ReconcileResponder.Start(c.NATSClient, c.NATSClient.Prefix()); err != nil {
			logrus.Warnf("⚠️ NATS reconcile responder not started: %v", err)
		}
	}

	if _, err := c.Settlement.ResumePending(ctx); err != nil {
		return fmt.Errorf("failed to resume pending payments: %w", err)
	}
	return nil
}

// Stop shuts everything down; safe to call more than once.
func (c *ServiceContainer) Stop() {
	c.stopOnce.Do(func() {
		logrus.Info("🛑 Stopping services...")
		if c.stopMining != nil {
			c.stopMining()
		}
		if c.ReconcileResponder != nil {
			c.ReconcileResponder.Stop()
		}
		if c.MonitoringService != nil {
			c.MonitoringService.Stop()
		}
		if c.Reconciler != nil {
			c.Reconciler.Stop()
		}
		if c.Prices != nil {
			c.Prices.Stop()
		}
		if c.Poller != nil {
			c.Poller.Stop()
		}
		if c.Queue != nil {
			c.Queue.Stop()
		}
		if c.WebSocketPushService != nil {
			c.WebSocketPushService.Stop()
		}
		if c.NATSClient != nil {
			c.NATSClient.Close()
		}
		if c.Client != nil {
			c.Client.Close()
		}
		if c.DB != nil {
			db.Close()
		}
	})
}

// Router builds the HTTP API on top of the container.
func (c *ServiceContainer) Router() *gin.Engine {
	settlement := c.Settlement
	checks := map[string]handlers.HealthCheck{
		"ledger": func(ctx context.Context) error {
			_, err := c.Client.BlockNumber(ctx)
			return err
		},
	}
	if c.DB != nil {
		checks["database"] = func(ctx context.Context) error {
			sqlDB, err := c.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	}
	if c.NATSClient != nil {
		checks["nats"] = func(ctx context.Context) error {
			if !c.NATSClient.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
	}

	return router.SetupRouter(router.Handlers{
		Basic:       handlers.NewBasicHandler(checks),
		Payments:    handlers.NewPaymentHandler(settlement, c.Reconciler),
		Stablecoins: handlers.NewStablecoinHandler(settlement, c.Prices),
		Network: handlers.NewNetworkHandler(c.Client, handlers.NetworkDetails{
			Name:     c.Network.Name,
			ChainID:  c.Network.ChainID,
			Contract: settlement.Options().Contract,
			Sender:   settlement.Sender(),
			Mode:     settlement.Mode(),
		}),
		AdminAuth:     handlers.NewAdminAuthHandler(c.AdminCredentials),
		AdminContract: handlers.NewAdminContractHandler(c.ContractAdmin),
		WebSocket:     handlers.NewWebSocketHandler(c.WebSocketPushService),
	}, router.Options{
		CORS:            c.Config.CORS,
		AdminAllowedIPs: c.Config.Admin.AllowedIPs,
		TrustedProxies:  splitEnvList("TRUSTED_PROXIES"),
	})
}

func splitEnvList(name string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
