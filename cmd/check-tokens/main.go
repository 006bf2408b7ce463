package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"stablepay-backend/internal/clients"
	"stablepay-backend/internal/config"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Compares the configured stablecoins against the deployed contract: allow
// list status, on-chain decimals and balances.
func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	networkName := flag.String("network", "", "network name (default: blockchain.default_network)")
	chainID := flag.Int64("chain-id", 0, "select the network by chain id instead of name")
	flag.Parse()

	if err := config.LoadConfig(*configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	var network *config.NetworkConfig
	var err error
	switch {
	case *chainID != 0:
		network, err = config.GetNetworkConfigByChainID(*chainID)
	case *networkName != "":
		network, err = config.GetNetworkConfig(*networkName)
	default:
		network, err = config.AppConfig.DefaultNetworkConfig()
	}
	if err != nil {
		log.Fatalf("Failed to resolve network: %v", err)
	}
	if network.Simulated {
		log.Fatalf("Network %s is simulated; nothing to check on-chain", network.Name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, endpoint, err := clients.DialLedgerClient(ctx, network.RPCEndpoints, network.ChainID)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	contract := common.HexToAddress(network.PaymentContract)
	caller := clients.NewPaymentContractCaller(client, contract)

	var sender common.Address
	if network.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(network.PrivateKey, "0x"))
		if err != nil {
			log.Fatalf("Invalid PRIVATE_KEY: %v", err)
		}
		sender = crypto.PubkeyToAddress(key.PublicKey)
	}

	fmt.Printf("🔍 %s (chain %d) via %s\n", network.Name, network.ChainID, endpoint)
	fmt.Printf("📋 Contract: %s\n", contract.Hex())
	if owner, err := caller.Owner(ctx); err == nil {
		fmt.Printf("📋 Owner:    %s\n", owner.Hex())
	}
	fmt.Println(strings.Repeat("=", 60))

	problems := 0
	for _, symbol := range network.Symbols() {
		token := network.Tokens[symbol]
		address := common.HexToAddress(token.Address)
		fmt.Printf("\n%s  %s\n", symbol, address.Hex())

		allowed, err := caller.IsTokenAllowed(ctx, address)
		switch {
		case err != nil:
			fmt.Printf("   ❌ isTokenAllowed: %v\n", err)
			problems++
		case !allowed:
			fmt.Println("   ❌ not on the contract allow list")
			problems++
		default:
			fmt.Println("   ✅ allowed")
		}

		decimals, err := caller.TokenDecimals(ctx, address)
		switch {
		case err != nil:
			fmt.Printf("   ❌ decimals: %v\n", err)
			problems++
		case decimals != token.Decimals:
			fmt.Printf("   ❌ decimals mismatch: configured %d, on-chain %d\n", token.Decimals, decimals)
			problems++
		default:
			fmt.Printf("   ✅ decimals %d\n", decimals)
		}

		if custodial, err := caller.GetTokenBalance(ctx, address); err == nil {
			fmt.Printf("   📦 custodial balance: %s\n", custodial.String())
		}
		if sender != (common.Address{}) {
			if balance, err := caller.TokenBalanceOf(ctx, address, sender); err == nil {
				fmt.Printf("   💰 sender balance:    %s\n", balance.String())
			}
		}
	}

	fmt.Println()
	if problems > 0 {
		log.Fatalf("❌ %d problem(s) found", problems)
	}
	fmt.Println("✅ All configured stablecoins are usable")
}
