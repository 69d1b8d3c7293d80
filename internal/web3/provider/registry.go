package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"IntelMarket-Chain/internal/config"
	"IntelMarket-Chain/internal/payment"
	"IntelMarket-Chain/internal/web3"
	"IntelMarket-Chain/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by chain name and routes
// settlement confirmations to the right one.
type Registry struct {
	clients map[string]web3.Client
}

// NewRegistry loads chain definitions and instantiates concrete clients. An
// empty chain config yields an empty registry; the verifier then treats
// settlement as unavailable.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]web3.Client, len(defs.Chains))
	for name, chain := range defs.Chains {
		switch chain.Type {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:          name,
				RPCURL:        chain.RPCURL,
				ChainID:       chain.ChainID,
				Confirmations: chain.Confirmations,
				Notes:         chain.Description,
			})
			if err != nil {
				closeClients(clients)
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			closeClients(clients)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}
	return &Registry{clients: clients}, nil
}

// NewStaticRegistry wraps already constructed clients.
func NewStaticRegistry(clients map[string]web3.Client) *Registry {
	copied := make(map[string]web3.Client, len(clients))
	for name, client := range clients {
		copied[name] = client
	}
	return &Registry{clients: copied}
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Confirm implements payment.SettlementConfirmer.
func (r *Registry) Confirm(ctx context.Context, chain, txHash string) (payment.Settlement, error) {
	client, ok := r.Client(chain)
	if !ok {
		return payment.Settlement{Chain: chain, TxHash: txHash, Status: payment.SettlementPending},
			fmt.Errorf("链 %s 未配置确认客户端", chain)
	}
	return client.Confirm(ctx, txHash)
}

// Snapshots collects the head of every configured chain.
func (r *Registry) Snapshots(ctx context.Context) (map[string]web3.ChainSnapshot, error) {
	snapshots := make(map[string]web3.ChainSnapshot, len(r.clients))
	var errs error
	for _, name := range r.Chains() {
		snapshot, err := r.clients[name].FetchChainSnapshot(ctx)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		snapshots[name] = snapshot
	}
	return snapshots, errs
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeClients(r.clients)
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func closeClients(clients map[string]web3.Client) {
	for name, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, name)
	}
}

var _ payment.SettlementConfirmer = (*Registry)(nil)
