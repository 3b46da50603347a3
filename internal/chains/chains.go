// This package contains the static table of supported chains.
package chains

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Static description of one supported chain. AssetName must exactly
// match the asset contract's own EIP-712 signing domain name.
type ChainConfig struct {
	ChainId       int64
	Name          string
	AssetAddress  common.Address
	AssetName     string
	AssetVersion  string
	RpcUrl        string
	BlockExplorer string
	Testnet       bool
}

// ExplorerTxUrl builds the explorer link for a transaction hash.
func (c ChainConfig) ExplorerTxUrl(txHash string) string {
	return fmt.Sprintf("%s/tx/%s", c.BlockExplorer, txHash)
}

// Registry resolves network names and chain ids to chain configs.
// Loaded once at startup, read-only afterwards.
type Registry struct {
	byName map[string]ChainConfig
}

func CeloMainnet() ChainConfig {
	return ChainConfig{
		ChainId:       42220,
		Name:          "celo",
		AssetAddress:  common.HexToAddress("0xcebA9300f2b948710d2653dD7B07f33A8B32118C"),
		AssetName:     "USDC",
		AssetVersion:  "2",
		RpcUrl:        "https://forno.celo.org",
		BlockExplorer: "https://celoscan.io",
		Testnet:       false,
	}
}

func CeloSepolia() ChainConfig {
	return ChainConfig{
		ChainId:       11142220,
		Name:          "celo-sepolia",
		AssetAddress:  common.HexToAddress("0x01C5C0122039549AD1493B8220cABEdD739BC44E"),
		AssetName:     "USDC",
		AssetVersion:  "2",
		RpcUrl:        "https://celo-sepolia.blockscout.com/api/eth-rpc",
		BlockExplorer: "https://celo-sepolia.blockscout.com",
		Testnet:       true,
	}
}

// NewRegistry creates the default registry with the supported chains.
func NewRegistry(configs ...ChainConfig) *Registry {
	if len(configs) == 0 {
		configs = []ChainConfig{CeloMainnet(), CeloSepolia()}
	}
	byName := make(map[string]ChainConfig, len(configs))
	for _, config := range configs {
		byName[config.Name] = config
	}
	return &Registry{byName: byName}
}

// Resolve returns the config for a network name.
func (r *Registry) Resolve(network string) (ChainConfig, error) {
	config, ok := r.byName[network]
	if !ok {
		return ChainConfig{}, fmt.Errorf("unsupported chain %q", network)
	}
	return config, nil
}

// ResolveChainId returns the config for a numeric chain id.
func (r *Registry) ResolveChainId(chainId int64) (ChainConfig, error) {
	for _, config := range r.byName {
		if config.ChainId == chainId {
			return config, nil
		}
	}
	return ChainConfig{}, fmt.Errorf("unsupported chain id %d", chainId)
}

// All returns every registered chain.
func (r *Registry) All() []ChainConfig {
	configs := make([]ChainConfig, 0, len(r.byName))
	for _, config := range r.byName {
		configs = append(configs, config)
	}
	return configs
}
