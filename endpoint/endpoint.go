// Package endpoint describes the ledger network an election lives on and makes
// sure the wallet is pointed at it before anything else happens.
package endpoint

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"gopkg.in/yaml.v3"

	"ballotsync/wallet"
)

// Currency is the native currency of a network.
type Currency struct {
	Name     string `yaml:"name"`
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
}

// Endpoint is an immutable network descriptor.
type Endpoint struct {
	ChainID        uint64   `yaml:"chainId"`
	DisplayName    string   `yaml:"displayName"`
	NativeCurrency Currency `yaml:"nativeCurrency"`
	RPCURLs        []string `yaml:"rpcUrls"`
	ExplorerURL    string   `yaml:"explorerUrl"`
}

// HexChainID renders the chain id the way wallets expect it.
func (e Endpoint) HexChainID() string { return hexutil.EncodeUint64(e.ChainID) }

// ChainParams converts the endpoint into a wallet_addEthereumChain request.
func (e Endpoint) ChainParams() wallet.ChainParams {
	params := wallet.ChainParams{
		ChainID:   hexutil.Uint64(e.ChainID),
		ChainName: e.DisplayName,
		NativeCurrency: wallet.Currency{
			Name:     e.NativeCurrency.Name,
			Symbol:   e.NativeCurrency.Symbol,
			Decimals: e.NativeCurrency.Decimals,
		},
		RPCURLs: append([]string(nil), e.RPCURLs...),
	}
	if e.ExplorerURL != "" {
		params.BlockExplorerURLs = []string{e.ExplorerURL}
	}
	return params
}

// Validate checks the descriptor is usable.
func (e Endpoint) Validate() error {
	if e.ChainID == 0 {
		return fmt.Errorf("endpoint: chain id required")
	}
	if strings.TrimSpace(e.DisplayName) == "" {
		return fmt.Errorf("endpoint: display name required for chain %d", e.ChainID)
	}
	if len(e.RPCURLs) == 0 {
		return fmt.Errorf("endpoint: at least one rpc url required for chain %d", e.ChainID)
	}
	return nil
}

//go:embed networks.yaml
var builtinCatalog []byte

// Catalog maps network names to endpoints.
type Catalog map[string]Endpoint

type catalogFile struct {
	Networks map[string]Endpoint `yaml:"networks"`
}

// ParseCatalog decodes a YAML network catalog.
func ParseCatalog(data []byte) (Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("endpoint: parse catalog: %w", err)
	}
	out := make(Catalog, len(file.Networks))
	for name, ep := range file.Networks {
		if err := ep.Validate(); err != nil {
			return nil, fmt.Errorf("network %s: %w", name, err)
		}
		out[strings.ToLower(strings.TrimSpace(name))] = ep
	}
	return out, nil
}

// Builtin returns the embedded catalog.
func Builtin() Catalog {
	catalog, err := ParseCatalog(builtinCatalog)
	if err != nil {
		panic(err)
	}
	return catalog
}

// LoadCatalog reads a catalog file and layers it over the builtin networks.
// An empty path yields the builtin catalog.
func LoadCatalog(path string) (Catalog, error) {
	catalog := Builtin()
	if strings.TrimSpace(path) == "" {
		return catalog, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("endpoint: read catalog: %w", err)
	}
	extra, err := ParseCatalog(data)
	if err != nil {
		return nil, err
	}
	for name, ep := range extra {
		catalog[name] = ep
	}
	return catalog, nil
}

// Lookup returns the named endpoint.
func (c Catalog) Lookup(name string) (Endpoint, error) {
	ep, ok := c[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Endpoint{}, fmt.Errorf("endpoint: unknown network %q (known: %s)", name, strings.Join(c.Names(), ", "))
	}
	return ep, nil
}

// Names lists the catalog entries in sorted order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ErrRejected is returned when the wallet holder declines the switch or add.
var ErrRejected = errors.New("endpoint: network switch rejected")
