package config

import (
	"errors"
	"fmt"
	"math/big"

	"bridgerelay/internal/conversion"
	"bridgerelay/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// NetworkConfig describes one EVM network the relay reads deposits from or pays out on.
type NetworkConfig struct {
	Name    string `mapstructure:"Name"`
	RPCURL  string `mapstructure:"RPCURL"`
	ChainID int64  `mapstructure:"ChainID"`
	// POA marks clique/parlia chains. Headers decode natively; the flag is informational.
	POA bool `mapstructure:"POA"`
	// GasPriceGwei is a decimal such as "4" or "1.5".
	GasPriceGwei     string `mapstructure:"GasPriceGwei"`
	GasLimit         uint64 `mapstructure:"GasLimit"`
	Token            string `mapstructure:"Token"`
	// TokenDecimals is folded into conversions when both ends of a route set it. 0 is a valid value.
	TokenDecimals    *uint8 `mapstructure:"TokenDecimals"`
	TokenABIPath     string `mapstructure:"TokenABIPath"`
	DepositAddress   string `mapstructure:"DepositAddress"`
	MinConfirmations uint64 `mapstructure:"MinConfirmations"`
}

// RouteConfig pays deposits on From out on To at Rate, and the reverse at 1/Rate.
type RouteConfig struct {
	From string `mapstructure:"From"`
	To   string `mapstructure:"To"`
	Rate string `mapstructure:"Rate"`
}

var gwei = decimal.New(1, 9)

func (n NetworkConfig) validate() error {
	if n.Name == "" {
		return errors.New("network with empty name")
	}
	if n.RPCURL == "" {
		return fmt.Errorf("network %s: RPCURL is required", n.Name)
	}
	if n.ChainID <= 0 {
		return fmt.Errorf("network %s: ChainID must be positive", n.Name)
	}
	if n.GasLimit == 0 {
		return fmt.Errorf("network %s: GasLimit must be positive", n.Name)
	}
	if !common.IsHexAddress(n.Token) {
		return fmt.Errorf("network %s: Token %q is not an address", n.Name, n.Token)
	}
	if n.DepositAddress != "" && !common.IsHexAddress(n.DepositAddress) {
		return fmt.Errorf("network %s: DepositAddress %q is not an address", n.Name, n.DepositAddress)
	}
	if _, err := n.GasPriceWei(); err != nil {
		return err
	}
	return nil
}

// GasPriceWei converts the configured gwei price to wei. Fractions of a wei are rejected.
func (n NetworkConfig) GasPriceWei() (*big.Int, error) {
	d, err := decimal.NewFromString(n.GasPriceGwei)
	if err != nil {
		return nil, fmt.Errorf("network %s: GasPriceGwei %q: %w", n.Name, n.GasPriceGwei, err)
	}
	wei := d.Mul(gwei)
	if !wei.IsPositive() || !wei.IsInteger() {
		return nil, fmt.Errorf("network %s: GasPriceGwei %q must be a positive whole number of wei", n.Name, n.GasPriceGwei)
	}
	return wei.BigInt(), nil
}

// Ledger builds the network descriptor, loading the token ABI.
func (n NetworkConfig) Ledger() (ledger.Network, error) {
	if err := n.validate(); err != nil {
		return ledger.Network{}, err
	}
	gasPrice, err := n.GasPriceWei()
	if err != nil {
		return ledger.Network{}, err
	}
	tokenABI, err := ledger.LoadTokenABI(n.TokenABIPath)
	if err != nil {
		return ledger.Network{}, fmt.Errorf("network %s: %w", n.Name, err)
	}
	out := ledger.Network{
		Name:             n.Name,
		RPCURL:           n.RPCURL,
		ChainID:          big.NewInt(n.ChainID),
		POA:              n.POA,
		GasPrice:         gasPrice,
		GasLimit:         n.GasLimit,
		Token:            common.HexToAddress(n.Token),
		TokenABI:         tokenABI,
		MinConfirmations: n.MinConfirmations,
	}
	if n.TokenDecimals != nil {
		out.TokenDecimals = *n.TokenDecimals
	}
	if n.DepositAddress != "" {
		dep := common.HexToAddress(n.DepositAddress)
		out.DepositAddress = &dep
	}
	return out, nil
}

// ConversionRoutes parses the configured rates.
func (c *Config) ConversionRoutes() ([]conversion.Route, error) {
	out := make([]conversion.Route, 0, len(c.Routes))
	for _, r := range c.Routes {
		rate, err := conversion.ParseRate(r.Rate)
		if err != nil {
			return nil, fmt.Errorf("route %s -> %s: %w", r.From, r.To, err)
		}
		out = append(out, conversion.Route{From: r.From, To: r.To, Rate: rate})
	}
	return out, nil
}

// TokenDecimals maps network name to token decimals for networks that set them.
func (c *Config) TokenDecimals() map[string]uint8 {
	out := make(map[string]uint8, len(c.Networks))
	for _, n := range c.Networks {
		if n.TokenDecimals != nil {
			out[n.Name] = *n.TokenDecimals
		}
	}
	return out
}

// Rule builds the conversion rule for the configured routes.
func (c *Config) Rule() (*conversion.Rule, error) {
	routes, err := c.ConversionRoutes()
	if err != nil {
		return nil, err
	}
	return conversion.NewRule(routes, c.TokenDecimals())
}
