package swaprouted

import (
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"swaproute/native/router"
)

// MarketSpec describes one tradable market in the catalog file. Tick is the
// market's minimum quantity increment expressed in base units.
type MarketSpec struct {
	ID    string `yaml:"id"`
	Base  string `yaml:"base"`
	Quote string `yaml:"quote"`
	Tick  string `yaml:"tick"`
}

type catalogFile struct {
	Markets []MarketSpec `yaml:"markets"`
}

// Catalog resolves market identifiers from swap requests into fully specified
// step descriptors.
type Catalog struct {
	markets map[string]MarketSpec
}

// LoadCatalog parses the YAML market catalog at the supplied path.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read market catalog: %w", err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog builds a catalog from raw YAML contents.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse market catalog: %w", err)
	}
	markets := make(map[string]MarketSpec, len(file.Markets))
	for _, market := range file.Markets {
		id := strings.TrimSpace(market.ID)
		if id == "" {
			return nil, fmt.Errorf("market catalog: entry missing id")
		}
		if _, exists := markets[id]; exists {
			return nil, fmt.Errorf("market catalog: duplicate market %s", id)
		}
		if strings.TrimSpace(market.Base) == "" || strings.TrimSpace(market.Quote) == "" {
			return nil, fmt.Errorf("market catalog: market %s missing denominations", id)
		}
		if strings.TrimSpace(market.Tick) != "" {
			if _, ok := new(big.Int).SetString(strings.TrimSpace(market.Tick), 10); !ok {
				return nil, fmt.Errorf("market catalog: market %s invalid tick %q", id, market.Tick)
			}
		}
		markets[id] = market
	}
	return &Catalog{markets: markets}, nil
}

// Resolve maps a requested market hop into a step descriptor. Buying receives
// the base denomination, selling receives the quote denomination.
func (c *Catalog) Resolve(marketID, direction string) (router.StepDescriptor, error) {
	if c == nil {
		return router.StepDescriptor{}, fmt.Errorf("market catalog not loaded")
	}
	market, ok := c.markets[strings.TrimSpace(marketID)]
	if !ok {
		return router.StepDescriptor{}, fmt.Errorf("unknown market %s", marketID)
	}
	descriptor := router.StepDescriptor{MarketID: market.ID}
	switch strings.ToLower(strings.TrimSpace(direction)) {
	case "buy":
		descriptor.Direction = router.DirectionBuy
		descriptor.TargetDenom = market.Base
	case "sell":
		descriptor.Direction = router.DirectionSell
		descriptor.TargetDenom = market.Quote
	default:
		return router.StepDescriptor{}, fmt.Errorf("invalid direction %q", direction)
	}
	if tick := strings.TrimSpace(market.Tick); tick != "" {
		value, _ := new(big.Int).SetString(tick, 10)
		descriptor.TickSize = value
	}
	return descriptor, nil
}

// MarketIDs lists the catalog contents for diagnostics.
func (c *Catalog) MarketIDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.markets))
	for id := range c.markets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
