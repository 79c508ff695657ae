package x402

import (
	"fmt"
	"math/big"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Category decides whether a tool is gated.
type Category string

const (
	CategoryFree Category = "free"
	CategoryPaid Category = "paid"
)

// ToolPricing is the price and call budget of one tool. Price is in token
// base units.
type ToolPricing struct {
	Price       string   `yaml:"price" json:"price"`
	RateLimit   int      `yaml:"rateLimit" json:"rateLimit"`
	Category    Category `yaml:"category" json:"category"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
}

// IsFree reports whether calls bypass payment entirely.
func (p ToolPricing) IsFree() bool {
	return p.Category == CategoryFree
}

func (p *ToolPricing) normalize() {
	if p.Category == "" {
		p.Category = CategoryPaid
	}
	if p.Category == CategoryFree && p.Price == "" {
		p.Price = "0"
	}
}

// Validate checks the pricing is consistent with its category
func (p *ToolPricing) Validate() error {
	p.normalize()

	price, ok := new(big.Int).SetString(p.Price, 10)
	if !ok {
		return fmt.Errorf("price %q is not an integer amount of base units", p.Price)
	}

	switch p.Category {
	case CategoryFree:
		if price.Sign() != 0 {
			return fmt.Errorf("free tools must have price 0, got %s", p.Price)
		}
	case CategoryPaid:
		if price.Sign() <= 0 {
			return fmt.Errorf("paid tools must have a positive price, got %s", p.Price)
		}
	default:
		return fmt.Errorf("unknown category %q", p.Category)
	}

	if p.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	return nil
}

// CatalogEntry is one row of the pricing dump.
type CatalogEntry struct {
	Tool string `json:"tool"`
	ToolPricing
}

// Catalog maps tool names to pricing. Names may be path.Match patterns
// ("crypto_*"); exact names win over patterns and longer patterns win over
// shorter ones. Tools matching nothing get the default entry, which is
// always chargeable. A Catalog is immutable once validated.
type Catalog struct {
	Default ToolPricing            `yaml:"default"`
	Tools   map[string]ToolPricing `yaml:"tools"`
}

// DefaultCatalog charges every tool 0.01 USDC with 60 calls per window.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Default: ToolPricing{Price: "10000", RateLimit: 60, Category: CategoryPaid},
		Tools:   map[string]ToolPricing{},
	}
}

// LoadCatalog reads a YAML catalog from path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
//
//	default: {price: "10000", rateLimit: 60, category: paid}
//	tools:
//	  get_price: {price: "1000", rateLimit: 100, category: paid}
//	  ping: {category: free}
func ParseCatalog(data []byte) (*Catalog, error) {
	c := DefaultCatalog()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks every entry and that the default is chargeable
func (c *Catalog) Validate() error {
	if err := c.Default.Validate(); err != nil {
		return fmt.Errorf("invalid default pricing: %w", err)
	}
	if c.Default.IsFree() {
		return fmt.Errorf("default pricing must not be free")
	}

	for name, p := range c.Tools {
		if name == "" {
			return fmt.Errorf("tool name must not be empty")
		}
		if _, err := path.Match(name, ""); err != nil {
			return fmt.Errorf("invalid tool pattern %q: %w", name, err)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("invalid pricing for tool %q: %w", name, err)
		}
		c.Tools[name] = p
	}
	return nil
}

// Lookup returns the pricing for tool. It never fails: unknown tools get the
// default entry.
func (c *Catalog) Lookup(tool string) ToolPricing {
	if p, ok := c.Tools[tool]; ok {
		return p
	}

	var bestMatch string
	var best *ToolPricing
	for pattern, p := range c.Tools {
		if !isPattern(pattern) || !matchPath(tool, pattern) {
			continue
		}
		if len(pattern) > len(bestMatch) || (len(pattern) == len(bestMatch) && pattern < bestMatch) {
			bestMatch = pattern
			pCopy := p
			best = &pCopy
		}
	}
	if best != nil {
		return *best
	}

	return c.Default
}

// Entries returns every configured tool sorted by name, followed by the
// default entry under "*".
func (c *Catalog) Entries() []CatalogEntry {
	entries := make([]CatalogEntry, 0, len(c.Tools)+1)
	for name, p := range c.Tools {
		entries = append(entries, CatalogEntry{Tool: name, ToolPricing: p})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Tool < entries[j].Tool })
	return append(entries, CatalogEntry{Tool: "*", ToolPricing: c.Default})
}

func isPattern(name string) bool {
	return strings.ContainsAny(name, "*?[")
}

// matchPath checks if a name matches a pattern
// Supports wildcards: /v1/* matches /v1/foo, /v1/foo/bar, etc.
func matchPath(name, pattern string) bool {
	if name == pattern {
		return true
	}

	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(name, prefix+"/") || name == prefix
	}

	matched, _ := path.Match(pattern, name)
	return matched
}
