package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/enums"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
)

var ErrInvalidProduct = errors.New("invalid catalog product")

type Product struct {
	Code              string            `yaml:"code"`
	Type              enums.ProductType `yaml:"type"`
	Title             string            `yaml:"title"`
	Description       string            `yaml:"description"`
	PriceStars        int               `yaml:"price_stars"`
	PaidEnergy        int               `yaml:"paid_energy"`
	PremiumTier       enums.PremiumTier `yaml:"premium_tier"`
	PremiumDays       int               `yaml:"premium_days"`
	ModeAccessDays    map[string]int    `yaml:"mode_access_days"`
	StreakSaverTokens int               `yaml:"streak_saver_tokens"`
	RepeatCooldown    time.Duration     `yaml:"repeat_cooldown"`
}

func (p Product) IsPremium() bool {
	return p.PremiumTier != "" && p.PremiumDays > 0
}

// Breakdown lists every asset the product grants. Zero quantities are omitted.
func (p Product) Breakdown() model.Breakdown {
	out := model.Breakdown{}
	if p.PaidEnergy > 0 {
		out[model.BreakdownPaidEnergy] = p.PaidEnergy
	}
	if p.IsPremium() {
		out[model.BreakdownPremiumDays] = p.PremiumDays
	}
	for mode, days := range p.ModeAccessDays {
		if days > 0 {
			out[model.ModeAccessBreakdownKey(mode)] = days
		}
	}
	if p.StreakSaverTokens > 0 {
		out[model.BreakdownStreakSaverTokens] = p.StreakSaverTokens
	}
	return out
}

// LedgerAsset is the asset recorded on the credit entry; products granting
// more than one asset kind are recorded as a bundle.
func (p Product) LedgerAsset() enums.LedgerAsset {
	kinds := make([]enums.LedgerAsset, 0, 4)
	if p.PaidEnergy > 0 {
		kinds = append(kinds, enums.LedgerAssetPaidEnergy)
	}
	if p.IsPremium() {
		kinds = append(kinds, enums.LedgerAssetPremium)
	}
	if len(p.ModeAccessDays) > 0 {
		kinds = append(kinds, enums.LedgerAssetModeAccess)
	}
	if p.StreakSaverTokens > 0 {
		kinds = append(kinds, enums.LedgerAssetStreakSaver)
	}
	if len(kinds) == 1 {
		return kinds[0]
	}
	return enums.LedgerAssetBundle
}

func (p Product) validate() error {
	if strings.TrimSpace(p.Code) == "" {
		return fmt.Errorf("%w: empty code", ErrInvalidProduct)
	}
	if p.PriceStars <= 0 {
		return fmt.Errorf("%w: %s price must be positive", ErrInvalidProduct, p.Code)
	}
	switch p.Type {
	case enums.ProductTypeMicro, enums.ProductTypePremium, enums.ProductTypeOffer:
	default:
		return fmt.Errorf("%w: %s has unknown type %q", ErrInvalidProduct, p.Code, p.Type)
	}
	if p.Type == enums.ProductTypePremium && (p.PremiumTier.Rank() == 0 || p.PremiumDays <= 0) {
		return fmt.Errorf("%w: %s premium tier and days are required", ErrInvalidProduct, p.Code)
	}
	if len(p.Breakdown()) == 0 {
		return fmt.Errorf("%w: %s grants nothing", ErrInvalidProduct, p.Code)
	}
	return nil
}

type Catalog struct {
	products map[string]Product
}

func New(products []Product) (*Catalog, error) {
	c := &Catalog{products: make(map[string]Product, len(products))}
	for _, product := range products {
		product.Code = normalizeCode(product.Code)
		if err := product.validate(); err != nil {
			return nil, err
		}
		c.products[product.Code] = product
	}
	return c, nil
}

func Default() *Catalog {
	c, err := New(defaultProducts())
	if err != nil {
		panic(err)
	}
	return c
}

type fileCatalog struct {
	Products []Product `yaml:"products"`
}

// Load starts from the built-in catalog and applies products from path on top.
// An empty path or a missing file keeps the defaults.
func Load(path string) (*Catalog, error) {
	products := defaultProducts()
	path = strings.TrimSpace(path)
	if path == "" {
		return New(products)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(products)
		}
		return nil, fmt.Errorf("read catalog file: %w", err)
	}

	var file fileCatalog
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse catalog yaml: %w", err)
	}

	byCode := make(map[string]int, len(products))
	for i, product := range products {
		byCode[product.Code] = i
	}
	for _, override := range file.Products {
		override.Code = normalizeCode(override.Code)
		if idx, ok := byCode[override.Code]; ok {
			products[idx] = override
			continue
		}
		byCode[override.Code] = len(products)
		products = append(products, override)
	}

	return New(products)
}

func (c *Catalog) Get(code string) (Product, bool) {
	if c == nil {
		return Product{}, false
	}
	product, ok := c.products[normalizeCode(code)]
	return product, ok
}

func (c *Catalog) All() []Product {
	out := make([]Product, 0, len(c.products))
	for _, product := range c.products {
		out = append(out, product)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
