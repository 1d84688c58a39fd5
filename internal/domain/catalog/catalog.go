package catalog

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/companionchat/chat-api/internal/domain/ledger"
	"github.com/companionchat/chat-api/internal/pkg/validator"
)

//go:embed default_catalog.json
var defaultCatalog []byte

const (
	FeatureAIPhoto            = "ai_photo"
	FeatureAIVideo            = "ai_video"
	FeatureCharacterUnlock    = "character_unlock_ticket"
	FeaturePermanentUnlock    = "character_unlock_permanent"
	PotionMemoryBoost         = "memory_boost"
	PotionBrainBoost          = "brain_boost"
	PackageStatusActive       = "active"
	PackageStatusDiscontinued = "discontinued"
)

var (
	ErrInvalidCatalog  = errors.New("invalid catalog")
	ErrUnknownPackage  = errors.New("unknown coin package")
	ErrUnknownSKU      = errors.New("unknown asset package")
	ErrPackageInactive = errors.New("asset package is not for sale")
	ErrUnknownGift     = errors.New("unknown gift")
	ErrUnknownFeature  = errors.New("unknown unlock feature")
	ErrUnknownPotion   = errors.New("unknown potion")
)

// CoinPackage is a fiat purchase that credits TotalCoins.
type CoinPackage struct {
	ID         string          `json:"id" validate:"required"`
	Name       string          `json:"name" validate:"required"`
	Coins      int64           `json:"coins" validate:"gt=0"`
	Bonus      int64           `json:"bonus" validate:"gte=0"`
	TotalCoins int64           `json:"total_coins" validate:"gt=0"`
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency" validate:"required,len=3"`
	Order      int             `json:"order"`
	Popular    bool            `json:"popular,omitempty"`
}

// AssetPackage sells Quantity cards of one asset type for coins.
type AssetPackage struct {
	SKU       string           `json:"sku" validate:"required"`
	Name      string           `json:"name" validate:"required"`
	AssetType ledger.AssetType `json:"asset_type" validate:"required"`
	Quantity  int64            `json:"quantity" validate:"gt=0"`
	CoinPrice int64            `json:"coin_price" validate:"gt=0"`
	Status    string           `json:"status" validate:"oneof=active discontinued"`
	Order     int              `json:"order"`
}

type Gift struct {
	ID        string `json:"id" validate:"required"`
	Name      string `json:"name" validate:"required"`
	CoinPrice int64  `json:"coin_price" validate:"gt=0"`
	Rarity    string `json:"rarity" validate:"oneof=common uncommon rare epic legendary"`
}

// UnlockFeature is a coin-priced feature. When AssetType is set, one card of
// that type can be spent instead of coins.
type UnlockFeature struct {
	ID           string           `json:"id" validate:"required"`
	Name         string           `json:"name" validate:"required"`
	CoinPrice    int64            `json:"coin_price" validate:"gt=0"`
	AssetType    ledger.AssetType `json:"asset_type,omitempty"`
	DurationDays int              `json:"duration_days,omitempty"`
}

// Potion is bought into inventory and later used on one character, where its
// effect lasts DurationDays.
type Potion struct {
	ID           string           `json:"id" validate:"required"`
	Name         string           `json:"name" validate:"required"`
	AssetType    ledger.AssetType `json:"asset_type" validate:"required"`
	CoinPrice    int64            `json:"coin_price" validate:"gt=0"`
	DurationDays int              `json:"duration_days" validate:"gt=0"`
}

// Catalog is loaded and validated once at startup and read-only afterwards.
type Catalog struct {
	CoinPackages   []CoinPackage   `json:"coin_packages" validate:"required,min=1,dive"`
	AssetPackages  []AssetPackage  `json:"asset_packages" validate:"dive"`
	Gifts          []Gift          `json:"gifts" validate:"dive"`
	UnlockFeatures []UnlockFeature `json:"unlock_features" validate:"dive"`
	Potions        []Potion        `json:"potions" validate:"dive"`

	coinPackages  map[string]CoinPackage
	assetPackages map[string]AssetPackage
	gifts         map[string]Gift
	features      map[string]UnlockFeature
	potions       map[string]Potion
}

// Load reads the catalog at path, or the built-in default when path is empty.
func Load(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	c.index()
	return &c, nil
}

func (c *Catalog) validate() error {
	if err := validator.ValidateStruct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	seen := map[string]bool{}
	unique := func(kind, id string) error {
		if seen[kind+":"+id] {
			return fmt.Errorf("%w: duplicate %s %q", ErrInvalidCatalog, kind, id)
		}
		seen[kind+":"+id] = true
		return nil
	}

	for _, p := range c.CoinPackages {
		if err := unique("coin package", p.ID); err != nil {
			return err
		}
		if p.TotalCoins != p.Coins+p.Bonus {
			return fmt.Errorf("%w: coin package %q total %d != coins %d + bonus %d",
				ErrInvalidCatalog, p.ID, p.TotalCoins, p.Coins, p.Bonus)
		}
		if !p.Price.IsPositive() {
			return fmt.Errorf("%w: coin package %q price must be positive", ErrInvalidCatalog, p.ID)
		}
	}
	for _, p := range c.AssetPackages {
		if err := unique("asset package", p.SKU); err != nil {
			return err
		}
		if !p.AssetType.Valid() {
			return fmt.Errorf("%w: asset package %q has unknown asset type %q", ErrInvalidCatalog, p.SKU, p.AssetType)
		}
	}
	for _, g := range c.Gifts {
		if err := unique("gift", g.ID); err != nil {
			return err
		}
	}
	for _, f := range c.UnlockFeatures {
		if err := unique("feature", f.ID); err != nil {
			return err
		}
		if f.AssetType != "" && !f.AssetType.Valid() {
			return fmt.Errorf("%w: feature %q has unknown asset type %q", ErrInvalidCatalog, f.ID, f.AssetType)
		}
	}
	for _, p := range c.Potions {
		if err := unique("potion", p.ID); err != nil {
			return err
		}
		if !p.AssetType.Valid() {
			return fmt.Errorf("%w: potion %q has unknown asset type %q", ErrInvalidCatalog, p.ID, p.AssetType)
		}
	}
	return nil
}

func (c *Catalog) index() {
	sort.SliceStable(c.CoinPackages, func(i, j int) bool { return c.CoinPackages[i].Order < c.CoinPackages[j].Order })
	sort.SliceStable(c.AssetPackages, func(i, j int) bool { return c.AssetPackages[i].Order < c.AssetPackages[j].Order })

	c.coinPackages = make(map[string]CoinPackage, len(c.CoinPackages))
	for _, p := range c.CoinPackages {
		c.coinPackages[p.ID] = p
	}
	c.assetPackages = make(map[string]AssetPackage, len(c.AssetPackages))
	for _, p := range c.AssetPackages {
		c.assetPackages[p.SKU] = p
	}
	c.gifts = make(map[string]Gift, len(c.Gifts))
	for _, g := range c.Gifts {
		c.gifts[g.ID] = g
	}
	c.features = make(map[string]UnlockFeature, len(c.UnlockFeatures))
	for _, f := range c.UnlockFeatures {
		c.features[f.ID] = f
	}
	c.potions = make(map[string]Potion, len(c.Potions))
	for _, p := range c.Potions {
		c.potions[p.ID] = p
	}
}

func (c *Catalog) CoinPackage(id string) (CoinPackage, error) {
	p, ok := c.coinPackages[id]
	if !ok {
		return CoinPackage{}, fmt.Errorf("%w: %s", ErrUnknownPackage, id)
	}
	return p, nil
}

// AssetPackage returns a package that is currently for sale.
func (c *Catalog) AssetPackage(sku string) (AssetPackage, error) {
	p, ok := c.assetPackages[sku]
	if !ok {
		return AssetPackage{}, fmt.Errorf("%w: %s", ErrUnknownSKU, sku)
	}
	if p.Status != PackageStatusActive {
		return AssetPackage{}, fmt.Errorf("%w: %s", ErrPackageInactive, sku)
	}
	return p, nil
}

func (c *Catalog) Gift(id string) (Gift, error) {
	g, ok := c.gifts[id]
	if !ok {
		return Gift{}, fmt.Errorf("%w: %s", ErrUnknownGift, id)
	}
	return g, nil
}

func (c *Catalog) Feature(id string) (UnlockFeature, error) {
	f, ok := c.features[id]
	if !ok {
		return UnlockFeature{}, fmt.Errorf("%w: %s", ErrUnknownFeature, id)
	}
	return f, nil
}

func (c *Catalog) Potion(id string) (Potion, error) {
	p, ok := c.potions[id]
	if !ok {
		return Potion{}, fmt.Errorf("%w: %s", ErrUnknownPotion, id)
	}
	return p, nil
}

// ActiveAssetPackages returns the packages currently for sale, in display order.
func (c *Catalog) ActiveAssetPackages() []AssetPackage {
	active := make([]AssetPackage, 0, len(c.AssetPackages))
	for _, p := range c.AssetPackages {
		if p.Status == PackageStatusActive {
			active = append(active, p)
		}
	}
	return active
}
