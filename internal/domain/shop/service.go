package shop

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/companionchat/chat-api/internal/domain/catalog"
	"github.com/companionchat/chat-api/internal/domain/ledger"
	"github.com/companionchat/chat-api/internal/domain/mutation"
)

// MaxClientKeyLength leaves room for the scope prefix within the ledger's
// idempotency key limit.
const MaxClientKeyLength = 128

// Bundle limits per request.
const (
	MaxBundleItems    = 20
	MaxBundleQuantity = 100
)

const (
	scopeCoinPackage  = "coins"
	scopeAssetPackage = "asset"
	scopeBundle       = "bundle"
	scopeGift         = "gift"
	scopeUnlock       = "unlock"
	scopePhotoUnlock  = "photo"
	scopeVideoUnlock  = "video"
	scopePotion       = "potion"
	scopePotionUse    = "potion-use"
)

var (
	ErrInvalidClientKey = fmt.Errorf("%w: client idempotency key must be 1-%d printable characters",
		ledger.ErrInvalidDescriptor, MaxClientKeyLength)
	ErrInvalidBundle = fmt.Errorf("%w: invalid bundle", ledger.ErrInvalidDescriptor)
)

// Mutator applies a descriptor at most once per idempotency key.
type Mutator interface {
	Execute(ctx context.Context, d ledger.Descriptor) (mutation.Outcome, error)
}

// Service turns catalog purchases and unlocks into ledger mutations.
type Service struct {
	mutations Mutator
	catalog   *catalog.Catalog
}

func NewService(mutations Mutator, c *catalog.Catalog) *Service {
	return &Service{mutations: mutations, catalog: c}
}

// ScopedKey namespaces a client key per operation and user so that keys from
// different users or endpoints never collide.
func ScopedKey(scope string, userID uuid.UUID, clientKey string) string {
	return scope + ":" + userID.String() + ":" + clientKey
}

func validClientKey(key string) bool {
	if key == "" || len(key) > MaxClientKeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] > '~' {
			return false
		}
	}
	return true
}

// Listing is the public view of the catalog.
type Listing struct {
	CoinPackages   []catalog.CoinPackage   `json:"coin_packages"`
	AssetPackages  []catalog.AssetPackage  `json:"asset_packages"`
	Gifts          []catalog.Gift          `json:"gifts"`
	UnlockFeatures []catalog.UnlockFeature `json:"unlock_features"`
	Potions        []catalog.Potion        `json:"potions"`
}

func (s *Service) ListCatalog() Listing {
	return Listing{
		CoinPackages:   s.catalog.CoinPackages,
		AssetPackages:  s.catalog.ActiveAssetPackages(),
		Gifts:          s.catalog.Gifts,
		UnlockFeatures: s.catalog.UnlockFeatures,
		Potions:        s.catalog.Potions,
	}
}

// PurchaseCoinPackage credits the package's total coins. Payment is assumed
// to be confirmed by the caller.
func (s *Service) PurchaseCoinPackage(ctx context.Context, userID uuid.UUID, packageID, clientKey string) (mutation.Outcome, error) {
	if !validClientKey(clientKey) {
		return mutation.Outcome{}, ErrInvalidClientKey
	}
	pkg, err := s.catalog.CoinPackage(packageID)
	if err != nil {
		return mutation.Outcome{}, err
	}

	return s.mutations.Execute(ctx, ledger.Descriptor{
		TargetUserID:   userID,
		OperationKind:  ledger.OperationCredit,
		Amount:         pkg.TotalCoins,
		IdempotencyKey: ScopedKey(scopeCoinPackage, userID, clientKey),
		Reason:         fmt.Sprintf("coin package %s (%s %s)", pkg.ID, pkg.Price.String(), pkg.Currency),
	})
}

// PurchaseAssetPackage debits the coin price and credits the cards in one
// transaction.
func (s *Service) PurchaseAssetPackage(ctx context.Context, userID uuid.UUID, sku, clientKey string) (mutation.Outcome, error) {
	if !validClientKey(clientKey) {
		return mutation.Outcome{}, ErrInvalidClientKey
	}
	pkg, err := s.catalog.AssetPackage(sku)
	if err != nil {
		return mutation.Outcome{}, err
	}

	return s.mutations.Execute(ctx, ledger.Descriptor{
		TargetUserID:   userID,
		OperationKind:  ledger.OperationDebit,
		Amount:         pkg.CoinPrice,
		IdempotencyKey: ScopedKey(scopeAssetPackage, userID, clientKey),
		Reason:         "asset package " + pkg.SKU,
		Linked: []ledger.Change{
			{OperationKind: ledger.OperationCredit, AssetType: pkg.AssetType, Amount: pkg.Quantity},
		},
	})
}

func (s *Service) SendGift(ctx context.Context, userID uuid.UUID, characterID, giftID, clientKey string) (mutation.Outcome, error) {
	if !validClientKey(clientKey) {
		return mutation.Outcome{}, ErrInvalidClientKey
	}
	gift, err := s.catalog.Gift(giftID)
	if err != nil {
		return mutation.Outcome{}, err
	}

	return s.mutations.Execute(ctx, ledger.Descriptor{
		TargetUserID:   userID,
		OperationKind:  ledger.OperationDebit,
		Amount:         gift.CoinPrice,
		IdempotencyKey: ScopedKey(scopeGift, userID, clientKey),
		Reason:         fmt.Sprintf("gift %s to character %s", gift.ID, characterID),
	})
}

// UnlockCharacter spends one character unlock card when useCard is set and
// the user holds one, otherwise the feature's coin price. The ledger picks
// the card or the coins under lock, so one client key pays exactly once.
// Retrying the key with a different useCard is rejected as key reuse.
func (s *Service) UnlockCharacter(ctx context.Context, userID uuid.UUID, characterID, clientKey string, useCard bool) (mutation.Outcome, error) {
	if !validClientKey(clientKey) {
		return mutation.Outcome{}, ErrInvalidClientKey
	}
	feature, err := s.catalog.Feature(catalog.FeatureCharacterUnlock)
	if err != nil {
		return mutation.Outcome{}, err
	}

	d := ledger.Descriptor{
		TargetUserID:   userID,
		OperationKind:  ledger.OperationDebit,
		Amount:         feature.CoinPrice,
		IdempotencyKey: ScopedKey(scopeUnlock, userID, clientKey),
		Reason:         "character unlock " + characterID,
	}
	if useCard && feature.AssetType != "" {
		d.OperationKind = ledger.OperationConsumeAsset
		d.AssetType = feature.AssetType
		d.Amount = 1
		d.Fallback = []ledger.Change{{OperationKind: ledger.OperationDebit, Amount: feature.CoinPrice}}
	}
	return s.mutations.Execute(ctx, d)
}

// BundleItem buys Quantity copies of one asset package.
type BundleItem struct {
	SKU      string `json:"sku" validate:"required"`
	Quantity int64  `json:"quantity" validate:"min=1,max=100"`
}

// PurchaseBundle debits the summed coin price of every item and credits all
// cards in one transaction.
func (s *Service) PurchaseBundle(ctx context.Context, userID uuid.UUID, items []BundleItem, clientKey string) (mutation.Outcome, error) {
	if !validClientKey(clientKey) {
		return mutation.Outcome{}, ErrInvalidClientKey
	}
	if len(items) == 0 || len(items) > MaxBundleItems {
		return mutation.Outcome{}, fmt.Errorf("%w: bundle needs 1-%d items", ErrInvalidBundle, MaxBundleItems)
	}

	var total int64
	credits := map[ledger.AssetType]int64{}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if item.Quantity < 1 || item.Quantity > MaxBundleQuantity {
			return mutation.Outcome{}, fmt.Errorf("%w: quantity of %s must be 1-%d", ErrInvalidBundle, item.SKU, MaxBundleQuantity)
		}
		pkg, err := s.catalog.AssetPackage(item.SKU)
		if err != nil {
			return mutation.Outcome{}, err
		}
		if total, err = addProduct(total, pkg.CoinPrice, item.Quantity); err != nil {
			return mutation.Outcome{}, err
		}
		if credits[pkg.AssetType], err = addProduct(credits[pkg.AssetType], pkg.Quantity, item.Quantity); err != nil {
			return mutation.Outcome{}, err
		}
		names = append(names, fmt.Sprintf("%s x%d", pkg.SKU, item.Quantity))
	}

	linked := make([]ledger.Change, 0, len(credits))
	for _, asset := range ledger.AssetTypes {
		if n := credits[asset]; n > 0 {
			linked = append(linked, ledger.Change{OperationKind: ledger.OperationCredit, AssetType: asset, Amount: n})
		}
	}

	return s.mutations.Execute(ctx, ledger.Descriptor{
		TargetUserID:   userID,
		OperationKind:  ledger.OperationDebit,
		Amount:         total,
		IdempotencyKey: ScopedKey(scopeBundle, userID, clientKey),
		Reason:         "asset bundle " + strings.Join(names, ", "),
		Linked:         linked,
	})
}

// addProduct returns sum + a*b, failing instead of wrapping around.
func addProduct(sum, a, b int64) (int64, error) {
	if a > (math.MaxInt64-sum)/b {
		return 0, fmt.Errorf("%w: bundle total", ledger.ErrAmountOverflow)
	}
	return sum + a*b, nil
}

// PurchasePotion debits the potion price and adds one to the inventory.
func (s *Service) PurchasePotion(ctx context.Context, userID uuid.UUID, potionID, clientKey string) (mutation.Outcome, error) {
	if !validClientKey(clientKey) {
		return mutation.Outcome{}, ErrInvalidClientKey
	}
	potion, err := s.catalog.Potion(potionID)
	if err != nil {
		return mutation.Outcome{}, err
	}

	return s.mutations.Execute(ctx, ledger.Descriptor{
		TargetUserID:   userID,
		OperationKind:  ledger.OperationDebit,
		Amount:         potion.CoinPrice,
		IdempotencyKey: ScopedKey(scopePotion+"-"+potion.ID, userID, clientKey),
		Reason:         "potion " + potion.ID,
		Linked: []ledger.Change{
			{OperationKind: ledger.OperationCredit, AssetType: potion.AssetType, Amount: 1},
		},
	})
}

// UsePotion spends one potion from the inventory on characterID.
func (s *Service) UsePotion(ctx context.Context, userID uuid.UUID, potionID, characterID, clientKey string) (mutation.Outcome, error) {
	if !validClientKey(clientKey) {
		return mutation.Outcome{}, ErrInvalidClientKey
	}
	potion, err := s.catalog.Potion(potionID)
	if err != nil {
		return mutation.Outcome{}, err
	}
	return s.consumeCard(ctx, userID, scopePotionUse+"-"+potion.ID, potion.AssetType,
		fmt.Sprintf("potion %s on character %s", potion.ID, characterID), clientKey)
}

// UsePhotoUnlock spends one photo unlock card on targetID.
func (s *Service) UsePhotoUnlock(ctx context.Context, userID uuid.UUID, targetID, clientKey string) (mutation.Outcome, error) {
	return s.consumeCard(ctx, userID, scopePhotoUnlock, ledger.AssetPhotoUnlockCards, "photo unlock "+targetID, clientKey)
}

// UseVideoUnlock spends one video unlock card on targetID.
func (s *Service) UseVideoUnlock(ctx context.Context, userID uuid.UUID, targetID, clientKey string) (mutation.Outcome, error) {
	return s.consumeCard(ctx, userID, scopeVideoUnlock, ledger.AssetVideoUnlockCards, "video unlock "+targetID, clientKey)
}

func (s *Service) consumeCard(ctx context.Context, userID uuid.UUID, scope string, asset ledger.AssetType, reason, clientKey string) (mutation.Outcome, error) {
	if !validClientKey(clientKey) {
		return mutation.Outcome{}, ErrInvalidClientKey
	}
	return s.mutations.Execute(ctx, ledger.Descriptor{
		TargetUserID:   userID,
		OperationKind:  ledger.OperationConsumeAsset,
		AssetType:      asset,
		Amount:         1,
		IdempotencyKey: ScopedKey(scope, userID, clientKey),
		Reason:         reason,
	})
}
