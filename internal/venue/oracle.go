package venue

import (
	"errors"
	"fmt"
	"sync"

	"HedgeVault/internal/ledger"
	fpmath "HedgeVault/internal/math"
)

var (
	ErrOracleInvalidPrice = errors.New("oracle price invalid")
	ErrPriceStale         = errors.New("oracle price stale")
)

// Oracle prices vault assets in base units, scaled by PriceScale. The base
// asset is always worth exactly PriceScale.
type Oracle interface {
	PriceOf(asset ledger.AssetID) (int64, error)
}

// Convert values amount of one asset in another at oracle prices.
func Convert(o Oracle, from, to ledger.AssetID, amount int64, mode fpmath.RoundingMode) (int64, error) {
	if from == to || amount == 0 {
		return amount, nil
	}
	fromPrice, err := o.PriceOf(from)
	if err != nil {
		return 0, err
	}
	toPrice, err := o.PriceOf(to)
	if err != nil {
		return 0, err
	}
	return fpmath.ConvertByPrice(amount, fromPrice, toPrice, mode), nil
}

// PriceUpdate is one observation from the price feed.
type PriceUpdate struct {
	Asset     ledger.AssetID
	Price     int64
	Sequence  int64 // monotonic per asset
	Timestamp int64 // epoch micros
}

type pricePoint struct {
	price     int64
	sequence  int64
	timestamp int64
}

// PriceCache keeps the latest price per asset. Gaps in the feed sequence
// are tolerated and counted; stale or repeated sequences are ignored.
type PriceCache struct {
	mu       sync.RWMutex
	prices   map[ledger.AssetID]pricePoint
	gaps     map[ledger.AssetID]int64
	maxAgeUs int64
	onGap    func(asset ledger.AssetID, expected, got int64)
}

// NewPriceCache creates a cache that rejects prices older than maxAgeUs
// relative to the reading command's timestamp. Zero disables the check.
func NewPriceCache(maxAgeUs int64) *PriceCache {
	return &PriceCache{
		prices:   make(map[ledger.AssetID]pricePoint),
		gaps:     make(map[ledger.AssetID]int64),
		maxAgeUs: maxAgeUs,
	}
}

// OnGap registers a hook invoked when the feed skips sequences.
func (c *PriceCache) OnGap(fn func(asset ledger.AssetID, expected, got int64)) {
	c.mu.Lock()
	c.onGap = fn
	c.mu.Unlock()
}

// Update applies a price observation. Returns false if the update was stale.
func (c *PriceCache) Update(u PriceUpdate) (bool, error) {
	if u.Price <= 0 {
		return false, fmt.Errorf("%w: asset %d price %d", ErrOracleInvalidPrice, u.Asset, u.Price)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	last, seen := c.prices[u.Asset]
	if seen && u.Sequence <= last.sequence {
		return false, nil
	}
	if seen && u.Sequence > last.sequence+1 {
		c.gaps[u.Asset]++
		if c.onGap != nil {
			c.onGap(u.Asset, last.sequence+1, u.Sequence)
		}
	}

	c.prices[u.Asset] = pricePoint{price: u.Price, sequence: u.Sequence, timestamp: u.Timestamp}
	return true, nil
}

// PriceAt returns the latest price, checking staleness against now.
func (c *PriceCache) PriceAt(asset ledger.AssetID, now int64) (int64, error) {
	if asset == ledger.AssetBase {
		return fpmath.PriceScale, nil
	}

	c.mu.RLock()
	p, ok := c.prices[asset]
	c.mu.RUnlock()

	if !ok || p.price <= 0 {
		return 0, fmt.Errorf("%w: no price for asset %d", ErrOracleInvalidPrice, asset)
	}
	if c.maxAgeUs > 0 && now-p.timestamp > c.maxAgeUs {
		return 0, fmt.Errorf("%w: asset %d age %dus exceeds %dus", ErrPriceStale, asset, now-p.timestamp, c.maxAgeUs)
	}
	return p.price, nil
}

// GapCount returns how many sequence gaps were observed for an asset.
func (c *PriceCache) GapCount(asset ledger.AssetID) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gaps[asset]
}

// LastSequence returns the latest accepted sequence for an asset.
func (c *PriceCache) LastSequence(asset ledger.AssetID) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prices[asset].sequence
}

// PriceSource is anything that can answer a price as of a timestamp.
type PriceSource interface {
	PriceAt(asset ledger.AssetID, now int64) (int64, error)
}

// Pinned is a per-command view of a price source. The first price read for
// an asset is reused for the rest of the command.
type Pinned struct {
	src    PriceSource
	now    int64
	pinned map[ledger.AssetID]int64
}

func Pin(src PriceSource, now int64) *Pinned {
	return &Pinned{src: src, now: now, pinned: make(map[ledger.AssetID]int64, 2)}
}

func (p *Pinned) PriceOf(asset ledger.AssetID) (int64, error) {
	if price, ok := p.pinned[asset]; ok {
		return price, nil
	}
	price, err := p.src.PriceAt(asset, p.now)
	if err != nil {
		return 0, err
	}
	p.pinned[asset] = price
	return price, nil
}

// Prices returns the prices pinned so far, keyed by asset name.
func (p *Pinned) Prices() map[string]int64 {
	out := make(map[string]int64, len(p.pinned))
	for id, price := range p.pinned {
		name, _ := ledger.GetAssetName(id)
		out[name] = price
	}
	return out
}
