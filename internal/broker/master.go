package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/market"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/storage"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/util"
)

const (
	masterStocksKey     = "master_stocks"
	masterStocksDateKey = "master_stocks_date"

	marketKOSPI  = "0"
	marketKOSDAQ = "10"
)

// MasterEntry is one listed stock: its name and the market it trades on
// ("0" KOSPI, "10" KOSDAQ).
type MasterEntry struct {
	Name   string `json:"name"`
	Market string `json:"market"`
}

// MasterBook maps stock codes to their listing for KOSPI and KOSDAQ. The
// book is loaded from the store on startup and refreshed from the broker
// once per day, so lookups never need a network round trip.
type MasterBook struct {
	client *Client
	store  storage.Interface
	logger *log.Logger

	mu      sync.RWMutex
	entries map[string]MasterEntry
}

// NewMasterBook creates a book pre-loaded from the store when a cached
// listing exists.
func NewMasterBook(client *Client, store storage.Interface, logger *log.Logger) *MasterBook {
	if logger == nil {
		logger = log.Default()
	}
	b := &MasterBook{
		client:  client,
		store:   store,
		logger:  logger,
		entries: map[string]MasterEntry{},
	}
	var cached map[string]MasterEntry
	if found, err := store.GetKV(masterStocksKey, &cached); err == nil && found {
		b.entries = cached
		logger.Printf("loaded %d master stock listings from store", len(cached))
	}
	return b
}

// Name returns the listed name for a code, or the code itself when the
// book has no entry.
func (b *MasterBook) Name(code string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if e, ok := b.entries[code]; ok && e.Name != "" {
		return e.Name
	}
	return code
}

// IndexCode returns the chart index code for the market a stock trades
// on. Unknown codes default to the KOSPI index.
func (b *MasterBook) IndexCode(code string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if e, ok := b.entries[code]; ok && e.Market == marketKOSDAQ {
		return market.IndexKOSDAQ
	}
	return market.IndexKOSPI
}

// Size returns the number of codes in the book.
func (b *MasterBook) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Refresh downloads the KOSPI and KOSDAQ listings and persists the merged
// book. A listing already fetched today is kept as is.
func (b *MasterBook) Refresh(ctx context.Context) error {
	today := time.Now().Format("20060102")
	var lastDate string
	if found, err := b.store.GetKV(masterStocksDateKey, &lastDate); err == nil && found && lastDate == today && b.Size() > 0 {
		return nil
	}

	merged := map[string]MasterEntry{}
	for _, mkt := range []string{marketKOSPI, marketKOSDAQ} {
		listing, err := b.client.listCodes(ctx, mkt)
		if err != nil {
			return fmt.Errorf("failed to fetch market %s listing: %w", mkt, err)
		}
		for code, name := range listing {
			merged[code] = MasterEntry{Name: name, Market: mkt}
		}
	}
	if len(merged) == 0 {
		return fmt.Errorf("master listing came back empty")
	}

	b.mu.Lock()
	b.entries = merged
	b.mu.Unlock()

	if err := b.store.SetKV(masterStocksKey, merged); err != nil {
		return fmt.Errorf("failed to persist master listing: %w", err)
	}
	if err := b.store.SetKV(masterStocksDateKey, today); err != nil {
		b.logger.Printf("warning: failed to persist master listing date: %v", err)
	}
	b.logger.Printf("master listing refreshed, %d stocks", len(merged))
	return nil
}

// listCodes pulls the full code/name listing for one market (ka10099),
// following pagination.
func (c *Client) listCodes(ctx context.Context, marketType string) (map[string]string, error) {
	out := map[string]string{}
	contYn, nextKey := "", ""
	for page := 0; page < 50; page++ {
		res, err := c.call(ctx, "ka10099", map[string]string{"mrkt_tp": marketType}, contYn, nextKey)
		if err != nil {
			return nil, err
		}
		var parsed struct {
			List []struct {
				Code  string `json:"code"`
				StkCd string `json:"stk_cd"`
				Name  string `json:"name"`
				StkNm string `json:"stk_nm"`
			} `json:"list"`
		}
		if err := json.Unmarshal(res.body, &parsed); err != nil {
			return nil, fmt.Errorf("failed to decode listing: %w", err)
		}
		for _, row := range parsed.List {
			code := util.StripSymbolPrefix(util.FirstNonEmpty(row.Code, row.StkCd))
			name := util.FirstNonEmpty(row.Name, row.StkNm)
			if code != "" {
				out[code] = name
			}
		}
		if res.contYn != "Y" || res.nextKey == "" {
			break
		}
		contYn, nextKey = "Y", res.nextKey
	}
	return out, nil
}
