package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/models"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/util"
)

// Holding is one row of the account balance (kt00018).
type Holding struct {
	Symbol     string
	Name       string
	BuyPrice   int
	Qty        int
	ProfitRate float64
}

// Balance is the account summary plus holdings.
type Balance struct {
	TotalPurchase int
	TotalEval     int
	TotalProfit   int
	ProfitRate    float64
	Deposit       int
	Holdings      []Holding
}

// StockInfo is the ka10001 snapshot the pipeline needs.
type StockInfo struct {
	Symbol        string
	Name          string
	CurrentPrice  int
	OpenPrice     int
	BasePrice     int
	ExpectedPrice int
}

// Quote carries the aggregate order-book pressure totals (ka10004).
type Quote struct {
	SellTotal int
	BuyTotal  int
}

// Balance fetches the account evaluation and holdings.
func (c *Client) Balance(ctx context.Context) (*Balance, error) {
	res, err := c.call(ctx, "kt00018", map[string]string{
		"acnt_no":      c.accountNo,
		"qry_tp":       "1",
		"dmst_stex_tp": "KRX",
	}, "", "")
	if err != nil {
		return nil, err
	}

	var parsed struct {
		TotPurAmt      string `json:"tot_pur_amt"`
		TotEvltAmt     string `json:"tot_evlt_amt"`
		TotEvltPl      string `json:"tot_evlt_pl"`
		TotPrftRt      string `json:"tot_prft_rt"`
		PrsmDpstAmt    string `json:"prsm_dpst_aset_amt"`
		Holdings       []struct {
			StkCd   string `json:"stk_cd"`
			StkNm   string `json:"stk_nm"`
			PurPric string `json:"pur_pric"`
			RmndQty string `json:"rmnd_qty"`
			PrftRt  string `json:"prft_rt"`
		} `json:"acnt_evlt_remn_indv_tot"`
	}
	if err := json.Unmarshal(res.body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode balance: %w", err)
	}

	bal := &Balance{
		TotalPurchase: util.ParseInt(parsed.TotPurAmt),
		TotalEval:     util.ParseInt(parsed.TotEvltAmt),
		TotalProfit:   util.ParseInt(parsed.TotEvltPl),
		ProfitRate:    util.ParseFloat(parsed.TotPrftRt),
		Deposit:       util.ParseInt(parsed.PrsmDpstAmt),
	}
	for _, h := range parsed.Holdings {
		qty := util.ParseInt(h.RmndQty)
		if qty <= 0 {
			continue
		}
		bal.Holdings = append(bal.Holdings, Holding{
			Symbol:     util.StripSymbolPrefix(h.StkCd),
			Name:       h.StkNm,
			BuyPrice:   util.ParseAbsInt(h.PurPric),
			Qty:        qty,
			ProfitRate: util.ParseFloat(h.PrftRt),
		})
	}
	return bal, nil
}

// Deposit fetches the orderable cash amount (kt00001).
func (c *Client) Deposit(ctx context.Context) (int, error) {
	res, err := c.call(ctx, "kt00001", map[string]string{
		"acnt_no": c.accountNo,
		"qry_tp":  "2",
	}, "", "")
	if err != nil {
		return 0, err
	}
	var parsed struct {
		MnyOrdAbleAmt string `json:"mny_ord_able_amt"`
		OrdPsblAmt    string `json:"ord_psbl_amt"`
		Entr          string `json:"entr"`
	}
	if err := json.Unmarshal(res.body, &parsed); err != nil {
		return 0, fmt.Errorf("failed to decode deposit: %w", err)
	}
	return util.ParseInt(util.FirstNonEmpty(parsed.MnyOrdAbleAmt, parsed.OrdPsblAmt, parsed.Entr)), nil
}

// StockInfo fetches current price and basics for one symbol (ka10001).
func (c *Client) StockInfo(ctx context.Context, symbol string) (*StockInfo, error) {
	res, err := c.call(ctx, "ka10001", map[string]string{"stk_cd": symbol}, "", "")
	if err != nil {
		return nil, err
	}
	var parsed struct {
		StkCd       string `json:"stk_cd"`
		StkNm       string `json:"stk_nm"`
		CurPrc      string `json:"cur_prc"`
		StdPrc      string `json:"std_prc"`
		BfClsPrc    string `json:"bf_cls_prc"`
		OpenPric    string `json:"open_pric"`
		OpenPrc     string `json:"open_prc"`
		ExpCntrPric string `json:"exp_cntr_pric"`
		ExpCntrPrc  string `json:"exp_cntr_prc"`
	}
	if err := json.Unmarshal(res.body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode stock info for %s: %w", symbol, err)
	}
	return &StockInfo{
		Symbol:        util.StripSymbolPrefix(util.FirstNonEmpty(parsed.StkCd, symbol)),
		Name:          parsed.StkNm,
		CurrentPrice:  util.ParseAbsInt(parsed.CurPrc),
		OpenPrice:     util.ParseAbsInt(util.FirstNonEmpty(parsed.OpenPric, parsed.OpenPrc)),
		BasePrice:     util.ParseAbsInt(util.FirstNonEmpty(parsed.StdPrc, parsed.BfClsPrc)),
		ExpectedPrice: util.ParseAbsInt(util.FirstNonEmpty(parsed.ExpCntrPric, parsed.ExpCntrPrc)),
	}, nil
}

// Quote fetches the order-book pressure totals (ka10004). Field names
// differ across server generations, hence the first-non-empty chains.
func (c *Client) Quote(ctx context.Context, symbol string) (*Quote, error) {
	res, err := c.call(ctx, "ka10004", map[string]string{"stk_cd": symbol}, "", "")
	if err != nil {
		return nil, err
	}
	var parsed struct {
		TotSelReq          string `json:"tot_sel_req"`
		TotSelPrOrdRemnQty string `json:"tot_sel_pr_ord_remn_qty"`
		TotSellRemn        string `json:"tot_sell_remn"`
		TotalSellRemnQty   string `json:"total_sell_remn_qty"`
		TotBuyReq          string `json:"tot_buy_req"`
		TotBuyPrOrdRemnQty string `json:"tot_buy_pr_ord_remn_qty"`
		TotBuyRemn         string `json:"tot_buy_remn"`
		TotalBuyRemnQty    string `json:"total_buy_remn_qty"`
	}
	if err := json.Unmarshal(res.body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode quote for %s: %w", symbol, err)
	}
	return &Quote{
		SellTotal: util.ParseAbsInt(util.FirstNonEmpty(
			parsed.TotSelReq, parsed.TotSelPrOrdRemnQty, parsed.TotSellRemn, parsed.TotalSellRemnQty)),
		BuyTotal: util.ParseAbsInt(util.FirstNonEmpty(
			parsed.TotBuyReq, parsed.TotBuyPrOrdRemnQty, parsed.TotBuyRemn, parsed.TotalBuyRemnQty)),
	}, nil
}

type chartRow struct {
	CntrTm   string `json:"cntr_tm"`
	CheTm    string `json:"che_tm"`
	CurPrc   string `json:"cur_prc"`
	OpenPric string `json:"open_pric"`
	OpenPrc  string `json:"open_prc"`
	HighPric string `json:"high_pric"`
	HighPrc  string `json:"high_prc"`
	LowPric  string `json:"low_pric"`
	LowPrc   string `json:"low_prc"`
	TrdeQty  string `json:"trde_qty"`
}

func (r chartRow) toCandle() models.Candle {
	return models.Candle{
		Time:   util.FirstNonEmpty(r.CntrTm, r.CheTm),
		Open:   util.ParseAbsInt(util.FirstNonEmpty(r.OpenPric, r.OpenPrc)),
		High:   util.ParseAbsInt(util.FirstNonEmpty(r.HighPric, r.HighPrc)),
		Low:    util.ParseAbsInt(util.FirstNonEmpty(r.LowPric, r.LowPrc)),
		Close:  util.ParseAbsInt(r.CurPrc),
		Volume: util.ParseAbsInt(r.TrdeQty),
	}
}

// MinuteChart fetches minute candles (ka10080), newest first, following
// the cont-yn/next-key pagination headers up to the configured page cap
// with a 300ms pause between pages.
func (c *Client) MinuteChart(ctx context.Context, symbol, tickScope string) ([]models.Candle, error) {
	var candles []models.Candle
	contYn, nextKey := "", ""

	for page := 0; page < c.chartMaxPages; page++ {
		res, err := c.call(ctx, "ka10080", map[string]string{
			"stk_cd":       symbol,
			"tic_scope":    tickScope,
			"upd_stkpc_tp": "1",
		}, contYn, nextKey)
		if err != nil {
			if len(candles) > 0 {
				c.logger.Printf("chart pagination for %s stopped at page %d: %v", symbol, page, err)
				return candles, nil
			}
			return nil, err
		}

		var parsed struct {
			Rows    []chartRow `json:"stk_min_pole_chart_qry"`
			Output2 []chartRow `json:"output2"`
		}
		if err := json.Unmarshal(res.body, &parsed); err != nil {
			return nil, fmt.Errorf("failed to decode chart for %s: %w", symbol, err)
		}
		rows := parsed.Rows
		if len(rows) == 0 {
			rows = parsed.Output2
		}
		for _, row := range rows {
			candles = append(candles, row.toCandle())
		}

		if res.contYn != "Y" || res.nextKey == "" {
			break
		}
		contYn, nextKey = "Y", res.nextKey
		if !sleepCtx(ctx, 300*time.Millisecond) {
			return candles, ctx.Err()
		}
	}
	return candles, nil
}

// DailyChart fetches daily candles (ka10081), newest first. Index codes
// (001 KOSPI, 101 KOSDAQ) work the same as stock codes here.
func (c *Client) DailyChart(ctx context.Context, symbol string, count int) ([]models.Candle, error) {
	res, err := c.call(ctx, "ka10081", map[string]string{
		"stk_cd":       symbol,
		"base_dt":      time.Now().Format("20060102"),
		"upd_stkpc_tp": "1",
	}, "", "")
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Rows    []dailyRow `json:"stk_dt_pole_chart_qry"`
		Output2 []dailyRow `json:"output2"`
	}
	if err := json.Unmarshal(res.body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode daily chart for %s: %w", symbol, err)
	}
	rows := parsed.Rows
	if len(rows) == 0 {
		rows = parsed.Output2
	}
	if count > 0 && len(rows) > count {
		rows = rows[:count]
	}
	candles := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		candles = append(candles, models.Candle{
			Time:   row.Dt,
			Open:   util.ParseAbsInt(util.FirstNonEmpty(row.OpenPric, row.OpenPrc)),
			High:   util.ParseAbsInt(row.HighPric),
			Low:    util.ParseAbsInt(row.LowPric),
			Close:  util.ParseAbsInt(row.CurPrc),
			Volume: util.ParseAbsInt(row.TrdeQty),
		})
	}
	return candles, nil
}

type dailyRow struct {
	Dt       string `json:"dt"`
	CurPrc   string `json:"cur_prc"`
	OpenPric string `json:"open_pric"`
	OpenPrc  string `json:"open_prc"`
	HighPric string `json:"high_pric"`
	LowPric  string `json:"low_pric"`
	TrdeQty  string `json:"trde_qty"`
}

// DailyProfit fetches today's realized P&L (ka10074). The second return
// is false when the server reports nothing for the day.
func (c *Client) DailyProfit(ctx context.Context) (int, bool, error) {
	today := time.Now().Format("20060102")
	res, err := c.call(ctx, "ka10074", map[string]string{
		"strt_dt": today,
		"end_dt":  today,
		"stk_cd":  "",
	}, "", "")
	if err != nil {
		return 0, false, err
	}
	var parsed struct {
		RlztPl string `json:"rlzt_pl"`
		Rows   []struct {
			TdySelPl string `json:"tdy_sel_pl"`
		} `json:"dt_rlzt_pl"`
	}
	if err := json.Unmarshal(res.body, &parsed); err != nil {
		return 0, false, fmt.Errorf("failed to decode daily profit: %w", err)
	}
	if parsed.RlztPl != "" {
		return util.ParseInt(parsed.RlztPl), true, nil
	}
	if len(parsed.Rows) > 0 && parsed.Rows[0].TdySelPl != "" {
		return util.ParseInt(parsed.Rows[0].TdySelPl), true, nil
	}
	return 0, false, nil
}

type orderResponse struct {
	OrdNo      string `json:"ord_no"`
	ReturnCode int    `json:"return_code"`
	ReturnMsg  string `json:"return_msg"`
}

func (c *Client) submitOrder(ctx context.Context, trID, symbol string, qty, price int) (string, error) {
	tradeType := "3" // market
	if price > 0 {
		tradeType = "0" // limit
	}
	res, err := c.call(ctx, trID, map[string]string{
		"acnt_no":      c.accountNo,
		"dmst_stex_tp": "KRX",
		"stk_cd":       symbol,
		"ord_qty":      fmt.Sprintf("%d", qty),
		"ord_uv":       fmt.Sprintf("%d", price),
		"trde_tp":      "0" + tradeType,
		"cond_uv":      "",
	}, "", "")
	if err != nil {
		return "", err
	}
	var parsed orderResponse
	if err := json.Unmarshal(res.body, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode order response for %s: %w", symbol, err)
	}
	if parsed.OrdNo == "" {
		return "", fmt.Errorf("order for %s rejected: %s", symbol, parsed.ReturnMsg)
	}
	return parsed.OrdNo, nil
}

// Buy submits a buy order (kt10000). price 0 means market.
func (c *Client) Buy(ctx context.Context, symbol string, qty, price int) (string, error) {
	return c.submitOrder(ctx, "kt10000", symbol, qty, price)
}

// Sell submits a sell order (kt10001). price 0 means market.
func (c *Client) Sell(ctx context.Context, symbol string, qty, price int) (string, error) {
	return c.submitOrder(ctx, "kt10001", symbol, qty, price)
}

// Cancel cancels an unfilled order (kt10003). trde_tp 03 cancels a buy,
// 04 cancels a sell.
func (c *Client) Cancel(ctx context.Context, symbol string, qty int, orderID string, isBuy bool) error {
	tradeType := "04"
	if isBuy {
		tradeType = "03"
	}
	res, err := c.call(ctx, "kt10003", map[string]string{
		"acnt_no":      c.accountNo,
		"dmst_stex_tp": "KRX",
		"stk_cd":       symbol,
		"ord_qty":      fmt.Sprintf("%d", qty),
		"ord_uv":       "0",
		"trde_tp":      tradeType,
		"orgn_ord_no":  orderID,
	}, "", "")
	if err != nil {
		return err
	}
	var parsed orderResponse
	if err := json.Unmarshal(res.body, &parsed); err != nil {
		return fmt.Errorf("failed to decode cancel response for %s: %w", symbol, err)
	}
	if parsed.OrdNo == "" && parsed.ReturnCode != 0 {
		return fmt.Errorf("cancel for %s rejected: %s", symbol, parsed.ReturnMsg)
	}
	return nil
}
