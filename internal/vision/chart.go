package vision

import (
	"fmt"
	"strings"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/models"
)

// RenderChartText serializes candles into the tabular form sent to the
// model, oldest first. Rasterized chart images are out of scope; the
// model reads the numbers directly.
func RenderChartText(name, symbol string, candles []models.Candle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s) 3-minute candles, oldest first:\n", name, symbol)
	b.WriteString("time,open,high,low,close,volume\n")
	for i := len(candles) - 1; i >= 0; i-- {
		c := candles[i]
		fmt.Fprintf(&b, "%s,%d,%d,%d,%d,%d\n", c.Time, c.Open, c.High, c.Low, c.Close, c.Volume)
	}
	return b.String()
}

// EntryPrompt is the question asked before buying.
const EntryPrompt = `당신은 한국 주식 시장의 전문 스캘퍼입니다.
제공된 3분봉 캔들 데이터를 보고 지금이 매수하기 좋은 타이밍인지 분석해주세요.

매수(YES) 핵심 기준:
1. 강력한 상승 추세 또는 지지선에서의 명확한 반등이 있는가?
2. 최근 양봉에서 거래량이 증가하고 있는가?
3. 현재가가 20봉 이동평균선 위에 있거나 지지를 받고 있는가?
4. 마지막 캔들에 긴 윗꼬리(매도 압력)가 없는가?

반드시 아래 JSON 형식으로만 답변하세요.
{"decision": "YES 또는 NO", "reason": "한국어 한 문장 요약", "stop_loss_price": 손절가격(숫자)}`

// OvernightPrompt is the end-of-day hold-or-sell question.
const OvernightPrompt = `당신은 한국 주식 시장의 전문 트레이더입니다.
장 마감이 임박했습니다. 제공된 3분봉 캔들 데이터를 보고 이 종목을
오버나잇(익일 보유)할 가치가 있는지 판단해주세요.

보유(YES) 핵심 기준:
1. 장 후반까지 상승 추세가 유지되고 있는가?
2. 종가 부근에서 매수세가 유입되고 있는가?
3. 급락 위험 신호(대량 매도 캔들, 추세 이탈)가 없는가?

반드시 아래 JSON 형식으로만 답변하세요.
{"decision": "YES 또는 NO", "reason": "한국어 한 문장 요약", "stop_loss_price": 손절가격(숫자)}`
