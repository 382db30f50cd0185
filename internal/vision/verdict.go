// Package vision asks a multimodal model whether a chart setup is worth
// entering and where the stop belongs.
package vision

import (
	"encoding/json"
	"strings"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/util"
)

// Verdict is the model's answer to an entry or hold question.
type Verdict struct {
	Decision      string        `json:"decision"`
	Reason        string        `json:"reason"`
	StopLossPrice FlexiblePrice `json:"stop_loss_price"`
}

// Approved reports whether the model said yes.
func (v *Verdict) Approved() bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(v.Decision)), "YES")
}

// FlexiblePrice decodes a price the model returns as a number, a quoted
// number, or a formatted string like "70,500원". Unparseable values
// decode to zero.
type FlexiblePrice int

func (p *FlexiblePrice) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*p = FlexiblePrice(int(n))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		s = strings.TrimSuffix(strings.TrimSpace(s), "원")
		*p = FlexiblePrice(util.ParseAbsInt(s))
		return nil
	}
	*p = 0
	return nil
}

// parseVerdict extracts a Verdict from raw model text. Preferred shape
// is a JSON object, possibly inside a markdown fence; the legacy
// "YES, reason" prefix form is accepted as a fallback.
func parseVerdict(text string) *Verdict {
	cleaned := strings.TrimSpace(text)
	if start := strings.Index(cleaned, "{"); start >= 0 {
		if end := strings.LastIndex(cleaned, "}"); end > start {
			var v Verdict
			if err := json.Unmarshal([]byte(cleaned[start:end+1]), &v); err == nil && v.Decision != "" {
				return &v
			}
		}
	}

	upper := strings.ToUpper(cleaned)
	v := &Verdict{Decision: "NO", Reason: cleaned}
	if strings.HasPrefix(upper, "YES") {
		v.Decision = "YES"
	}
	return v
}
