package reconciler

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

const maxSummaryLen = 2000

// price accepts 12.5, "12.50" or "$1,234.00"
type price float64

func (p *price) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*p = price(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	if s == "" {
		*p = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*p = price(n)
	return nil
}

type agentResult struct {
	Success     *bool  `json:"success"`
	Summary     string `json:"summary"`
	OrderNumber string `json:"orderNumber"`
	TotalPrice  price  `json:"totalPrice"`
	Site        string `json:"site"`
	ProductURL  string `json:"productUrl"`
}

// parseResult normalizes an agent's final output. A JSON object anywhere
// in the output is used when present; otherwise the text becomes the summary.
func parseResult(output string, reported *bool) *models.ResultSummary {
	summary := &models.ResultSummary{Success: reported == nil || *reported}

	if start, end := strings.Index(output, "{"), strings.LastIndex(output, "}"); start >= 0 && end > start {
		var r agentResult
		if err := json.Unmarshal([]byte(output[start:end+1]), &r); err == nil {
			if r.Success != nil {
				summary.Success = *r.Success
			}
			summary.Summary = r.Summary
			summary.OrderNumber = r.OrderNumber
			summary.TotalPrice = float64(r.TotalPrice)
			summary.Site = r.Site
			summary.ProductURL = r.ProductURL
			if summary.Summary == "" {
				summary.Summary = truncate(strings.TrimSpace(output[:start]))
			}
			return summary
		}
	}

	summary.Summary = truncate(strings.TrimSpace(output))
	return summary
}

func truncate(s string) string {
	if len(s) <= maxSummaryLen {
		return s
	}
	cut := maxSummaryLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
