package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// Shuffle permutes items in place with a Fisher-Yates pass. intn must
// return a uniform value in [0, n).
func Shuffle[T any](items []T, intn func(n int) int) {
	for i := len(items) - 1; i > 0; i-- {
		j := intn(i + 1)
		items[i], items[j] = items[j], items[i]
	}
}

// secret is a decrypted credential held only while a payload is built
type secret struct {
	ref    models.CredentialRef
	fields map[string]string
}

// resultFormat is the JSON shape the agent is asked to end with
const resultFormat = `{"success": true|false, "summary": "...", "orderNumber": "...", "totalPrice": 0.0, "site": "...", "productUrl": "..."}`

// buildInstruction renders the natural-language task for the agent. Cards
// are listed in the order given, which the caller has already shuffled.
func buildInstruction(obj models.Objective, shipping *models.ShippingTarget, cards, logins []secret) string {
	var b strings.Builder

	switch obj.Kind {
	case models.KindApplication:
		fmt.Fprintf(&b, "Find and apply to: %s.", obj.Query)
	default:
		qty := obj.Quantity
		if qty <= 0 {
			qty = 1
		}
		fmt.Fprintf(&b, "Find and purchase %d x %q.", qty, obj.Query)
		if obj.MaxPrice > 0 {
			fmt.Fprintf(&b, " Do not spend more than $%.2f in total.", obj.MaxPrice)
		}
	}
	if len(obj.Sites) > 0 {
		fmt.Fprintf(&b, " Only use these sites: %s.", strings.Join(obj.Sites, ", "))
	}
	if obj.Instruction != "" {
		b.WriteString("\n\n")
		b.WriteString(obj.Instruction)
	}
	if obj.ExtraDetails != "" {
		b.WriteString("\n\nAdditional details: ")
		b.WriteString(obj.ExtraDetails)
	}

	if shipping != nil {
		b.WriteString("\n\nShip to:\n")
		b.WriteString(formatAddress(shipping))
	}

	if len(cards) > 0 {
		b.WriteString("\n\nPayment cards. Try them in this order and move to the next one only if a card is declined:\n")
		for i, card := range cards {
			fmt.Fprintf(&b, "%d. %s: %s\n", i+1, card.ref.Name, formatFields(card.fields))
		}
	}
	if len(logins) > 0 {
		b.WriteString("\n\nSite logins, use only if the browser is not already signed in:\n")
		for _, login := range logins {
			fmt.Fprintf(&b, "- %s: %s\n", login.ref.Name, formatFields(login.fields))
		}
	}

	b.WriteString("\n\nProgress reporting: ")
	switch obj.Kind {
	case models.KindApplication:
		fmt.Fprintf(&b, "when you find a posting that matches, write %s in your notes. ", models.PhaseMarker(models.TaskFoundDeal))
		fmt.Fprintf(&b, "When you start filling in the application, write %s.", models.PhaseMarker(models.TaskCheckout))
	default:
		fmt.Fprintf(&b, "when you find a product that satisfies every constraint, write %s in your notes. ", models.PhaseMarker(models.TaskFoundDeal))
		fmt.Fprintf(&b, "When you start checkout, write %s.", models.PhaseMarker(models.TaskCheckout))
	}

	b.WriteString("\n\nWhen you are done, reply with only this JSON object:\n")
	b.WriteString(resultFormat)
	return b.String()
}

func formatAddress(s *models.ShippingTarget) string {
	lines := []string{s.Name, s.Line1}
	if s.Line2 != "" {
		lines = append(lines, s.Line2)
	}
	city := s.City
	if s.State != "" {
		city += ", " + s.State
	}
	lines = append(lines, city+" "+s.PostalCode, s.Country)
	if s.Phone != "" {
		lines = append(lines, "Phone: "+s.Phone)
	}
	return strings.Join(lines, "\n")
}

func formatFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	return strings.Join(parts, ", ")
}
