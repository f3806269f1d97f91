package domain

import "math"

// ─── Cart Types ─────────────────────────────────────────────────────────────

// ProductRef is the slice of a catalogue product a cart line needs.
type ProductRef struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	UnitPrice     float64  `json:"price"`
	OriginalPrice *float64 `json:"originalPrice,omitempty"`
	Unit          string   `json:"unit,omitempty"`
	Image         string   `json:"image,omitempty"`
}

// CartLine is one product entry in the cart.
// LineTotal is always recomputable as UnitPrice * SelectedQuantity.
type CartLine struct {
	LineID            string     `json:"lineId"`
	Product           ProductRef `json:"product"`
	UnitPrice         float64    `json:"unitPrice"`
	OriginalUnitPrice *float64   `json:"originalUnitPrice,omitempty"`
	SelectedQuantity  int        `json:"selectedQuantity"`
	LineTotal         float64    `json:"lineTotal"`
}

// ComputedTotal returns UnitPrice * SelectedQuantity rounded to the currency unit.
func (l CartLine) ComputedTotal() float64 {
	return RoundCurrency(l.UnitPrice * float64(l.SelectedQuantity))
}

// CartSummary is the canonical cart shape published to every reader.
type CartSummary struct {
	Lines              []CartLine `json:"lines"`
	LineCount          int        `json:"lineCount"`
	TotalQuantity      int        `json:"totalQuantity"`
	Subtotal           float64    `json:"subtotal"`
	DeliveryCharge     float64    `json:"deliveryCharge"`
	Discount           float64    `json:"discount"`
	GrandTotal         float64    `json:"grandTotal"`
	IsValid            bool       `json:"isValid"`
	ValidationMessages []string   `json:"validationMessages"`
}

// EmptyCart returns a valid summary with no lines.
func EmptyCart() CartSummary {
	return CartSummary{
		Lines:              []CartLine{},
		IsValid:            true,
		ValidationMessages: []string{},
	}
}

// Clone returns a deep copy so published snapshots never alias manager state.
func (s CartSummary) Clone() CartSummary {
	out := s
	out.Lines = make([]CartLine, len(s.Lines))
	copy(out.Lines, s.Lines)
	out.ValidationMessages = append([]string{}, s.ValidationMessages...)
	return out
}

// Balanced reports whether GrandTotal == Subtotal + DeliveryCharge - Discount
// to the precision of the currency unit.
func (s CartSummary) Balanced() bool {
	want := RoundCurrency(s.Subtotal + s.DeliveryCharge - s.Discount)
	return math.Abs(want-s.GrandTotal) < 0.005
}

// LineIndex returns the index of the line with the given id, or -1.
func (s CartSummary) LineIndex(lineID string) int {
	for i := range s.Lines {
		if s.Lines[i].LineID == lineID {
			return i
		}
	}
	return -1
}

// ProductIndex returns the index of the line holding productID, or -1.
func (s CartSummary) ProductIndex(productID string) int {
	for i := range s.Lines {
		if s.Lines[i].Product.ID == productID {
			return i
		}
	}
	return -1
}

// ─── Delivery Policy ────────────────────────────────────────────────────────

// DeliveryPolicy prices delivery from the subtotal with a single
// free-shipping threshold.
type DeliveryPolicy struct {
	FreeThreshold float64 `toml:"free_delivery_threshold"`
	FlatCharge    float64 `toml:"delivery_charge"`
}

// DefaultDeliveryPolicy returns the storefront's standard policy.
func DefaultDeliveryPolicy() DeliveryPolicy {
	return DeliveryPolicy{FreeThreshold: 500, FlatCharge: 50}
}

// Charge returns the delivery charge for subtotal. An empty cart ships nothing.
func (p DeliveryPolicy) Charge(subtotal float64) float64 {
	if subtotal <= 0 {
		return 0
	}
	if subtotal >= p.FreeThreshold {
		return 0
	}
	return p.FlatCharge
}

// Project recomputes every derived field of s locally: line totals,
// counts, subtotal, delivery, and grand total. Discount is kept but never
// exceeds the subtotal. Server values always supersede a projection.
func (p DeliveryPolicy) Project(s CartSummary) CartSummary {
	out := s.Clone()
	out.Subtotal = 0
	out.TotalQuantity = 0
	for i := range out.Lines {
		out.Lines[i].LineTotal = out.Lines[i].ComputedTotal()
		out.Subtotal += out.Lines[i].LineTotal
		out.TotalQuantity += out.Lines[i].SelectedQuantity
	}
	out.Subtotal = RoundCurrency(out.Subtotal)
	out.LineCount = len(out.Lines)
	if out.Discount > out.Subtotal {
		out.Discount = out.Subtotal
	}
	out.DeliveryCharge = p.Charge(out.Subtotal)
	out.GrandTotal = RoundCurrency(out.Subtotal + out.DeliveryCharge - out.Discount)
	return out
}

// RoundCurrency rounds v to two decimal places.
func RoundCurrency(v float64) float64 {
	return math.Round(v*100) / 100
}
