package cart

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/martlane/storefront/internal/domain"
)

// number accepts a JSON number, a numeric string, or anything else as 0.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			*n = 0
			return nil
		}
		b = []byte(strings.TrimSpace(s))
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		v = 0
	}
	*n = number(v)
	return nil
}

// text accepts a JSON string or number.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = text(s)
		return nil
	}
	if string(b) == "null" {
		*t = ""
		return nil
	}
	*t = text(b)
	return nil
}

func first(vals ...*number) (float64, bool) {
	for _, v := range vals {
		if v != nil {
			return float64(*v), true
		}
	}
	return 0, false
}

func firstText(vals ...text) string {
	for _, v := range vals {
		if s := strings.TrimSpace(string(v)); s != "" {
			return s
		}
	}
	return ""
}

// wireProduct is a nested product reference.
type wireProduct struct {
	ID            text    `json:"id"`
	Name          string  `json:"name"`
	Price         *number `json:"price"`
	OriginalPrice *number `json:"originalPrice"`
	Unit          string  `json:"unit"`
	Image         string  `json:"image"`
}

// wireLine covers both line shapes the cart service has shipped: the
// denormalized snapshot (productName, productPrice, ...) and the nested
// product reference.
type wireLine struct {
	ID     text `json:"id"`
	LineID text `json:"lineId"`

	ProductID     text    `json:"productId"`
	ProductName   string  `json:"productName"`
	ProductPrice  *number `json:"productPrice"`
	OriginalPrice *number `json:"originalPrice"`
	ProductImage  string  `json:"productImage"`
	ProductUnit   string  `json:"productUnit"`

	Product *wireProduct `json:"product"`

	UnitPrice         *number `json:"unitPrice"`
	OriginalUnitPrice *number `json:"originalUnitPrice"`
	Quantity          *number `json:"quantity"`
	SelectedQuantity  *number `json:"selectedQuantity"`
	TotalPrice        *number `json:"totalPrice"`
	LineTotal         *number `json:"lineTotal"`
}

// wireSummary covers both summary shapes.
type wireSummary struct {
	Items []wireLine `json:"items"`
	Lines []wireLine `json:"lines"`

	TotalItems     *number `json:"totalItems"`
	LineCount      *number `json:"lineCount"`
	TotalQuantity  *number `json:"totalQuantity"`
	Subtotal       *number `json:"subtotal"`
	DeliveryCharge *number `json:"deliveryCharge"`
	TotalSavings   *number `json:"totalSavings"`
	Discount       *number `json:"discount"`
	TotalAmount    *number `json:"totalAmount"`
	Total          *number `json:"total"`
	GrandTotal     *number `json:"grandTotal"`

	IsValid            *bool    `json:"isValid"`
	ValidationMessages []string `json:"validationMessages"`
}

// looksLikeSummary reports whether raw is a cart summary rather than a
// single line or an empty payload.
func looksLikeSummary(raw json.RawMessage) bool {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return false
	}
	for _, k := range []string{"items", "lines", "subtotal"} {
		if _, ok := keys[k]; ok {
			return true
		}
	}
	return false
}

// Normalize converts either server summary shape into the canonical
// CartSummary. Missing numbers default to zero and missing aggregates are
// derived from the lines. The result always satisfies Balanced.
func Normalize(raw json.RawMessage) (domain.CartSummary, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return domain.EmptyCart(), nil
	}
	var w wireSummary
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.CartSummary{}, fmt.Errorf("decode cart summary: %w", err)
	}
	return w.canonical(), nil
}

func (w wireSummary) canonical() domain.CartSummary {
	src := w.Items
	if len(src) == 0 {
		src = w.Lines
	}

	out := domain.EmptyCart()
	out.Lines = make([]domain.CartLine, 0, len(src))
	var lineSum float64
	qty := 0
	for _, wl := range src {
		l := wl.canonical()
		out.Lines = append(out.Lines, l)
		lineSum += l.LineTotal
		qty += l.SelectedQuantity
	}

	if v, ok := first(w.LineCount, w.TotalItems); ok {
		out.LineCount = int(v)
	} else {
		out.LineCount = len(out.Lines)
	}
	if v, ok := first(w.TotalQuantity); ok {
		out.TotalQuantity = int(v)
	} else {
		out.TotalQuantity = qty
	}
	if v, ok := first(w.Subtotal); ok {
		out.Subtotal = domain.RoundCurrency(v)
	} else {
		out.Subtotal = domain.RoundCurrency(lineSum)
	}
	out.DeliveryCharge, _ = first(w.DeliveryCharge)
	out.Discount, _ = first(w.TotalSavings, w.Discount)
	out.DeliveryCharge = domain.RoundCurrency(out.DeliveryCharge)
	out.Discount = domain.RoundCurrency(out.Discount)

	out.GrandTotal = domain.RoundCurrency(out.Subtotal + out.DeliveryCharge - out.Discount)
	if v, ok := first(w.GrandTotal, w.TotalAmount, w.Total); ok {
		// The server's total stands unless it contradicts its own parts.
		if candidate := (domain.CartSummary{
			Subtotal: out.Subtotal, DeliveryCharge: out.DeliveryCharge,
			Discount: out.Discount, GrandTotal: domain.RoundCurrency(v),
		}); candidate.Balanced() {
			out.GrandTotal = candidate.GrandTotal
		}
	}

	if w.IsValid != nil {
		out.IsValid = *w.IsValid
	}
	if w.ValidationMessages != nil {
		out.ValidationMessages = append([]string{}, w.ValidationMessages...)
	}
	return out
}

func (wl wireLine) canonical() domain.CartLine {
	var p domain.ProductRef
	var nestedPrice, nestedOriginal *number
	if wl.Product != nil {
		p.ID = string(wl.Product.ID)
		p.Name = wl.Product.Name
		p.Unit = wl.Product.Unit
		p.Image = wl.Product.Image
		nestedPrice = wl.Product.Price
		nestedOriginal = wl.Product.OriginalPrice
	}
	p.ID = firstText(text(p.ID), wl.ProductID)
	if p.Name == "" {
		p.Name = wl.ProductName
	}
	if p.Unit == "" {
		p.Unit = wl.ProductUnit
	}
	if p.Image == "" {
		p.Image = wl.ProductImage
	}

	unit, _ := first(wl.UnitPrice, wl.ProductPrice, nestedPrice)
	p.UnitPrice = unit
	if v, ok := first(nestedOriginal, wl.OriginalPrice); ok {
		p.OriginalPrice = &v
	}

	l := domain.CartLine{
		LineID:    firstText(wl.LineID, wl.ID),
		Product:   p,
		UnitPrice: unit,
	}
	if v, ok := first(wl.OriginalUnitPrice, wl.OriginalPrice, nestedOriginal); ok {
		l.OriginalUnitPrice = &v
	}
	q, _ := first(wl.SelectedQuantity, wl.Quantity)
	l.SelectedQuantity = int(q)
	if v, ok := first(wl.TotalPrice, wl.LineTotal); ok {
		l.LineTotal = domain.RoundCurrency(v)
	} else {
		l.LineTotal = l.ComputedTotal()
	}
	return l
}
