package api

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/martlane/storefront/internal/domain"
)

// CouponSave10 takes 10% off the subtotal.
const CouponSave10 = "SAVE10"

type cart struct {
	lines  []*line
	coupon string
}

type line struct {
	ID        string
	ProductID string
	Quantity  int
	AddedAt   time.Time
}

func (c *cart) find(lineID string) (int, *line) {
	for i, l := range c.lines {
		if l.ID == lineID {
			return i, l
		}
	}
	return -1, nil
}

func (c *cart) byProduct(productID string) *line {
	for _, l := range c.lines {
		if l.ProductID == productID {
			return l
		}
	}
	return nil
}

// lineDTO is the denormalized line shape the cart service returns.
type lineDTO struct {
	ID               string    `json:"id"`
	ProductID        string    `json:"productId"`
	ProductName      string    `json:"productName"`
	ProductPrice     float64   `json:"productPrice"`
	OriginalPrice    *float64  `json:"originalPrice,omitempty"`
	ProductImage     string    `json:"productImage,omitempty"`
	ProductUnit      string    `json:"productUnit,omitempty"`
	Quantity         int       `json:"quantity"`
	SelectedQuantity int       `json:"selectedQuantity"`
	TotalPrice       float64   `json:"totalPrice"`
	Available        bool      `json:"available"`
	AddedAt          time.Time `json:"addedAt"`
}

// summaryDTO is the cart service's summary shape.
type summaryDTO struct {
	Items              []lineDTO `json:"items"`
	TotalItems         int       `json:"totalItems"`
	Subtotal           float64   `json:"subtotal"`
	DeliveryCharge     float64   `json:"deliveryCharge"`
	TotalSavings       float64   `json:"totalSavings"`
	TotalAmount        float64   `json:"totalAmount"`
	CouponCode         string    `json:"couponCode,omitempty"`
	IsValid            bool      `json:"isValid"`
	ValidationMessages []string  `json:"validationMessages"`
}

type productDTO struct {
	domain.ProductRef
	Stock int `json:"stock"`
}

func (s *Server) seed() {
	price := func(v float64) *float64 { return &v }
	for _, p := range []struct {
		ref   domain.ProductRef
		stock int
	}{
		{domain.ProductRef{ID: "p-rice", Name: "Basmati Rice", UnitPrice: 240, OriginalPrice: price(280), Unit: "5 kg"}, 50},
		{domain.ProductRef{ID: "p-oil", Name: "Cold-Pressed Groundnut Oil", UnitPrice: 180, Unit: "1 L"}, 40},
		{domain.ProductRef{ID: "p-tea", Name: "Assam Tea", UnitPrice: 40, Unit: "250 g"}, 100},
		{domain.ProductRef{ID: "p-honey", Name: "Wild Forest Honey", UnitPrice: 360, OriginalPrice: price(400), Unit: "500 g"}, 20},
		{domain.ProductRef{ID: "p-apple", Name: "Shimla Apples", UnitPrice: 120, Unit: "1 kg"}, 5},
	} {
		s.catalog[p.ref.ID] = p.ref
		s.stock[p.ref.ID] = p.stock
	}
	s.accounts[DemoEmail] = &account{
		ID:       DemoUserID,
		Name:     "Asha",
		Email:    DemoEmail,
		Password: DemoPassword,
	}
}

// dto renders l. Callers hold s.mu.
func (s *Server) dto(l *line) lineDTO {
	p := s.catalog[l.ProductID]
	return lineDTO{
		ID:               l.ID,
		ProductID:        p.ID,
		ProductName:      p.Name,
		ProductPrice:     p.UnitPrice,
		OriginalPrice:    p.OriginalPrice,
		ProductImage:     p.Image,
		ProductUnit:      p.Unit,
		Quantity:         l.Quantity,
		SelectedQuantity: l.Quantity,
		TotalPrice:       domain.RoundCurrency(p.UnitPrice * float64(l.Quantity)),
		Available:        s.stock[l.ProductID] >= l.Quantity,
		AddedAt:          l.AddedAt,
	}
}

// summary prices c with the delivery policy. Callers hold s.mu.
func (s *Server) summary(c *cart) summaryDTO {
	out := summaryDTO{
		Items:              make([]lineDTO, 0, len(c.lines)),
		TotalItems:         len(c.lines),
		CouponCode:         c.coupon,
		ValidationMessages: []string{},
	}
	for _, l := range c.lines {
		d := s.dto(l)
		out.Items = append(out.Items, d)
		out.Subtotal += d.TotalPrice
		if !d.Available {
			out.ValidationMessages = append(out.ValidationMessages,
				fmt.Sprintf("only %d of %s in stock", s.stock[l.ProductID], d.ProductName))
		}
	}
	out.Subtotal = domain.RoundCurrency(out.Subtotal)
	if c.coupon == CouponSave10 {
		out.TotalSavings = domain.RoundCurrency(out.Subtotal * 0.10)
	}
	out.DeliveryCharge = s.cfg.Policy.Charge(out.Subtotal)
	out.TotalAmount = domain.RoundCurrency(out.Subtotal + out.DeliveryCharge - out.TotalSavings)
	out.IsValid = len(out.ValidationMessages) == 0
	return out
}

// cartFor resolves the caller's cart, creating it on first use. Callers
// hold s.mu. On failure the response has been written.
func (s *Server) cartFor(w http.ResponseWriter, r *http.Request, bodySession string) (*cart, bool) {
	key, status, msg := s.cartKey(r, bodySession)
	if status != 0 {
		writeError(w, status, msg)
		return nil, false
	}
	c, found := s.carts[key]
	if !found {
		c = &cart{}
		s.carts[key] = c
	}
	return c, true
}

func (s *Server) cartKey(r *http.Request, bodySession string) (string, int, string) {
	userID, present, ok := s.caller(r)
	if present {
		if !ok {
			return "", http.StatusUnauthorized, "token expired"
		}
		return "user:" + userID, 0, ""
	}
	sid := strings.TrimSpace(r.Header.Get(s.cfg.GuestHeader))
	if sid == "" {
		sid = strings.TrimSpace(bodySession)
	}
	if sid == "" {
		sid = strings.TrimSpace(r.URL.Query().Get("sessionId"))
	}
	if sid == "" {
		return "", http.StatusBadRequest, "guest session id required"
	}
	return "guest:" + sid, 0, ""
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]productDTO, 0, len(s.catalog))
	for id, p := range s.catalog {
		out = append(out, productDTO{ProductRef: p, Stock: s.stock[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetCart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cartFor(w, r, "")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.summary(c))
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID string `json:"productId"`
		Quantity  int    `json:"quantity"`
		SessionID string `json:"sessionId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Quantity < 1 {
		writeError(w, http.StatusBadRequest, "quantity must be at least 1")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cartFor(w, r, req.SessionID)
	if !ok {
		return
	}
	if _, found := s.catalog[req.ProductID]; !found {
		writeError(w, http.StatusNotFound, "product not found")
		return
	}
	l := c.byProduct(req.ProductID)
	want := req.Quantity
	if l != nil {
		want += l.Quantity
	}
	if stock := s.stock[req.ProductID]; want > stock {
		writeError(w, http.StatusConflict, fmt.Sprintf("only %d in stock", stock))
		return
	}
	if l == nil {
		l = &line{ID: "line-" + uuid.NewString()[:8], ProductID: req.ProductID, AddedAt: s.now().UTC()}
		c.lines = append(c.lines, l)
	}
	l.Quantity = want
	writeJSON(w, http.StatusOK, s.dto(l))
}

func (s *Server) handleSetQuantity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cartFor(w, r, "")
	if !ok {
		return
	}
	i, l := c.find(chi.URLParam(r, "id"))
	if l == nil {
		writeError(w, http.StatusNotFound, "cart line not found")
		return
	}
	if req.Quantity <= 0 {
		c.lines = append(c.lines[:i], c.lines[i+1:]...)
		writeJSON(w, http.StatusOK, nil)
		return
	}
	if stock := s.stock[l.ProductID]; req.Quantity > stock {
		writeError(w, http.StatusConflict, fmt.Sprintf("only %d in stock", stock))
		return
	}
	l.Quantity = req.Quantity
	writeJSON(w, http.StatusOK, s.dto(l))
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cartFor(w, r, "")
	if !ok {
		return
	}
	i, l := c.find(chi.URLParam(r, "id"))
	if l == nil {
		writeError(w, http.StatusNotFound, "cart line not found")
		return
	}
	c.lines = append(c.lines[:i], c.lines[i+1:]...)
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cartFor(w, r, "")
	if !ok {
		return
	}
	c.lines = nil
	c.coupon = ""
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cartFor(w, r, "")
	if !ok {
		return
	}
	n := 0
	for _, l := range c.lines {
		n += l.Quantity
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cartFor(w, r, "")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.summary(c))
}

func (s *Server) handleApplyCoupon(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CouponCode string `json:"couponCode"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cartFor(w, r, "")
	if !ok {
		return
	}
	code := strings.ToUpper(strings.TrimSpace(req.CouponCode))
	if code != CouponSave10 {
		writeError(w, http.StatusBadRequest, "invalid coupon code")
		return
	}
	if len(c.lines) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "cannot apply a coupon to an empty cart")
		return
	}
	c.coupon = code
	writeJSON(w, http.StatusOK, s.summary(c))
}

func (s *Server) handleRemoveCoupon(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cartFor(w, r, "")
	if !ok {
		return
	}
	c.coupon = ""
	writeJSON(w, http.StatusOK, s.summary(c))
}

// handleTransfer merges a guest cart into the caller's cart: a union by
// product with quantities summed. The guest cart is deleted afterwards.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID         string `json:"sessionId"`
		UserID            string `json:"userId"`
		MergeWithExisting bool   `json:"mergeWithExisting"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	userID, _, ok := s.caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if req.UserID != "" && req.UserID != userID {
		writeError(w, http.StatusForbidden, "cannot transfer into another user's cart")
		return
	}
	s.stats.Transfers++

	dst, found := s.carts["user:"+userID]
	if !found {
		dst = &cart{}
		s.carts["user:"+userID] = dst
	}
	guestKey := "guest:" + req.SessionID
	if src, found := s.carts[guestKey]; found {
		if !req.MergeWithExisting {
			dst.lines = nil
		}
		for _, gl := range src.lines {
			if l := dst.byProduct(gl.ProductID); l != nil {
				l.Quantity += gl.Quantity
				continue
			}
			cp := *gl
			dst.lines = append(dst.lines, &cp)
		}
		delete(s.carts, guestKey)
		s.log.Info("guest cart transferred",
			zap.String("session_id", req.SessionID),
			zap.String("user_id", userID),
			zap.Int("lines", len(src.lines)))
	}
	writeJSON(w, http.StatusOK, s.summary(dst))
}
