package cart

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_ServerTotalsWithoutGrandTotal(t *testing.T) {
	s, err := Normalize(json.RawMessage(`{"items":[],"subtotal":480,"deliveryCharge":50,"discount":0}`))
	require.NoError(t, err)
	assert.Equal(t, 530.0, s.GrandTotal)
	assert.True(t, s.Balanced())
	assert.True(t, s.IsValid)
	assert.NotNil(t, s.ValidationMessages)
}

func TestNormalize_DenormalizedLines(t *testing.T) {
	raw := `{
		"items": [{
			"id": "line-1", "productId": "p-rice", "productName": "Basmati Rice",
			"productPrice": 240, "originalPrice": 280, "productUnit": "5 kg",
			"quantity": 2, "selectedQuantity": 2, "totalPrice": 480
		}],
		"totalItems": 1, "subtotal": 480, "deliveryCharge": 50,
		"totalSavings": 0, "totalAmount": 530, "isValid": true, "validationMessages": []
	}`
	s, err := Normalize(json.RawMessage(raw))
	require.NoError(t, err)
	require.Len(t, s.Lines, 1)

	l := s.Lines[0]
	assert.Equal(t, "line-1", l.LineID)
	assert.Equal(t, "p-rice", l.Product.ID)
	assert.Equal(t, "Basmati Rice", l.Product.Name)
	assert.Equal(t, "5 kg", l.Product.Unit)
	assert.Equal(t, 240.0, l.UnitPrice)
	require.NotNil(t, l.OriginalUnitPrice)
	assert.Equal(t, 280.0, *l.OriginalUnitPrice)
	assert.Equal(t, 2, l.SelectedQuantity)
	assert.Equal(t, 480.0, l.LineTotal)

	assert.Equal(t, 1, s.LineCount)
	assert.Equal(t, 2, s.TotalQuantity)
	assert.Equal(t, 530.0, s.GrandTotal)
}

func TestNormalize_NestedProductLines(t *testing.T) {
	raw := `{
		"items": [{
			"id": 17,
			"product": {"id": 9, "name": "Assam Tea", "price": "40.50", "unit": "250 g"},
			"quantity": "3"
		}],
		"subtotal": 121.5, "deliveryCharge": 50, "total": 171.5
	}`
	s, err := Normalize(json.RawMessage(raw))
	require.NoError(t, err)
	require.Len(t, s.Lines, 1)

	l := s.Lines[0]
	assert.Equal(t, "17", l.LineID)
	assert.Equal(t, "9", l.Product.ID)
	assert.Equal(t, 40.5, l.UnitPrice)
	assert.Equal(t, 40.5, l.Product.UnitPrice)
	assert.Equal(t, 3, l.SelectedQuantity)
	assert.Equal(t, 121.5, l.LineTotal, "line total derived when absent")
	assert.Equal(t, 171.5, s.GrandTotal)
}

func TestNormalize_MissingNumbersDefault(t *testing.T) {
	raw := `{"items":[{"id":"l1","productId":"p1","productName":"Mystery","productPrice":null,"quantity":"lots"}]}`
	s, err := Normalize(json.RawMessage(raw))
	require.NoError(t, err)
	require.Len(t, s.Lines, 1)
	assert.Equal(t, 0.0, s.Lines[0].UnitPrice)
	assert.Equal(t, 0, s.Lines[0].SelectedQuantity)
	assert.Equal(t, 0.0, s.Subtotal)
	assert.Equal(t, 0.0, s.GrandTotal)
	assert.True(t, s.Balanced())
}

func TestNormalize_SubtotalDerivedFromLines(t *testing.T) {
	raw := `{"lines":[
		{"lineId":"a","product":{"id":"p1","price":100},"selectedQuantity":2},
		{"lineId":"b","product":{"id":"p2","price":35.25},"selectedQuantity":1}
	]}`
	s, err := Normalize(json.RawMessage(raw))
	require.NoError(t, err)
	assert.Equal(t, 235.25, s.Subtotal)
	assert.Equal(t, 2, s.LineCount)
	assert.Equal(t, 3, s.TotalQuantity)
	assert.Equal(t, 235.25, s.GrandTotal, "delivery is the server's to state")
}

func TestNormalize_UnbalancedTotalIsRecomputed(t *testing.T) {
	s, err := Normalize(json.RawMessage(`{"items":[],"subtotal":520,"deliveryCharge":0,"totalSavings":52,"totalAmount":999}`))
	require.NoError(t, err)
	assert.Equal(t, 52.0, s.Discount)
	assert.Equal(t, 468.0, s.GrandTotal)
}

func TestNormalize_EmptyAndInvalid(t *testing.T) {
	for _, raw := range []string{"", "null", "  "} {
		s, err := Normalize(json.RawMessage(raw))
		require.NoError(t, err)
		assert.Empty(t, s.Lines)
		assert.True(t, s.IsValid)
	}

	_, err := Normalize(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestNormalize_ValidationFlags(t *testing.T) {
	s, err := Normalize(json.RawMessage(`{"items":[],"isValid":false,"validationMessages":["only 5 of Shimla Apples in stock"]}`))
	require.NoError(t, err)
	assert.False(t, s.IsValid)
	assert.Equal(t, []string{"only 5 of Shimla Apples in stock"}, s.ValidationMessages)
}

func TestLooksLikeSummary(t *testing.T) {
	assert.True(t, looksLikeSummary(json.RawMessage(`{"items":[]}`)))
	assert.True(t, looksLikeSummary(json.RawMessage(`{"subtotal":1}`)))
	assert.False(t, looksLikeSummary(json.RawMessage(`{"id":"line-1","productId":"p"}`)))
	assert.False(t, looksLikeSummary(json.RawMessage(`null`)))
	assert.False(t, looksLikeSummary(nil))
}
