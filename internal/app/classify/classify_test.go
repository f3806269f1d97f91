package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{200, ""},
		{204, ""},
		{400, KindValidation},
		{401, KindUnauthenticated},
		{403, KindForbidden},
		{404, KindNotFound},
		{408, KindUnknown},
		{409, KindConflict},
		{422, KindValidation},
		{429, KindRateLimited},
		{500, KindServer},
		{503, KindServer},
		{302, KindUnknown},
		{418, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, FromStatus(tt.status))
		})
	}
}

func TestError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Status(404, "no such line"))

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrServer)

	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 404, ce.Status)
	assert.Equal(t, "no such line", ce.Message)
}

func TestError_Message(t *testing.T) {
	e := &Error{Kind: KindConflict, Status: 409, Method: "POST", Endpoint: "/api/cart/add"}
	assert.Contains(t, e.Error(), "conflict (409) POST /api/cart/add")
	assert.Contains(t, e.Error(), DefaultMessage(KindConflict))

	n := Transport(errors.New("dial tcp: refused"))
	assert.Equal(t, "network_error: dial tcp: refused", n.Error())
}

func TestError_Presentation(t *testing.T) {
	tests := []struct {
		kind       Kind
		retryable  bool
		actionable bool
		login      bool
	}{
		{KindNetwork, true, false, false},
		{KindRateLimited, true, false, false},
		{KindServer, true, false, false},
		{KindValidation, false, true, false},
		{KindConflict, false, true, false},
		{KindUnauthenticated, false, false, true},
		{KindForbidden, false, false, false},
		{KindUnknown, false, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			e := &Error{Kind: tt.kind}
			assert.Equal(t, tt.retryable, e.Retryable())
			assert.Equal(t, tt.actionable, e.Actionable())
			assert.Equal(t, tt.login, e.ForcesLogin())
		})
	}
}

func TestFrom(t *testing.T) {
	assert.Nil(t, From(nil))

	classified := Status(500, "")
	assert.Same(t, classified, From(fmt.Errorf("ctx: %w", classified)))

	assert.Equal(t, KindNetwork, From(context.DeadlineExceeded).Kind)
	assert.Equal(t, KindNetwork, From(&net.OpError{Op: "dial", Err: errors.New("refused")}).Kind)
	assert.Equal(t, KindUnknown, From(errors.New("decode")).Kind)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindUnauthenticated, KindOf(Unauthenticated(nil)))
}

func TestStatus_SuccessCodeIsUnknown(t *testing.T) {
	assert.Equal(t, KindUnknown, Status(200, "").Kind)
}
