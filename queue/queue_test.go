package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 80 * time.Second},
		{5, 160 * time.Second},
		{6, 320 * time.Second},
		// capped
		{7, 10 * time.Minute},
		{100, 10 * time.Minute},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, backoffDelay(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	raw, err := NewExecuteBlockPayload(12345)
	require.NoError(t, err)

	p, err := ParsePayload(raw)
	require.NoError(t, err)
	assert.Equal(t, KindExecuteBlock, p.Kind)
	assert.Equal(t, uint64(12345), p.Height)
}

func TestParsePayloadRejectsBadInput(t *testing.T) {
	_, err := ParsePayload(nil)
	assert.Error(t, err)

	_, err = ParsePayload([]byte(`{}`))
	assert.Error(t, err)

	_, err = ParsePayload([]byte(`{"kind":"reticulate_splines","height":1}`))
	assert.Error(t, err)

	_, err = ParsePayload([]byte(`not json`))
	assert.Error(t, err)
}
