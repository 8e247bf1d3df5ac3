package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halyard-io/halyard/internal/entity"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	cases := []struct {
		field entity.Field
		value interface{}
		want  interface{}
	}{
		{entity.Field{Name: "s", Type: entity.TypeString}, "hello", "hello"},
		{entity.Field{Name: "i", Type: entity.TypeInt}, 42, int64(42)},
		{entity.Field{Name: "f", Type: entity.TypeFloat}, 2.5, 2.5},
		{entity.Field{Name: "b", Type: entity.TypeBool}, true, true},
		{entity.Field{Name: "t", Type: entity.TypeTime}, ts, ts},
		{entity.Field{Name: "j", Type: entity.TypeJSON},
			map[string]interface{}{"k": "v"}, map[string]interface{}{"k": "v"}},
	}
	for _, tc := range cases {
		enc, err := EncodeValue(tc.field, tc.value)
		require.NoError(t, err, tc.field.Name)
		dec, err := DecodeValue(tc.field, enc)
		require.NoError(t, err, tc.field.Name)
		assert.Equal(t, tc.want, dec, tc.field.Name)
	}
}

func TestEncodeNil(t *testing.T) {
	enc, err := EncodeValue(entity.Field{Name: "x", Type: entity.TypeString}, nil)
	require.NoError(t, err)
	assert.Nil(t, enc)

	dec, err := DecodeValue(entity.Field{Name: "x", Type: entity.TypeInt}, nil)
	require.NoError(t, err)
	assert.Nil(t, dec)
}

func TestEncodeTypeMismatch(t *testing.T) {
	_, err := EncodeValue(entity.Field{Name: "x", Type: entity.TypeInt}, "not a number")
	assert.Error(t, err)
	_, err = EncodeValue(entity.Field{Name: "x", Type: entity.TypeBool}, 1)
	assert.Error(t, err)
}

func TestTimeAlwaysUTC(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	local := time.Date(2026, 7, 4, 12, 0, 0, 0, loc)

	enc, err := EncodeValue(entity.Field{Name: "t", Type: entity.TypeTime}, local)
	require.NoError(t, err)
	dec, err := DecodeValue(entity.Field{Name: "t", Type: entity.TypeTime}, enc)
	require.NoError(t, err)
	assert.True(t, local.Equal(dec.(time.Time)))
	assert.Equal(t, time.UTC, dec.(time.Time).Location())
}

func TestDecodeTimeAcceptsPlainRFC3339(t *testing.T) {
	got, err := DecodeTime("2026-01-02T03:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, 2026, got.Year())
}
