package archive

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorf_MatchesKindAndCause(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := Errorf(ErrArchiveUnavailable, cause, "open %s", "/data/index")

	assert.True(t, errors.Is(err, ErrArchiveUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrChannelNotFound))
	assert.Equal(t, "archive unavailable: open /data/index: disk I/O error", err.Error())
}

func TestErrorf_NoCause(t *testing.T) {
	err := Errorf(ErrInvalidArgument, nil, "channel list is empty")
	assert.Equal(t, "invalid argument: channel list is empty", err.Error())
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"typed", Errorf(ErrDecode, nil, "short payload"), ErrDecode},
		{"wrapped typed", fmt.Errorf("scan TEMP:1: %w", Errorf(ErrChannelNotFound, nil, "TEMP:1")), ErrChannelNotFound},
		{"bare sentinel", fmt.Errorf("x: %w", ErrCatalogUnavailable), ErrCatalogUnavailable},
		{"foreign", errors.New("boom"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestCode(t *testing.T) {
	assert.Equal(t, "channel_not_found", Code(Errorf(ErrChannelNotFound, nil, "X")))
	assert.Equal(t, "decode_error", Code(fmt.Errorf("wrap: %w", ErrDecode)))
	assert.Equal(t, "", Code(errors.New("boom")))
	assert.Equal(t, "", Code(nil))
}

func TestTimePoint_Ordering(t *testing.T) {
	a := TimePoint{Seconds: 100, Nanoseconds: 5}
	b := TimePoint{Seconds: 100, Nanoseconds: 6}
	c := TimePoint{Seconds: 101}

	assert.True(t, a.Before(b))
	assert.True(t, b.Before(c))
	assert.False(t, c.Before(a))
	assert.Equal(t, 0, a.Compare(a))
}

func TestTimePoint_Prev(t *testing.T) {
	assert.Equal(t, TimePoint{Seconds: 100, Nanoseconds: 4}, TimePoint{Seconds: 100, Nanoseconds: 5}.Prev())
	assert.Equal(t, TimePoint{Seconds: 99, Nanoseconds: 999_999_999}, TimePoint{Seconds: 100}.Prev())
}

func TestTimePoint_TimeRoundTrip(t *testing.T) {
	p := TimePoint{Seconds: 1_700_000_000, Nanoseconds: 123_456_789}
	require.Equal(t, p, FromTime(p.Time()))
	assert.Equal(t, "1700000000.123456789", p.String())
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "float64", KindFloat64.String())
	assert.Equal(t, "kind(42)", Kind(42).String())
}
