package scan

import (
	"context"
	"errors"
	"testing"

	"github.com/basekick-labs/pvexport/internal/archive"
	"github.com/basekick-labs/pvexport/internal/archive/archivetest"
	"github.com/basekick-labs/pvexport/internal/decode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tp(sec int64) *archive.TimePoint {
	p := archivetest.At(sec)
	return &p
}

func setup(t *testing.T, records ...archive.RawRecord) (*archivetest.Memory, archive.Reader, *decode.Decoder) {
	t.Helper()
	m := archivetest.NewMemory().Add("CH", &archivetest.Channel{
		Meta:    archive.Metadata{Category: archive.MetaNumeric, Units: "degC"},
		Records: records,
	})
	r, err := m.NewReader()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	dec := decode.New()
	return m, r, dec
}

func seconds(recs []decode.Record) []int64 {
	out := make([]int64, len(recs))
	for i, r := range recs {
		out[i] = r.Time.Seconds
	}
	return out
}

func TestScanner_BoundaryRecordsIncluded(t *testing.T) {
	m, r, dec := setup(t,
		archivetest.Double(100, 21.5),
		archivetest.Double(200, 22.0),
		archivetest.Double(300, 22.3),
	)

	recs, err := New(r, "CH", archive.TimeRange{Start: tp(150), End: tp(250)}, dec, decode.Categories{}).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []int64{100, 200, 300}, seconds(recs))
	assert.Equal(t, []any{21.5, 22.0, 22.3}, []any{recs[0].Value, recs[1].Value, recs[2].Value})
	assert.Equal(t, 2, m.NextCalls, "no read-ahead past the end boundary")
}

func TestScanner_Ranges(t *testing.T) {
	records := []archive.RawRecord{
		archivetest.Double(10, 0),
		archivetest.Double(20, 1),
		archivetest.Double(30, 2),
		archivetest.Double(40, 3),
	}

	tests := []struct {
		name string
		rng  archive.TimeRange
		want []int64
	}{
		{"exact bounds", archive.TimeRange{Start: tp(20), End: tp(30)}, []int64{10, 20, 30}},
		{"unbounded", archive.TimeRange{}, []int64{10, 20, 30, 40}},
		{"open end", archive.TimeRange{Start: tp(25)}, []int64{20, 30, 40}},
		{"open start", archive.TimeRange{End: tp(25)}, []int64{10, 20, 30}},
		{"start before data", archive.TimeRange{Start: tp(5), End: tp(15)}, []int64{10, 20}},
		{"range before data", archive.TimeRange{Start: tp(1), End: tp(5)}, []int64{10}},
		{"range after data", archive.TimeRange{Start: tp(50), End: tp(60)}, []int64{40}},
		{"start at first record", archive.TimeRange{Start: tp(10), End: tp(10)}, []int64{10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, r, dec := setup(t, records...)
			recs, err := New(r, "CH", tt.rng, dec, decode.Categories{}).Collect(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, seconds(recs))
		})
	}
}

func TestScanner_SubSecondStart(t *testing.T) {
	_, r, dec := setup(t,
		archive.RawRecord{Kind: archive.KindFloat64, Count: 1, Time: archive.TimePoint{Seconds: 10, Nanoseconds: 0}, Payload: archivetest.Float64s(1)},
		archive.RawRecord{Kind: archive.KindFloat64, Count: 1, Time: archive.TimePoint{Seconds: 10, Nanoseconds: 500}, Payload: archivetest.Float64s(2)},
		archive.RawRecord{Kind: archive.KindFloat64, Count: 1, Time: archive.TimePoint{Seconds: 11}, Payload: archivetest.Float64s(3)},
	)
	start := archive.TimePoint{Seconds: 10, Nanoseconds: 500}

	recs, err := New(r, "CH", archive.TimeRange{Start: &start}, dec, decode.Categories{}).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, int32(0), recs[0].Time.Nanoseconds)
	assert.Equal(t, int32(500), recs[1].Time.Nanoseconds)
}

func TestScanner_GapsSkipped(t *testing.T) {
	_, r, dec := setup(t,
		archivetest.Double(10, 0),
		archivetest.Gap(15),
		archivetest.Double(20, 1),
		archivetest.Gap(25),
		archivetest.Double(30, 2),
		archivetest.Double(40, 3),
	)

	s := New(r, "CH", archive.TimeRange{Start: tp(20), End: tp(30)}, dec, decode.Categories{})
	recs, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20, 30}, seconds(recs))
	assert.Equal(t, 2, s.Skipped())
}

func TestScanner_GapIsNotABoundary(t *testing.T) {
	_, r, dec := setup(t,
		archivetest.Double(10, 0),
		archivetest.Double(20, 1),
		archivetest.Gap(30),
		archivetest.Double(40, 2),
		archivetest.Double(50, 3),
	)

	recs, err := New(r, "CH", archive.TimeRange{Start: tp(15), End: tp(30)}, dec, decode.Categories{}).Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20, 40}, seconds(recs))
}

func TestScanner_LeadingGap(t *testing.T) {
	_, r, dec := setup(t,
		archivetest.Gap(5),
		archivetest.Double(10, 0),
		archivetest.Double(20, 1),
	)

	recs, err := New(r, "CH", archive.TimeRange{}, dec, decode.Categories{}).Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20}, seconds(recs))
}

func TestScanner_EmptyChannel(t *testing.T) {
	_, r, dec := setup(t)

	recs, err := New(r, "CH", archive.TimeRange{Start: tp(1), End: tp(2)}, dec, decode.Categories{}).Collect(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestScanner_NotRestartable(t *testing.T) {
	m, r, dec := setup(t, archivetest.Double(10, 0))
	ctx := context.Background()

	s := New(r, "CH", archive.TimeRange{}, dec, decode.Categories{})
	require.True(t, s.Next(ctx))
	assert.False(t, s.Next(ctx))
	calls := m.NextCalls
	assert.False(t, s.Next(ctx))
	assert.Equal(t, calls, m.NextCalls)
	assert.NoError(t, s.Err())
}

func TestScanner_ChannelNotFound(t *testing.T) {
	_, r, dec := setup(t, archivetest.Double(10, 0))

	recs, err := New(r, "missing_channel", archive.TimeRange{}, dec, decode.Categories{}).Collect(context.Background())
	assert.Nil(t, recs)
	assert.True(t, errors.Is(err, archive.ErrChannelNotFound))
}

func TestScanner_DecodeFailure(t *testing.T) {
	_, r, dec := setup(t,
		archivetest.Double(10, 0),
		archive.RawRecord{Kind: archive.KindFloat64, Count: 4, Time: archivetest.At(20), Payload: archivetest.Float64s(1)},
	)

	recs, err := New(r, "CH", archive.TimeRange{}, dec, decode.Categories{}).Collect(context.Background())
	assert.Nil(t, recs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, archive.ErrDecode))
	assert.Contains(t, err.Error(), `"CH"`)
}

func TestScanner_UnsupportedKindKeepsKind(t *testing.T) {
	_, r, dec := setup(t,
		archive.RawRecord{Kind: archive.Kind(42), Count: 1, Time: archivetest.At(10), Payload: []byte{0}},
	)

	_, err := New(r, "CH", archive.TimeRange{}, dec, decode.Categories{}).Collect(context.Background())
	assert.Equal(t, archive.ErrUnsupportedValueKind, archive.KindOf(err))
}

func TestScanner_ReaderFailure(t *testing.T) {
	m, r, dec := setup(t,
		archivetest.Double(10, 0),
		archivetest.Double(20, 1),
		archivetest.Double(30, 2),
	)
	m.FailNextAt = tp(20)

	s := New(r, "CH", archive.TimeRange{}, dec, decode.Categories{})
	ctx := context.Background()
	require.True(t, s.Next(ctx))
	assert.False(t, s.Next(ctx))
	assert.True(t, errors.Is(s.Err(), archive.ErrArchiveUnavailable))
}

func TestScanner_Categories(t *testing.T) {
	_, r, dec := setup(t, archivetest.Double(10, 1.5))

	s := New(r, "CH", archive.TimeRange{}, dec, decode.Categories{Units: true, Status: true})
	require.True(t, s.Next(context.Background()))
	rec := s.Record()
	require.NotNil(t, rec.Unit)
	assert.Equal(t, "degC", *rec.Unit)
	require.NotNil(t, rec.Alarm)
	assert.Equal(t, "NO_ALARM", *rec.Alarm.StatusText)
	assert.Nil(t, rec.Limits)
}

func TestScanner_Canceled(t *testing.T) {
	_, r, dec := setup(t, archivetest.Double(10, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(r, "CH", archive.TimeRange{}, dec, decode.Categories{})
	assert.False(t, s.Next(ctx))
	assert.ErrorIs(t, s.Err(), context.Canceled)
}
