package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestBufferWriter_Captures(t *testing.T) {
	buf := NewBuffer(10)
	var out bytes.Buffer
	l := zerolog.New(NewBufferWriter(buf, &out)).With().Timestamp().Logger()

	l.Info().Str("component", "export").Msg("exported")
	l.Error().Str("component", "api").Str("archive", "linac").Str("error", "boom").Msg("export failed")

	assert.Contains(t, out.String(), `"message":"export failed"`, "lines still reach the output")
	require.Equal(t, 2, buf.Len())

	recent := buf.Recent(0, "")
	require.Len(t, recent, 2)
	assert.Equal(t, "export failed", recent[0].Message, "newest first")
	assert.Equal(t, "error", recent[0].Level)
	assert.Equal(t, "linac", recent[0].Archive)
	assert.Equal(t, "boom", recent[0].Error)
	assert.Equal(t, "export", recent[1].Component)
	assert.False(t, recent[0].Time.IsZero())
}

func TestBuffer_RecentFilters(t *testing.T) {
	buf := NewBuffer(10)
	for _, lvl := range []string{"debug", "info", "warn", "error", "info"} {
		buf.Add(Entry{Level: lvl, Message: lvl})
	}

	warn := buf.Recent(0, "warn")
	require.Len(t, warn, 2)
	assert.Equal(t, "error", warn[0].Message)
	assert.Equal(t, "warn", warn[1].Message)

	assert.Len(t, buf.Recent(2, ""), 2)
	assert.Len(t, buf.Recent(0, "nonsense"), 5)
}

func TestBuffer_Wraps(t *testing.T) {
	buf := NewBuffer(3)
	for _, m := range []string{"a", "b", "c", "d", "e"} {
		buf.Add(Entry{Level: "info", Message: m})
	}
	assert.Equal(t, 3, buf.Len())

	var msgs []string
	for _, e := range buf.Recent(0, "") {
		msgs = append(msgs, e.Message)
	}
	assert.Equal(t, []string{"e", "d", "c"}, msgs)
}

func TestBufferWriter_IgnoresNonJSON(t *testing.T) {
	buf := NewBuffer(3)
	var out bytes.Buffer
	w := NewBufferWriter(buf, &out)

	n, err := w.Write([]byte("plain text\n"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, 0, buf.Len())
	assert.Equal(t, "plain text\n", out.String())
}
