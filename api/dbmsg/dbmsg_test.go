package dbmsg

import (
	"testing"

	"github.com/INLOpen/dbmsg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndTranslate(t *testing.T) {
	testCases := []struct {
		name   string
		line   string
		target string
		want   core.Statement
	}{
		{
			name:   "update when first field is id",
			line:   "edge^channel^id=1000;lastdata=2015-07-20 00:01:03;",
			target: "edge",
			want:   "UPDATE edge.channel SET lastdata='2015-07-20 00:01:03' WHERE id=1000",
		},
		{
			name:   "insert",
			line:   "edge^channel^channel=ZZDAVE HHZ10;rate=40.0;",
			target: "edge",
			want:   "INSERT INTO edge.channel (channel,rate) VALUES ('ZZDAVE HHZ10','40.0')",
		},
		{
			name:   "update with several fields and expressions",
			line:   "status^latency^id=7;updated=now();nlate=<<nlate+1;station=AAA",
			target: "status",
			want:   "UPDATE status.latency SET updated=now(), nlate=nlate+1, station='AAA' WHERE id=7",
		},
		{
			name:   "id not first means insert",
			line:   "edge^channel^channel=X;id=5;",
			target: "edge",
			want:   "INSERT INTO edge.channel (channel,id) VALUES ('X','5')",
		},
		{
			name:   "empty value",
			line:   "edge^channel^channel=;rate=1",
			target: "edge",
			want:   "INSERT INTO edge.channel (channel,rate) VALUES ('','1')",
		},
		{
			name:   "value containing equals sign",
			line:   "edge^note^text=a=b;",
			target: "edge",
			want:   "INSERT INTO edge.note (text) VALUES ('a=b')",
		},
		{
			name:   "raw insert passes through",
			line:   "INSERT INTO anss.event (id) VALUES (1);",
			target: "anss",
			want:   "INSERT INTO anss.event (id) VALUES (1);",
		},
		{
			name:   "raw update passes through",
			line:   "UPDATE metadata.station SET lat=1 WHERE id=2;",
			target: "metadata",
			want:   "UPDATE metadata.station SET lat=1 WHERE id=2;",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec, err := ParseLine(tc.line)
			require.NoError(t, err)
			assert.Equal(t, tc.target, rec.Target())
			assert.Equal(t, tc.want, Translate(rec))
		})
	}
}

func TestParseLine_Update(t *testing.T) {
	rec, err := ParseLine("edge^channel^id=1000;lastdata=x;")
	require.NoError(t, err)
	sr, ok := rec.(core.StructuredRecord)
	require.True(t, ok)
	assert.True(t, sr.IsUpdate)
	assert.Equal(t, int64(1000), sr.UpdateKey)
	assert.Equal(t, []core.Field{{Key: "lastdata", Value: "x"}}, sr.Fields)
}

func TestParseLine_Malformed(t *testing.T) {
	lines := map[string]string{
		"one separator":        "edge^channel=1",
		"three separators":     "edge^channel^a=1^b=2",
		"no fields":            "edge^channel^",
		"field without equals": "edge^channel^a=1;b;",
		"empty key":            "edge^channel^=1",
		"empty target":         "^channel^a=1",
		"non integer id":       "edge^channel^id=abc;a=1",
		"id only":              "edge^channel^id=1;",
		"raw without dot":      "INSERT INTO nothing VALUES (1)",
		"binary":               "edge^channel^a=\x01",
		"del byte":             "edge^channel^a=\x7f",
	}
	for name, line := range lines {
		t.Run(name, func(t *testing.T) {
			_, err := ParseLine(line)
			require.Error(t, err)
			assert.True(t, core.IsProtocolError(err))
		})
	}

	_, err := ParseLine("edge^a=\x02")
	assert.ErrorIs(t, err, core.ErrBinaryInput)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "now()", FormatValue("t", "now()"))
	assert.Equal(t, "NOW()", FormatValue("t", "NOW()"))
	assert.Equal(t, "current_timestamp()", FormatValue("t", "current_timestamp()"))
	assert.Equal(t, "'2024-01-01 00:00:00'", FormatValue("t", "2024-01-01 00:00:00"))
	assert.Equal(t, "''", FormatValue("t", ""))
	assert.Equal(t, "lastdata", FormatValue("lastdata", "lastdata"))
	assert.Equal(t, "n+1", FormatValue("n", "<<n+1"))
}

func TestTrimLineAndPrintable(t *testing.T) {
	assert.Equal(t, "abc", TrimLine("abc\r\n"))
	assert.Equal(t, "abc", TrimLine("abc\n"))
	assert.Equal(t, "abc", TrimLine("abc"))
	assert.True(t, IsPrintable("edge^t^a=b c;"))
	assert.False(t, IsPrintable("a\tb"))
	assert.False(t, IsPrintable("caf\xc3\xa9"))
}
