package chunk

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  ByteRange
		ok    bool
	}{
		{name: "full range", input: "0-131071/300000", want: ByteRange{Start: 0, End: 131071, Size: 300000}, ok: true},
		{name: "missing end defaults to total", input: "5-/10", want: ByteRange{Start: 5, End: 10, Size: 10}, ok: true},
		{name: "missing start defaults to end", input: "-7/10", want: ByteRange{Start: 7, End: 7, Size: 10}, ok: true},
		{name: "only total", input: "-/42", want: ByteRange{Start: 42, End: 42, Size: 42}, ok: true},
		{name: "match on a later line", input: "accepted\n0-99/200", want: ByteRange{Start: 0, End: 99, Size: 200}, ok: true},
		{name: "trailing text is ignored", input: "0-1/2 ok", want: ByteRange{Start: 0, End: 1, Size: 2}, ok: true},
		{name: "missing total", input: "0-1/", ok: false},
		{name: "not anchored at line start", input: "bytes 0-1/2", ok: false},
		{name: "json", input: `[{"id":"1"}]`, ok: false},
		{name: "empty", input: "", ok: false},
		{name: "overflow", input: "0-1/99999999999999999999", ok: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseRange(tc.input)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestParseResponse_HeaderPriority(t *testing.T) {
	header := http.Header{}
	header.Set(FileRangeHeader, "0-9/100")
	header.Set(RangeHeader, "0-19/100")

	out, err := parseResponse(header, []byte("0-29/100"))
	require.NoError(t, err)
	require.False(t, out.Terminal())
	assert.Equal(t, int64(9), out.Range.End)

	header.Del(FileRangeHeader)
	out, err = parseResponse(header, []byte("0-29/100"))
	require.NoError(t, err)
	assert.Equal(t, int64(19), out.Range.End)

	out, err = parseResponse(http.Header{}, []byte("0-29/100"))
	require.NoError(t, err)
	assert.Equal(t, int64(29), out.Range.End)
}

func TestParseResponse_FileResource(t *testing.T) {
	body := `[{"id":"f1","type":"file","name":"movie.mp4","size":300000,"mimeType":"video/mp4","url":"https://example.com/f1"}]`

	out, err := parseResponse(http.Header{}, []byte(body))
	require.NoError(t, err)
	require.True(t, out.Terminal())
	assert.Nil(t, out.Range)
	assert.Equal(t, "f1", out.File.ID)
	assert.Equal(t, "movie.mp4", out.File.Name)
	assert.Equal(t, int64(300000), out.File.Size)
	assert.Equal(t, "video/mp4", out.File.MimeType)
}

func TestParseResponse_RangeWinsOverBody(t *testing.T) {
	header := http.Header{}
	header.Set(FileRangeHeader, "0-9/100")

	out, err := parseResponse(header, []byte(`[{"id":"f1"}]`))
	require.NoError(t, err)
	assert.False(t, out.Terminal())
}

func TestParseResponse_Unparsable(t *testing.T) {
	for _, body := range []string{"garbage", "[]", "[null]", "", "{}"} {
		t.Run(body, func(t *testing.T) {
			_, err := parseResponse(http.Header{}, []byte(body))
			assert.ErrorIs(t, err, ErrUnparsableResponse)
		})
	}
}
