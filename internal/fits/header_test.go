package fits

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func headerBlock(cards ...string) []byte {
	var buf bytes.Buffer
	for _, c := range cards {
		fmt.Fprintf(&buf, "%-80s", c)
	}
	for buf.Len()%blockSize != 0 {
		buf.WriteByte(' ')
	}
	return buf.Bytes()
}

func TestParseCardValues(t *testing.T) {
	cases := []struct {
		field   string
		raw     string
		comment string
	}{
		{"                   16 / bits per pixel", "16", "bits per pixel"},
		{"'It''s / not a comment' / real comment", "'It''s / not a comment'", "real comment"},
		{"                    T", "T", ""},
		{"  1.5D-3", "1.5D-3", ""},
		{"", "", ""},
	}
	for _, tc := range cases {
		card, err := parseCard("KEY", tc.field)
		require.NoError(t, err, tc.field)
		assert.Equal(t, tc.raw, card.Raw, tc.field)
		assert.Equal(t, tc.comment, card.Comment, tc.field)
	}

	_, err := parseCard("KEY", "'unterminated")
	assert.Error(t, err)
}

func TestReadHeaderSpansBlocks(t *testing.T) {
	cards := []string{"SIMPLE  =                    T"}
	for i := 0; i < 40; i++ {
		cards = append(cards, fmt.Sprintf("HISTORY step %d", i))
	}
	cards = append(cards,
		"COMMENT   no value here",
		"OBJECT  = 'NGC 7000'",
		"OBJECT  = 'second'",
		"END",
	)
	data := headerBlock(cards...)
	require.Equal(t, 2*blockSize, len(data))

	h, n, err := readHeader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.EqualValues(t, 2*blockSize, n)

	obj, err := h.String("OBJECT")
	require.NoError(t, err)
	assert.Equal(t, "NGC 7000", obj)
	assert.Len(t, h.Cards(), 3)
	assert.False(t, h.Has("COMMENT"))
}

func TestHeaderTypedReads(t *testing.T) {
	h, _, err := readHeader(bytes.NewReader(headerBlock(
		"SIMPLE  =                    T",
		"EMPTY   =",
		"BIG     =          99999999999",
		"FRAC    =                 12.9",
		"BARE    = FOO",
		"END",
	)))
	require.NoError(t, err)

	_, err = h.String("EMPTY")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrKeyNotFound))

	_, err = h.Int("BIG")
	assert.ErrorContains(t, err, "out of range")

	n, err := h.Int("FRAC")
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	s, err := h.String("BARE")
	require.NoError(t, err)
	assert.Equal(t, "FOO", s)

	_, err = h.Float("BARE")
	assert.Error(t, err)

	_, err = h.Float("MISSING")
	assert.True(t, errors.Is(err, ErrKeyNotFound))
	var readErr *ReadError
	require.ErrorAs(t, err, &readErr)
	assert.Equal(t, "MISSING", readErr.Key)
}

func TestReadHeaderRejectsEmpty(t *testing.T) {
	_, _, err := readHeader(bytes.NewReader(nil))
	assert.ErrorContains(t, err, "empty")
}
