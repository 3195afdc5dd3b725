package fits

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
)

const (
	blockSize = 2880
	cardSize  = 80
)

// ErrKeyNotFound reports a keyword that is not present in the header.
var ErrKeyNotFound = errors.New("keyword does not exist")

// Card is a single header record. Raw holds the unparsed value field.
type Card struct {
	Key     string
	Raw     string
	Comment string
}

// Header is the parsed keyword section of the primary HDU.
type Header struct {
	cards   []Card
	index   map[string]int
	lookups atomic.Int64
}

// readHeader consumes header blocks up to and including the one holding END.
// It returns the parsed header and the number of bytes consumed.
func readHeader(r io.Reader) (*Header, int64, error) {
	h := &Header{index: make(map[string]int)}
	block := make([]byte, blockSize)
	var consumed int64
	for {
		if _, err := io.ReadFull(r, block); err != nil {
			if consumed == 0 && errors.Is(err, io.EOF) {
				return nil, 0, errors.New("empty file")
			}
			return nil, consumed, fmt.Errorf("reading header block: %w", err)
		}
		consumed += blockSize
		for off := 0; off < blockSize; off += cardSize {
			line := block[off : off+cardSize]
			if consumed == blockSize && off == 0 && !bytes.HasPrefix(line, []byte("SIMPLE  =")) {
				return nil, consumed, errors.New("not a FITS file: missing SIMPLE keyword")
			}
			key := strings.TrimRight(string(line[:8]), " ")
			if key == "END" {
				return h, consumed, nil
			}
			if string(line[8:10]) != "= " {
				// COMMENT, HISTORY and blank records carry no value.
				continue
			}
			card, err := parseCard(key, string(line[10:]))
			if err != nil {
				return nil, consumed, err
			}
			if _, dup := h.index[key]; !dup {
				h.index[key] = len(h.cards)
			}
			h.cards = append(h.cards, card)
		}
	}
}

func parseCard(key, field string) (Card, error) {
	trimmed := strings.TrimLeft(field, " ")
	if strings.HasPrefix(trimmed, "'") {
		var sb strings.Builder
		sb.WriteByte('\'')
		i := 1
		closed := false
		for i < len(trimmed) {
			c := trimmed[i]
			if c == '\'' {
				if i+1 < len(trimmed) && trimmed[i+1] == '\'' {
					sb.WriteString("''")
					i += 2
					continue
				}
				sb.WriteByte('\'')
				i++
				closed = true
				break
			}
			sb.WriteByte(c)
			i++
		}
		if !closed {
			return Card{}, fmt.Errorf("keyword %s: unterminated string value", key)
		}
		rest := trimmed[i:]
		comment := ""
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			comment = strings.TrimSpace(rest[idx+1:])
		}
		return Card{Key: key, Raw: sb.String(), Comment: comment}, nil
	}
	raw := trimmed
	comment := ""
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		raw = trimmed[:idx]
		comment = strings.TrimSpace(trimmed[idx+1:])
	}
	return Card{Key: key, Raw: strings.TrimSpace(raw), Comment: comment}, nil
}

func (h *Header) lookup(key string) (Card, error) {
	h.lookups.Add(1)
	idx, ok := h.index[key]
	if !ok {
		return Card{}, &ReadError{Key: key, Err: ErrKeyNotFound}
	}
	return h.cards[idx], nil
}

// Has reports whether key is present.
func (h *Header) Has(key string) bool {
	_, ok := h.index[key]
	return ok
}

// Lookups reports how many keyword reads have been made against h.
func (h *Header) Lookups() int64 { return h.lookups.Load() }

// Cards returns the valued records in file order.
func (h *Header) Cards() []Card {
	out := make([]Card, len(h.cards))
	copy(out, h.cards)
	return out
}

// String reads a character value. Unquoted values are returned verbatim.
func (h *Header) String(key string) (string, error) {
	card, err := h.lookup(key)
	if err != nil {
		return "", err
	}
	if card.Raw == "" {
		return "", &ReadError{Key: key, Err: errors.New("value is undefined")}
	}
	if !isQuoted(card.Raw) {
		return card.Raw, nil
	}
	s := card.Raw[1 : len(card.Raw)-1]
	s = strings.ReplaceAll(s, "''", "'")
	return strings.TrimRight(s, " "), nil
}

// Float reads a numeric value as float64.
func (h *Header) Float(key string) (float64, error) {
	card, err := h.lookup(key)
	if err != nil {
		return 0, err
	}
	v, err := parseNumber(card.Raw)
	if err != nil {
		return 0, &ReadError{Key: key, Err: err}
	}
	return v, nil
}

// Int reads a numeric value truncated to an integer.
func (h *Header) Int(key string) (int, error) {
	card, err := h.lookup(key)
	if err != nil {
		return 0, err
	}
	if n, perr := strconv.ParseInt(card.Raw, 10, 64); perr == nil {
		if n > math.MaxInt32 || n < math.MinInt32 {
			return 0, &ReadError{Key: key, Err: fmt.Errorf("value %d out of range", n)}
		}
		return int(n), nil
	}
	v, err := parseNumber(card.Raw)
	if err != nil {
		return 0, &ReadError{Key: key, Err: err}
	}
	if v > math.MaxInt32 || v < math.MinInt32 {
		return 0, &ReadError{Key: key, Err: fmt.Errorf("value %g out of range", v)}
	}
	return int(v), nil
}

func parseNumber(raw string) (float64, error) {
	switch {
	case raw == "":
		return 0, errors.New("value is undefined")
	case isQuoted(raw):
		return 0, fmt.Errorf("string value %s is not numeric", raw)
	case raw == "T" || raw == "F":
		return 0, fmt.Errorf("logical value %s is not numeric", raw)
	}
	v, err := strconv.ParseFloat(strings.NewReplacer("D", "E", "d", "e").Replace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("bad numeric value %q", raw)
	}
	return v, nil
}

func isQuoted(raw string) bool {
	return len(raw) >= 2 && raw[0] == '\'' && raw[len(raw)-1] == '\''
}
