package vocab

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Encoding identifies how a tokenizer family spells raw bytes in its token
// strings.
type Encoding int

const (
	// Raw token strings are the output bytes themselves.
	Raw Encoding = iota
	// ByteLevel is the GPT-2 convention: every byte is remapped to a
	// printable rune, so a leading space is spelled "Ġ".
	ByteLevel
	// SentencePiece replaces spaces with "▁" and spells bytes that have no
	// piece of their own as "<0xNN>".
	SentencePiece
)

func (e Encoding) String() string {
	switch e {
	case Raw:
		return "raw"
	case ByteLevel:
		return "byte-level"
	case SentencePiece:
		return "sentencepiece"
	default:
		return "Encoding(" + strconv.Itoa(int(e)) + ")"
	}
}

// ParseEncoding accepts the names printed by String as well as the
// tokenizer.ggml.model values used by GGUF files.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(s) {
	case "raw", "":
		return Raw, nil
	case "byte-level", "bytelevel", "gpt2":
		return ByteLevel, nil
	case "sentencepiece", "spm", "llama":
		return SentencePiece, nil
	default:
		return Raw, fmt.Errorf("unknown encoding %q", s)
	}
}

const spmWhitespaceSep = "▁"

var (
	byteToRune [256]rune
	runeToByte = make(map[rune]byte, 256)
)

func init() {
	for b := 0; b < 256; b++ {
		r := rune(b)
		switch {
		case r == 0x00ad:
			r = 0x0143
		case r <= 0x0020:
			r = r + 0x0100
		case r >= 0x007f && r <= 0x00a0:
			r = r + 0x00a2
		}
		byteToRune[b] = r
		runeToByte[r] = byte(b)
	}
}

// canonical returns the output bytes a token string stands for. ok is false
// when the string cannot be spelled under the encoding.
func (e Encoding) canonical(s string) (b []byte, fallback bool, ok bool) {
	switch e {
	case ByteLevel:
		b = make([]byte, 0, len(s))
		for _, r := range s {
			c, ok := runeToByte[r]
			if !ok {
				return nil, false, false
			}
			b = append(b, c)
		}
		return b, false, true
	case SentencePiece:
		if c, ok := byteFallback(s); ok {
			return []byte{c}, true, true
		}
		return []byte(strings.ReplaceAll(s, spmWhitespaceSep, " ")), false, utf8.ValidString(s)
	default:
		return []byte(s), false, true
	}
}

// spell is the inverse of canonical for text fragments used by the prompt
// encoder.
func (e Encoding) spell(b []byte) string {
	switch e {
	case ByteLevel:
		var sb strings.Builder
		for _, c := range b {
			sb.WriteRune(byteToRune[c])
		}
		return sb.String()
	case SentencePiece:
		return strings.ReplaceAll(string(b), " ", spmWhitespaceSep)
	default:
		return string(b)
	}
}

// byteFallback parses "<0xNN>".
func byteFallback(s string) (byte, bool) {
	if len(s) != 6 || !strings.HasPrefix(s, "<0x") || s[5] != '>' {
		return 0, false
	}

	n, err := strconv.ParseUint(s[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(n), true
}
