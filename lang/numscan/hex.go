// Package numscan implements the lenient conversion of strings to
// hexadecimal integers: the longest prefix of the string that reads as a
// hexadecimal integer is converted and the rest is ignored, so that the
// conversion never fails.
//
// The accepted prefix is described by the HexPrefix production of
// lang/grammar/hex.ebnf: optional leading white space, an optional sign, an
// optional "0x" or "0X" radix prefix and a sequence of hexadecimal digits
// where a single '_' may separate two digits. Anything else ends the number,
// and a string with no digits converts to 0.
package numscan

import (
	"errors"
	"math/big"
	"strconv"
	"strings"
)

// ScanHexPrefix scans the longest hexadecimal integer prefix of s. It returns
// whether the number is negative, its digits with separators removed, and the
// number of bytes of s that make up the prefix. If s does not start with a
// hexadecimal integer, digits is empty and n is 0.
func ScanHexPrefix(s string) (neg bool, digits string, n int) {
	var i int
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		neg = s[i] == '-'
		i++
	}
	if i+1 < len(s) && s[i] == '0' && lower(s[i+1]) == 'x' {
		i += 2
	}

	var sb strings.Builder
	for ; i < len(s); i++ {
		ch := s[i]
		if isHexadecimal(ch) {
			sb.WriteByte(ch)
			continue
		}
		// '_' must separate successive digits
		if ch == '_' && sb.Len() > 0 && i+1 < len(s) && isHexadecimal(s[i+1]) {
			continue
		}
		break
	}

	if sb.Len() == 0 {
		return false, "", 0
	}
	return neg, sb.String(), i
}

// ParseHexPrefix converts the hexadecimal integer prefix of s to an int64. A
// value that does not fit in an int64 saturates to math.MaxInt64 or
// math.MinInt64, use ParseHexPrefixBig for the exact value.
func ParseHexPrefix(s string) int64 {
	neg, digits, _ := ScanHexPrefix(s)
	if digits == "" {
		return 0
	}
	if neg {
		digits = "-" + digits
	}

	v, err := strconv.ParseInt(digits, 16, 64)
	if err != nil {
		// on overflow, ParseInt returns the saturated value
		if errors.Is(err, strconv.ErrRange) {
			return v
		}
		return 0
	}
	return v
}

// ParseHexPrefixBig converts the hexadecimal integer prefix of s to an
// arbitrary-precision integer.
func ParseHexPrefixBig(s string) *big.Int {
	neg, digits, _ := ScanHexPrefix(s)
	v := new(big.Int)
	if digits == "" {
		return v
	}
	if _, ok := v.SetString(digits, 16); !ok {
		return v.SetInt64(0)
	}
	if neg {
		v.Neg(v)
	}
	return v
}

func isSpace(ch byte) bool {
	switch ch {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

func isDecimal(ch byte) bool {
	return '0' <= ch && ch <= '9'
}

func isHexadecimal(ch byte) bool {
	return isDecimal(ch) ||
		'a' <= ch && ch <= 'f' ||
		'A' <= ch && ch <= 'F'
}

func lower(ch byte) byte {
	return ('a' - 'A') | ch // returns lower-case ch iff ch is ASCII letter
}
