// Package base45 implements the Base45 encoding of RFC 9285, as used by the
// EU digital green certificate stack and by Verifiable Health Links.
package base45

import "fmt"

const alphabet = `0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ $%*+-./:`

var reverse = func() (t [256]int16) {
	for i := range t {
		t[i] = -1
	}
	for i, c := range alphabet {
		t[c] = int16(i)
	}
	return t
}()

// Encode returns the Base45 encoding of src.
func Encode(src []byte) string {
	out := make([]byte, 0, (len(src)/2)*3+3)
	for len(src) >= 2 {
		n := uint32(src[0])<<8 | uint32(src[1])
		out = append(out,
			alphabet[n%45],
			alphabet[n/45%45],
			alphabet[n/(45*45)])
		src = src[2:]
	}
	if len(src) == 1 {
		n := uint32(src[0])
		out = append(out,
			alphabet[n%45],
			alphabet[n/45])
	}
	return string(out)
}

// Decode returns the bytes encoded in s.
func Decode(s string) ([]byte, error) {
	switch len(s) % 3 {
	case 0, 2:
	default:
		return nil, fmt.Errorf("base45: invalid length %d", len(s))
	}
	out := make([]byte, 0, (len(s)/3)*2+1)
	digit := func(i int) (uint32, error) {
		v := reverse[s[i]]
		if v == -1 {
			return 0, fmt.Errorf("base45: invalid byte %q at %d", s[i], i)
		}
		return uint32(v), nil
	}
	for i := 0; i < len(s); i += 3 {
		c, err := digit(i)
		if err != nil {
			return nil, err
		}
		d, err := digit(i + 1)
		if err != nil {
			return nil, err
		}
		if i+2 == len(s) {
			// Trailing two-character group encodes one byte.
			n := c + d*45
			if n > 0xff {
				return nil, fmt.Errorf("base45: overflow in final group")
			}
			out = append(out, byte(n))
			break
		}
		e, err := digit(i + 2)
		if err != nil {
			return nil, err
		}
		n := c + d*45 + e*45*45
		if n > 0xffff {
			return nil, fmt.Errorf("base45: overflow in group at %d", i)
		}
		out = append(out, byte(n>>8), byte(n))
	}
	return out, nil
}
