// Package addr implements the multicast group addressing model (spec §4.2):
// parsing and rendering of "A.B.C.D[+N]:PORT" descriptors, multicast-range
// enumeration, and the is_multicast predicate.
//
// Grounded on the teacher's own address/port handling in kissnet.go
// (building a `:port` listen address) and dns_sd.go (service port
// modelling), generalised to the richer "+N" range syntax this spec needs.
package addr

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/shaoguangleo/corr2/internal/corerr"
)

// Address is a parsed multicast (or unicast) group descriptor.
type Address struct {
	A, B, C, D int // octets of the base IP
	N          int // the "+N" suffix; range is N+1. Zero when absent.
	Port       int
}

// Range is the number of consecutive IPs this address spans.
func (a Address) Range() int { return a.N + 1 }

// IP returns the base address as a net.IP.
func (a Address) IP() net.IP {
	return net.IPv4(byte(a.A), byte(a.B), byte(a.C), byte(a.D))
}

// IsMulticast reports whether the base address falls in 224.0.0.0/4
// through 239.255.255.255 (spec §4.2: 224 ≤ first octet ≤ 239).
func (a Address) IsMulticast() bool {
	return a.A >= 224 && a.A <= 239
}

// String renders the address in a canonical form that Parse accepts and
// that parses back to an equal Address. It does not reproduce the input
// text byte-for-byte: a "+0" count is omitted ("239.1.2.3+0:7148"
// renders as "239.1.2.3:7148") and numbers lose any leading zeros.
func (a Address) String() string {
	if a.N == 0 {
		return fmt.Sprintf("%d.%d.%d.%d:%d", a.A, a.B, a.C, a.D, a.Port)
	}
	return fmt.Sprintf("%d.%d.%d.%d+%d:%d", a.A, a.B, a.C, a.D, a.N, a.Port)
}

// Equal is structural equality (spec §4.2).
func (a Address) Equal(o Address) bool {
	return a == o
}

// Parse accepts exactly "A.B.C.D[+N]:PORT" with 0 ≤ A..D ≤ 255, N ≥ 0,
// 1 ≤ PORT ≤ 65535.
func Parse(s string) (Address, error) {
	var hostPart, portPart, ok = cut(s, ":")
	if !ok {
		return Address{}, corerr.New(corerr.BadAddress, "%q: missing :port", s)
	}

	var port, portErr = strconv.Atoi(portPart)
	if portErr != nil || port < 1 || port > 65535 {
		return Address{}, corerr.New(corerr.BadAddress, "%q: invalid port %q", s, portPart)
	}

	var ipPart = hostPart
	var n = 0
	if base, nStr, hasRange := cut(hostPart, "+"); hasRange {
		ipPart = base
		parsedN, nErr := strconv.Atoi(nStr)
		if nErr != nil || parsedN < 0 {
			return Address{}, corerr.New(corerr.BadAddress, "%q: invalid range %q", s, nStr)
		}
		n = parsedN
	}

	var octets = strings.Split(ipPart, ".")
	if len(octets) != 4 {
		return Address{}, corerr.New(corerr.BadAddress, "%q: expected 4 octets, got %d", s, len(octets))
	}

	var parsed [4]int
	for i, o := range octets {
		var v, err = strconv.Atoi(o)
		if err != nil || v < 0 || v > 255 {
			return Address{}, corerr.New(corerr.BadAddress, "%q: invalid octet %q", s, o)
		}
		parsed[i] = v
	}

	return Address{A: parsed[0], B: parsed[1], C: parsed[2], D: parsed[3], N: n, Port: port}, nil
}

func cut(s, sep string) (before, after string, found bool) {
	var i = strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}

// Enumerate yields the Range() consecutive IPs starting at the base
// address. Wrapping past 255.255.255.255 fails with address_overflow.
func Enumerate(a Address) ([]net.IP, error) {
	var out = make([]net.IP, 0, a.Range())
	var value = uint32(a.A)<<24 | uint32(a.B)<<16 | uint32(a.C)<<8 | uint32(a.D)

	for i := 0; i < a.Range(); i++ {
		var cur = uint64(value) + uint64(i)
		if cur > 0xFFFFFFFF {
			return nil, corerr.New(corerr.AddressOverflow, "%s: range of %d overflows past 255.255.255.255", a, a.Range())
		}
		out = append(out, net.IPv4(byte(cur>>24), byte(cur>>16), byte(cur>>8), byte(cur)))
	}
	return out, nil
}
