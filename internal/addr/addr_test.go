package addr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/shaoguangleo/corr2/internal/addr"
	"github.com/shaoguangleo/corr2/internal/corerr"
)

func TestParseBasic(t *testing.T) {
	var a, err = addr.Parse("239.1.2.3:7148")
	require.NoError(t, err)
	assert.Equal(t, addr.Address{A: 239, B: 1, C: 2, D: 3, N: 0, Port: 7148}, a)
	assert.Equal(t, 1, a.Range())
}

func TestParseWithRange(t *testing.T) {
	var a, err = addr.Parse("239.1.2.3+15:7148")
	require.NoError(t, err)
	assert.Equal(t, 15, a.N)
	assert.Equal(t, 16, a.Range())
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, bad := range []string{
		"256.1.2.3:7148",
		"1.2.3:7148",
		"1.2.3.4",
		"1.2.3.4:0",
		"1.2.3.4:70000",
		"1.2.3.4+-1:100",
		"not.an.ip.addr:100",
	} {
		var _, err = addr.Parse(bad)
		require.Error(t, err, bad)
		e, ok := corerr.As(err)
		require.True(t, ok)
		assert.Equal(t, corerr.BadAddress, e.Kind)
	}
}

func TestIsMulticast(t *testing.T) {
	var mc, _ = addr.Parse("224.0.0.1:1")
	assert.True(t, mc.IsMulticast())

	var mc2, _ = addr.Parse("239.255.255.255:1")
	assert.True(t, mc2.IsMulticast())

	var uc, _ = addr.Parse("10.0.0.1:1")
	assert.False(t, uc.IsMulticast())

	var uc2, _ = addr.Parse("240.0.0.1:1")
	assert.False(t, uc2.IsMulticast())
}

func TestEnumerate(t *testing.T) {
	var a, _ = addr.Parse("239.1.2.254+2:100")
	var ips, err = addr.Enumerate(a)
	require.NoError(t, err)
	require.Len(t, ips, 3)
	assert.Equal(t, "239.1.2.254", ips[0].String())
	assert.Equal(t, "239.1.2.255", ips[1].String())
	assert.Equal(t, "239.1.3.0", ips[2].String())
}

func TestEnumerateOverflow(t *testing.T) {
	var a, _ = addr.Parse("255.255.255.255+1:100")
	var _, err = addr.Enumerate(a)
	require.Error(t, err)
	e, _ := corerr.As(err)
	assert.Equal(t, corerr.AddressOverflow, e.Kind)
}

// TestParseRenderRoundTrip is the property spec §8 names explicitly:
// parse(render(a)) = a on all well-formed addresses.
func TestParseRenderRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var a = addr.Address{
			A:    rapid.IntRange(0, 255).Draw(t, "a"),
			B:    rapid.IntRange(0, 255).Draw(t, "b"),
			C:    rapid.IntRange(0, 255).Draw(t, "c"),
			D:    rapid.IntRange(0, 255).Draw(t, "d"),
			N:    rapid.IntRange(0, 1000).Draw(t, "n"),
			Port: rapid.IntRange(1, 65535).Draw(t, "port"),
		}

		var rendered = a.String()
		var reparsed, err = addr.Parse(rendered)
		require.NoError(t, err)
		assert.True(t, a.Equal(reparsed), "round trip mismatch: %v != %v (via %q)", a, reparsed, rendered)
	})
}

func TestEqualityIsStructural(t *testing.T) {
	var a, _ = addr.Parse("239.1.2.3+1:100")
	var b, _ = addr.Parse("239.1.2.3+1:100")
	var c, _ = addr.Parse("239.1.2.3+2:100")

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}
