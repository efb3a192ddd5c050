// Package target expands scan-target specifiers (single IPs, hostnames,
// CIDR blocks) into flat address lists and partitions them into
// fixed-size chunks for dispatch. Malformed specifiers pass through as
// opaque single addresses rather than erroring, so one bad entry never
// sinks a task.
package target

import (
	"math"
	"net/netip"
	"strings"
)

// DefaultChunkSize is the number of addresses per dispatched chunk.
const DefaultChunkSize = 256

// Expand enumerates every specifier into a flat, ordered address list.
// CIDR blocks expand to their host addresses; for IPv4 prefixes shorter
// than /31 the network and broadcast addresses are excluded. Hostnames,
// single IPs and malformed entries map to themselves.
func Expand(targets []string) []string {
	var out []string
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(t)
		if err != nil {
			out = append(out, t)
			continue
		}
		out = append(out, expandPrefix(prefix)...)
	}
	return out
}

// Count returns the total number of addresses Expand would produce,
// without materializing large CIDR ranges. Counts above MaxInt saturate.
func Count(targets []string) int {
	total := 0
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(t)
		if err != nil {
			total++
			continue
		}
		n := prefixCount(prefix)
		if n > math.MaxInt-total {
			return math.MaxInt
		}
		total += n
	}
	return total
}

// Chunk partitions addresses into slices of at most size entries,
// preserving order. A size of zero or less falls back to
// DefaultChunkSize.
func Chunk(addresses []string, size int) [][]string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var chunks [][]string
	for start := 0; start < len(addresses); start += size {
		end := start + size
		if end > len(addresses) {
			end = len(addresses)
		}
		chunks = append(chunks, addresses[start:end])
	}
	return chunks
}

func prefixCount(prefix netip.Prefix) int {
	bits := prefix.Addr().BitLen() - prefix.Bits()
	if bits >= 63 {
		return math.MaxInt
	}
	n := 1 << bits
	if prefix.Addr().Is4() && prefix.Bits() < 31 {
		n -= 2
	}
	return n
}

func expandPrefix(prefix netip.Prefix) []string {
	prefix = prefix.Masked()
	count := prefixCount(prefix)
	excludeEdges := prefix.Addr().Is4() && prefix.Bits() < 31

	out := make([]string, 0, count)
	addr := prefix.Addr()
	if excludeEdges {
		addr = addr.Next()
	}
	for prefix.Contains(addr) && len(out) < count {
		out = append(out, addr.String())
		addr = addr.Next()
	}
	return out
}
