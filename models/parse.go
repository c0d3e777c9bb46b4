package models

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Option instrument names follow the venue's BTC-27MAR26-50000-C shape:
// currency, expiry date, strike, C/P.

// IsCallInstrument reports whether the name denotes a call.
func IsCallInstrument(name string) bool {
	return strings.HasSuffix(strings.ToUpper(name), "-C")
}

// StrikeFromInstrument extracts the strike, or 0 when unparsable.
func StrikeFromInstrument(name string) float64 {
	parts := strings.Split(name, "-")
	if len(parts) < 4 {
		return 0
	}
	k, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0
	}
	return k
}

// ExpiryFromInstrument parses the embedded expiry date. Options settle
// at 08:00 UTC on the expiry day. Returns 0 when unparsable.
func ExpiryFromInstrument(name string) int64 {
	parts := strings.Split(name, "-")
	if len(parts) < 2 {
		return 0
	}
	d := []byte(strings.ToLower(parts[1]))
	for i := range d {
		if d[i] >= 'a' && d[i] <= 'z' {
			d[i] -= 'a' - 'A'
			break
		}
	}
	t, err := time.Parse("2Jan06", string(d))
	if err != nil {
		return 0
	}
	return t.Add(8 * time.Hour).UnixMilli()
}

// BucketStrike rounds a strike to the cluster grid.
func BucketStrike(strike, width float64) int64 {
	if width <= 0 {
		return int64(math.Round(strike))
	}
	return int64(math.Round(strike/width) * width)
}

// MakeClusterKey derives the cluster identity for an option.
func MakeClusterKey(expiryMs int64, isCall bool, strike, bucketWidth float64) ClusterKey {
	return ClusterKey{
		ExpiryMs:     expiryMs,
		IsCall:       isCall,
		StrikeBucket: BucketStrike(strike, bucketWidth),
	}
}

// String renders the key in the snapshot wire form "expiry|cp|strike".
func (k ClusterKey) String() string {
	cp := "0"
	if k.IsCall {
		cp = "1"
	}
	return strconv.FormatInt(k.ExpiryMs, 10) + "|" + cp + "|" + strconv.FormatInt(k.StrikeBucket, 10)
}

// ParseClusterKey is the inverse of ClusterKey.String. Malformed keys
// return ok=false; snapshot loading skips them.
func ParseClusterKey(s string) (ClusterKey, bool) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return ClusterKey{}, false
	}
	exp, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ClusterKey{}, false
	}
	strike, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return ClusterKey{}, false
	}
	return ClusterKey{ExpiryMs: exp, IsCall: parts[1] == "1", StrikeBucket: strike}, true
}
