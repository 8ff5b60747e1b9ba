/**
 * @description
 * This package computes the verification fee charged before a merchant's
 * details are disclosed. The fee is a banded lookup over the intended payment
 * amount: amounts up to a band's threshold pay that band's flat fee, and
 * anything above the last threshold pays the configured maximum.
 *
 * The band table is configuration, not control flow: it has drifted across
 * business revisions and must be changeable without a code edit.
 *
 * @dependencies
 * - errors, fmt, sort, strconv, strings: Standard Go libraries.
 */

package feepolicy

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidAmount is returned for non-positive intended amounts.
var ErrInvalidAmount = errors.New("intended amount must be positive")

// DefaultBands is the band table the service ships with, matching the current
// business schedule (thresholds and fees in whole KES).
const DefaultBands = "1000:1,5000:5,10000:10,20000:15,30000:20,50000:30"

// DefaultMaxFee applies above the last band threshold.
const DefaultMaxFee int64 = 50

type band struct {
	upTo int64
	fee  int64
}

// Policy maps an intended payment amount to a verification fee. It is
// immutable after construction and safe for concurrent use.
type Policy struct {
	bands  []band
	maxFee int64
}

// New builds a Policy from a band spec of the form
// "threshold:fee,threshold:fee,..." plus the fee applied above the last
// threshold. Bands are sorted by threshold; fees must be non-decreasing so the
// policy stays monotone.
func New(bandSpec string, maxFee int64) (*Policy, error) {
	if maxFee <= 0 {
		return nil, fmt.Errorf("max fee must be positive, got %d", maxFee)
	}

	spec := strings.TrimSpace(bandSpec)
	if spec == "" {
		spec = DefaultBands
	}

	var bands []band
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed fee band %q", part)
		}
		upTo, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
		if err != nil || upTo <= 0 {
			return nil, fmt.Errorf("malformed fee band threshold %q", fields[0])
		}
		fee, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
		if err != nil || fee <= 0 {
			return nil, fmt.Errorf("malformed fee band fee %q", fields[1])
		}
		bands = append(bands, band{upTo: upTo, fee: fee})
	}
	if len(bands) == 0 {
		return nil, errors.New("fee band table is empty")
	}

	sort.Slice(bands, func(i, j int) bool { return bands[i].upTo < bands[j].upTo })

	for i := 1; i < len(bands); i++ {
		if bands[i].upTo == bands[i-1].upTo {
			return nil, fmt.Errorf("duplicate fee band threshold %d", bands[i].upTo)
		}
		if bands[i].fee < bands[i-1].fee {
			return nil, fmt.Errorf("fee bands must be non-decreasing, band %d drops to %d", bands[i].upTo, bands[i].fee)
		}
	}
	if maxFee < bands[len(bands)-1].fee {
		return nil, fmt.Errorf("max fee %d is below the last band fee %d", maxFee, bands[len(bands)-1].fee)
	}

	return &Policy{bands: bands, maxFee: maxFee}, nil
}

// Default returns the policy built from DefaultBands and DefaultMaxFee.
func Default() *Policy {
	p, err := New(DefaultBands, DefaultMaxFee)
	if err != nil {
		// The default table is a compile-time constant; it cannot fail to parse.
		panic(err)
	}
	return p
}

// Fee returns the verification fee for the given intended amount. The result
// is deterministic and non-decreasing in amount.
func (p *Policy) Fee(amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	for _, b := range p.bands {
		if amount <= b.upTo {
			return b.fee, nil
		}
	}
	return p.maxFee, nil
}
