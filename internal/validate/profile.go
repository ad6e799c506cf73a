package validate

import (
	"sort"
	"strings"
)

// Predefined profile names.
const (
	ProfileSnapshot        = "snapshot"
	ProfileTimeSeries      = "time_series"
	ProfileCryptoMetrics   = "crypto_metrics"
	ProfileMarketSentiment = "market_sentiment"
)

// Allowances relax sign and consistency checks for sources where the value
// is legitimately negative or inverted.
type Allowances struct {
	NegativeVolume       bool `mapstructure:"negative_volume"        yaml:"negative_volume"`
	NegativeOpenInterest bool `mapstructure:"negative_open_interest" yaml:"negative_open_interest"`
	NegativePrice        bool `mapstructure:"negative_price"         yaml:"negative_price"`
	// NegativeValues allows negatives in every other numeric column.
	NegativeValues bool `mapstructure:"negative_values" yaml:"negative_values"`
	// OHLCInversion downgrades High < Low from an error to a warning.
	OHLCInversion bool `mapstructure:"ohlc_inversion" yaml:"ohlc_inversion"`
}

// Profile is a named validation policy.
type Profile struct {
	Name    string `mapstructure:"name"     yaml:"name"`
	MinRows int    `mapstructure:"min_rows" yaml:"min_rows"`
	// MaxRows of zero means unbounded.
	MaxRows             int        `mapstructure:"max_rows"              yaml:"max_rows"`
	RequireTimeAxis     bool       `mapstructure:"require_time_axis"     yaml:"require_time_axis"`
	SkipContinuityCheck bool       `mapstructure:"skip_continuity_check" yaml:"skip_continuity_check"`
	Strict              bool       `mapstructure:"strict"                yaml:"strict"`
	Allow               Allowances `mapstructure:"allow"                 yaml:"allow"`
}

// Snapshot is a single-row current-value source.
func Snapshot() Profile {
	return Profile{Name: ProfileSnapshot, MinRows: 1, MaxRows: 1, SkipContinuityCheck: true}
}

// TimeSeries is a dated series that must carry a time axis.
func TimeSeries() Profile {
	return Profile{Name: ProfileTimeSeries, MinRows: 1, RequireTimeAxis: true}
}

// CryptoMetrics is a snapshot of on-chain metrics where net flows go negative.
func CryptoMetrics() Profile {
	return Profile{
		Name: ProfileCryptoMetrics, MinRows: 1, MaxRows: 1, SkipContinuityCheck: true,
		Allow: Allowances{NegativeValues: true},
	}
}

// MarketSentiment is an economic indicator series that may be negative.
func MarketSentiment() Profile {
	return Profile{
		Name: ProfileMarketSentiment, MinRows: 1, RequireTimeAxis: true,
		Allow: Allowances{
			NegativeVolume:       true,
			NegativeOpenInterest: true,
			NegativePrice:        true,
			NegativeValues:       true,
		},
	}
}

// ProfileSet selects a profile by source identity: exact identity first,
// then the longest matching prefix, then the default.
type ProfileSet struct {
	profiles map[string]Profile
	exact    map[string]string
	prefixes []prefixRule
	fallback string
}

type prefixRule struct {
	prefix  string
	profile string
}

// NewProfileSet creates a set holding the predefined profiles, defaulting to
// snapshot.
func NewProfileSet() *ProfileSet {
	s := &ProfileSet{
		profiles: make(map[string]Profile),
		exact:    make(map[string]string),
		fallback: ProfileSnapshot,
	}
	for _, p := range []Profile{Snapshot(), TimeSeries(), CryptoMetrics(), MarketSentiment()} {
		s.Add(p)
	}
	return s
}

// DefaultProfileSet adds the stock provider prefixes to NewProfileSet.
func DefaultProfileSet() *ProfileSet {
	s := NewProfileSet()
	for prefix, name := range map[string]string{
		"coinglass":     ProfileCryptoMetrics,
		"dune":          ProfileSnapshot,
		"theblock":      ProfileTimeSeries,
		"coingecko":     ProfileTimeSeries,
		"cryptocompare": ProfileTimeSeries,
		"alphavantage":  ProfileSnapshot,
		"invezz":        ProfileCryptoMetrics,
		"bitcoin_com":   ProfileCryptoMetrics,
		"fred":          ProfileMarketSentiment,
	} {
		s.MapPrefix(prefix, name)
	}
	return s
}

// Add registers or replaces a profile by name.
func (s *ProfileSet) Add(p Profile) {
	s.profiles[p.Name] = p
}

// Get returns a profile by name.
func (s *ProfileSet) Get(name string) (Profile, bool) {
	p, ok := s.profiles[name]
	return p, ok
}

// MapIdentity binds an exact source identity to a profile name.
func (s *ProfileSet) MapIdentity(identity, profile string) {
	s.exact[identity] = profile
}

// MapPrefix binds an identity prefix to a profile name.
func (s *ProfileSet) MapPrefix(prefix, profile string) {
	for i, r := range s.prefixes {
		if r.prefix == prefix {
			s.prefixes[i].profile = profile
			return
		}
	}
	s.prefixes = append(s.prefixes, prefixRule{prefix: prefix, profile: profile})
	sort.SliceStable(s.prefixes, func(i, j int) bool {
		return len(s.prefixes[i].prefix) > len(s.prefixes[j].prefix)
	})
}

// SetDefault changes the fallback profile name.
func (s *ProfileSet) SetDefault(profile string) {
	s.fallback = profile
}

// Resolve returns the profile for a source identity. An explicit profile
// name, when non-empty and known, wins over identity mapping.
func (s *ProfileSet) Resolve(identity, explicit string) Profile {
	if p, ok := s.profiles[explicit]; ok && explicit != "" {
		return p
	}
	if name, ok := s.exact[identity]; ok {
		if p, found := s.profiles[name]; found {
			return p
		}
	}
	lower := strings.ToLower(identity)
	for _, r := range s.prefixes {
		if strings.HasPrefix(lower, r.prefix) {
			if p, found := s.profiles[r.profile]; found {
				return p
			}
		}
	}
	if p, ok := s.profiles[s.fallback]; ok {
		return p
	}
	return Snapshot()
}
