package skysim

import (
	"fmt"
	"slices"
	"strings"
)

// Channel is a frequency channel in GHz.
type Channel int

// Field selects the intensity or the polarization noise model.
type Field int

const (
	FieldIntensity Field = iota
	FieldPolarization
)

func (f Field) String() string {
	switch f {
	case FieldIntensity:
		return "I"
	case FieldPolarization:
		return "P"
	default:
		return "Unknown"
	}
}

// ParseField accepts I (or T) and P.
func ParseField(tag string) (Field, error) {
	switch strings.ToUpper(tag) {
	case "I", "T":
		return FieldIntensity, nil
	case "P":
		return FieldPolarization, nil
	default:
		return 0, &ErrInvalidField{Tag: tag}
	}
}

// StokesPair indexes the fields of a covariance file, in file order.
type StokesPair int

const (
	PairII StokesPair = iota
	PairIQ
	PairIU
	PairQQ
	PairQU
	PairUU
)

var stokesPairNames = [...]string{"II", "IQ", "IU", "QQ", "QU", "UU"}

func (p StokesPair) String() string {
	if p < 0 || int(p) >= len(stokesPairNames) {
		return "Unknown"
	}
	return stokesPairNames[p]
}

// ParseStokesPair accepts the covariance tags II, IQ, IU, QQ, QU and UU.
func ParseStokesPair(tag string) (StokesPair, error) {
	i := slices.Index(stokesPairNames[:], strings.ToUpper(tag))
	if i < 0 {
		return 0, &ErrInvalidStokesPair{Tag: tag}
	}
	return StokesPair(i), nil
}

// IsVariance reports whether the pair is a diagonal element.
func (p StokesPair) IsVariance() bool {
	return p == PairII || p == PairQQ || p == PairUU
}

// NoiseSpectrumParameters describe the red part of a noise spectrum.
type NoiseSpectrumParameters struct {
	Knee  float64
	Alpha float64
}

// ReferenceTables hold the tabulated knee multipoles and slopes at the
// reference frequencies.
type ReferenceTables struct {
	Frequencies []float64
	KneeI       []float64
	KneeP       []float64
	AlphaI      []float64
	AlphaP      []float64
}

// Validate checks that the tables can be interpolated.
func (t ReferenceTables) Validate() error {
	n := len(t.Frequencies)
	if n < 2 {
		return fmt.Errorf("%w: at least two reference frequencies are needed, got %d", ErrConfiguration, n)
	}
	for i := 1; i < n; i++ {
		if t.Frequencies[i] <= t.Frequencies[i-1] {
			return fmt.Errorf("%w: reference frequencies must be strictly increasing", ErrConfiguration)
		}
	}
	columns := map[string][]float64{
		"knee_I":  t.KneeI,
		"knee_P":  t.KneeP,
		"alpha_I": t.AlphaI,
		"alpha_P": t.AlphaP,
	}
	for name, col := range columns {
		if len(col) != n {
			return fmt.Errorf("%w: %s has %d values, expected %d", ErrConfiguration, name, len(col), n)
		}
		for _, v := range col {
			if v <= 0 {
				return fmt.Errorf("%w: %s values must be positive", ErrConfiguration, name)
			}
		}
	}
	return nil
}

// ChannelSpec holds the tabulated white level and beam of one channel.
type ChannelSpec struct {
	Channel    Channel
	WhiteI     float64 // µK·arcmin
	WhiteP     float64 // µK·arcmin
	BeamArcmin float64
}

// InstrumentModel is the immutable description of one instrument
// configuration.
type InstrumentModel struct {
	Name      string
	Reference ReferenceTables
	Channels  []ChannelSpec
}

// Supports reports whether the channel belongs to the model.
func (m InstrumentModel) Supports(ch Channel) bool {
	_, err := m.Spec(ch)
	return err == nil
}

// Spec returns the tabulated values of a channel.
func (m InstrumentModel) Spec(ch Channel) (ChannelSpec, error) {
	for _, spec := range m.Channels {
		if spec.Channel == ch {
			return spec, nil
		}
	}
	return ChannelSpec{}, &ErrUnsupportedChannel{Channel: ch}
}

// ChannelList returns the supported channels in table order.
func (m InstrumentModel) ChannelList() []Channel {
	out := make([]Channel, len(m.Channels))
	for i, spec := range m.Channels {
		out[i] = spec.Channel
	}
	return out
}

// Validate checks the reference tables and the channel list.
func (m InstrumentModel) Validate() error {
	if err := m.Reference.Validate(); err != nil {
		return err
	}
	if len(m.Channels) == 0 {
		return fmt.Errorf("%w: instrument %q has no channels", ErrConfiguration, m.Name)
	}
	seen := make(map[Channel]bool, len(m.Channels))
	for _, spec := range m.Channels {
		if seen[spec.Channel] {
			return fmt.Errorf("%w: channel %d listed twice", ErrConfiguration, spec.Channel)
		}
		seen[spec.Channel] = true
	}
	return nil
}

// PBDRTables returns the reference 1/f parameters of the survey design.
func PBDRTables() ReferenceTables {
	return ReferenceTables{
		Frequencies: []float64{25, 40, 90, 150, 230, 280},
		KneeI:       []float64{415, 391, 1932, 3017, 6740, 6792},
		KneeP:       []float64{700, 700, 700, 700, 700, 700},
		AlphaI:      []float64{3.5, 3.5, 3.5, 3.5, 3.5, 3.5},
		AlphaP:      []float64{1.4, 1.4, 1.4, 1.4, 1.4, 1.4},
	}
}

// DefaultInstrument returns the wide survey model with the channels stored
// on disk. White levels and beams are indexed by channel position.
func DefaultInstrument() InstrumentModel {
	return InstrumentModel{
		Name:      "chlat_cd_wide",
		Reference: PBDRTables(),
		Channels: []ChannelSpec{
			{Channel: 30, WhiteI: 27.1, WhiteP: 37.6, BeamArcmin: 7.8},
			{Channel: 40, WhiteI: 11.6, WhiteP: 15.5, BeamArcmin: 5.3},
			{Channel: 90, WhiteI: 2.0, WhiteP: 2.7, BeamArcmin: 2.2},
			{Channel: 150, WhiteI: 2.0, WhiteP: 3.0, BeamArcmin: 1.4},
			{Channel: 220, WhiteI: 6.9, WhiteP: 9.8, BeamArcmin: 1.0},
			{Channel: 280, WhiteI: 16.9, WhiteP: 23.9, BeamArcmin: 0.9},
		},
	}
}
