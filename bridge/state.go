// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package bridge

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/soothill/cast-bridge/pkg/errors"
	"github.com/soothill/cast-bridge/pkg/interfaces"
)

// Mode is a playback mode.
type Mode string

// Playback modes in priority order.
const (
	ModePlay  Mode = "play"
	ModePause Mode = "pause"
	ModeStop  Mode = "stop"
)

var modePriority = []Mode{ModePlay, ModePause, ModeStop}

// Attribute names shared by DesiredState and ObservedState.
const (
	AttrVolume = "volume"
	AttrMute   = "mute"
	AttrMode   = "mode"
	AttrLoad   = "load"
	AttrOffset = "offset"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DesiredState is a sparse command payload. Nil or empty fields are not
// pushed.
type DesiredState struct {
	Volume *float64 `validate:"omitempty,gte=0,lte=1"`
	Mute   *bool
	Modes  []Mode        `validate:"omitempty,dive,oneof=play pause stop"`
	Load   string        `validate:"omitempty,url"`
	Offset time.Duration `validate:"gte=0s"`
}

// Empty reports whether d carries no commands.
func (d DesiredState) Empty() bool {
	return d.Volume == nil && d.Mute == nil && len(d.Modes) == 0 && d.Load == ""
}

// Mode resolves the requested modes to the single mode that is issued:
// play wins over pause, pause wins over stop.
func (d DesiredState) Mode() (Mode, bool) {
	for _, m := range modePriority {
		for _, want := range d.Modes {
			if want == m {
				return m, true
			}
		}
	}
	return "", false
}

// Validate checks field ranges. It returns an *errors.ValidationError.
func (d DesiredState) Validate() error {
	if d.Volume != nil && (math.IsNaN(*d.Volume) || math.IsInf(*d.Volume, 0)) {
		return errors.NewValidationError(AttrVolume, *d.Volume, "must be a finite number")
	}
	if err := validate.Struct(d); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return errors.NewValidationError(fe.Field(), fe.Value(), fmt.Sprintf("failed %q constraint", fe.Tag()))
	}
	return errors.NewValidationError("", nil, err.Error())
}

// ParseDesiredState reads a loosely typed push payload. Recognised keys are
// volume, mute, mode (string or list), load, offset (seconds) and the boolean
// shortcuts play, pause and stop. Unrecognised keys are ignored.
func ParseDesiredState(m map[string]any) (DesiredState, error) {
	var d DesiredState

	if v, ok := m[AttrVolume]; ok && v != nil {
		f, err := toFloat(v)
		if err != nil {
			return d, errors.NewValidationError(AttrVolume, v, "must be a number")
		}
		d.Volume = &f
	}

	if v, ok := m[AttrMute]; ok && v != nil {
		b, ok := v.(bool)
		if !ok {
			return d, errors.NewValidationError(AttrMute, v, "must be a boolean")
		}
		d.Mute = &b
	}

	if v, ok := m[AttrMode]; ok && v != nil {
		switch mv := v.(type) {
		case string:
			d.Modes = append(d.Modes, Mode(mv))
		case []string:
			for _, s := range mv {
				d.Modes = append(d.Modes, Mode(s))
			}
		case []any:
			for _, item := range mv {
				s, ok := item.(string)
				if !ok {
					return d, errors.NewValidationError(AttrMode, v, "must be a string or list of strings")
				}
				d.Modes = append(d.Modes, Mode(s))
			}
		default:
			return d, errors.NewValidationError(AttrMode, v, "must be a string or list of strings")
		}
	}

	for _, m0 := range modePriority {
		v, ok := m[string(m0)]
		if !ok || v == nil {
			continue
		}
		b, ok := v.(bool)
		if !ok {
			return d, errors.NewValidationError(string(m0), v, "must be a boolean")
		}
		if b {
			d.Modes = append(d.Modes, m0)
		}
	}

	if v, ok := m[AttrLoad]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return d, errors.NewValidationError(AttrLoad, v, "must be a URI string")
		}
		if s != "" {
			if u, err := url.Parse(s); err != nil || u.Scheme == "" {
				return d, errors.NewValidationError(AttrLoad, s, "must be an absolute URI")
			}
		}
		d.Load = s
	}

	if v, ok := m[AttrOffset]; ok && v != nil {
		f, err := toFloat(v)
		if err != nil {
			return d, errors.NewValidationError(AttrOffset, v, "must be a number of seconds")
		}
		d.Offset = time.Duration(f * float64(time.Second))
	}

	return d, d.Validate()
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// Presence distinguishes a field that was not reported from one reported as
// unknown.
type Presence uint8

// Field presence values
const (
	Absent Presence = iota
	Unknown
	Known
)

// Field is one observed attribute.
type Field[T any] struct {
	presence Presence
	value    T
}

// KnownValue returns a field holding v.
func KnownValue[T any](v T) Field[T] {
	return Field[T]{presence: Known, value: v}
}

// UnknownValue returns a field explicitly marked unknown.
func UnknownValue[T any]() Field[T] {
	return Field[T]{presence: Unknown}
}

// Get returns the value and whether it is known.
func (f Field[T]) Get() (T, bool) {
	return f.value, f.presence == Known
}

// Presence reports whether the field is absent, unknown or known.
func (f Field[T]) Presence() Presence {
	return f.presence
}

// IsKnown reports whether the field holds a value.
func (f Field[T]) IsKnown() bool { return f.presence == Known }

// IsUnknown reports whether the field is explicitly unknown.
func (f Field[T]) IsUnknown() bool { return f.presence == Unknown }

// IsAbsent reports whether the field was not reported.
func (f Field[T]) IsAbsent() bool { return f.presence == Absent }

func (f Field[T]) put(m map[string]any, key string) {
	switch f.presence {
	case Known:
		m[key] = f.value
	case Unknown:
		m[key] = nil
	}
}

func (f Field[T]) merge(delta Field[T]) Field[T] {
	if delta.presence == Absent {
		return f
	}
	return delta
}

// ObservedState is the bridge's knowledge of the device. It is used both as
// a full snapshot and as a sparse delta.
type ObservedState struct {
	Volume Field[float64]
	Mute   Field[bool]
	Mode   Field[Mode]
	Load   Field[string]
}

// UnknownState marks every field unknown.
func UnknownState() ObservedState {
	return ObservedState{
		Volume: UnknownValue[float64](),
		Mute:   UnknownValue[bool](),
		Mode:   UnknownValue[Mode](),
		Load:   UnknownValue[string](),
	}
}

// StateFromStatus converts a device status report.
func StateFromStatus(s *interfaces.DeviceStatus) ObservedState {
	if s == nil {
		return UnknownState()
	}
	return ObservedState{
		Volume: KnownValue(s.VolumeLevel),
		Mute:   KnownValue(s.Muted),
		Mode:   KnownValue(ModeFromPlayerState(s.PlayerState)),
		Load:   KnownValue(s.MediaContentID),
	}
}

// ModeFromPlayerState maps a receiver player state onto a Mode.
func ModeFromPlayerState(state string) Mode {
	switch state {
	case "PLAYING", "BUFFERING":
		return ModePlay
	case "PAUSED":
		return ModePause
	default:
		return ModeStop
	}
}

// Merge returns o with every field present in delta replaced.
func (o ObservedState) Merge(delta ObservedState) ObservedState {
	return ObservedState{
		Volume: o.Volume.merge(delta.Volume),
		Mute:   o.Mute.merge(delta.Mute),
		Mode:   o.Mode.merge(delta.Mode),
		Load:   o.Load.merge(delta.Load),
	}
}

// AllUnknown reports whether every field is explicitly unknown.
func (o ObservedState) AllUnknown() bool {
	return o.Volume.IsUnknown() && o.Mute.IsUnknown() && o.Mode.IsUnknown() && o.Load.IsUnknown()
}

// Empty reports whether no field is present.
func (o ObservedState) Empty() bool {
	return o.Volume.IsAbsent() && o.Mute.IsAbsent() && o.Mode.IsAbsent() && o.Load.IsAbsent()
}

// Map renders the present fields. Unknown fields map to nil.
func (o ObservedState) Map() map[string]any {
	m := make(map[string]any, 4)
	o.Volume.put(m, AttrVolume)
	o.Mute.put(m, AttrMute)
	o.Mode.put(m, AttrMode)
	o.Load.put(m, AttrLoad)
	return m
}

// MarshalJSON renders Map.
func (o ObservedState) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Map())
}

// Sample converts o into a storage sample for the given handle.
func (o ObservedState) Sample(h *Handle, at time.Time) *interfaces.StateSample {
	sample := &interfaces.StateSample{
		DeviceID:   h.Identity(),
		DeviceName: h.DisplayName(),
		Timestamp:  at,
		Reachable:  h.Reachable(),
	}
	if v, ok := o.Volume.Get(); ok {
		sample.Volume = &v
	}
	if v, ok := o.Mute.Get(); ok {
		sample.Muted = &v
	}
	if v, ok := o.Load.Get(); ok {
		sample.MediaContentID = &v
	}
	if v, ok := o.Mode.Get(); ok {
		s := string(v)
		sample.Mode = &s
	}
	return sample
}
