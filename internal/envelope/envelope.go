// Package envelope implements the TaskEnvelope codec: version detection,
// decoding and encoding of v1 and v2 envelopes, and the lift/project pair
// between versions.
package envelope

import (
	"encoding/json"

	"github.com/mqmesh/mqmesh/internal/errdefs"
	"github.com/mqmesh/mqmesh/pkg/wire"
)

// Wrapper is the tagged union over envelope versions. Exactly one of V1 and
// V2 is non-nil after a successful Decode.
type Wrapper struct {
	V1 *wire.Envelope
	V2 *wire.EnvelopeV2
}

// IsV2 reports whether the wrapper holds a v2 envelope.
func (w Wrapper) IsV2() bool { return w.V2 != nil }

// Base returns the v1 fields regardless of version.
func (w Wrapper) Base() *wire.Envelope {
	if w.V2 != nil {
		return &w.V2.Envelope
	}
	return w.V1
}

// versionProbe sniffs the version discriminator and routing object without
// committing to a full decode.
type versionProbe struct {
	Version string          `json:"version"`
	Routing json.RawMessage `json:"routing"`
}

// Decode parses a wire payload into a version-tagged envelope. A payload is
// v2 when it carries version == "2.0" or a routing object; everything else
// decodes as v1. Malformed JSON, missing required fields, a negative
// pipeline_depth, or an unknown routing mode fail with InvalidEnvelope.
func Decode(data []byte) (Wrapper, error) {
	var probe versionProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return Wrapper{}, errdefs.Wrap(errdefs.KindInvalidEnvelope, err, "malformed envelope JSON")
	}

	if probe.Version == wire.VersionV2 || len(probe.Routing) > 0 {
		var v2 wire.EnvelopeV2
		if err := json.Unmarshal(data, &v2); err != nil {
			return Wrapper{}, errdefs.Wrap(errdefs.KindInvalidEnvelope, err, "malformed v2 envelope")
		}
		if v2.Version == "" {
			v2.Version = wire.VersionV2
		}
		if err := v2.Validate(); err != nil {
			return Wrapper{}, errdefs.Wrap(errdefs.KindInvalidEnvelope, err, "invalid v2 envelope")
		}
		return Wrapper{V2: &v2}, nil
	}

	var v1 wire.Envelope
	if err := json.Unmarshal(data, &v1); err != nil {
		return Wrapper{}, errdefs.Wrap(errdefs.KindInvalidEnvelope, err, "malformed v1 envelope")
	}
	if err := v1.Validate(); err != nil {
		return Wrapper{}, errdefs.Wrap(errdefs.KindInvalidEnvelope, err, "invalid v1 envelope")
	}
	return Wrapper{V1: &v1}, nil
}

// Encode serializes an envelope wrapper for the wire. Field order is fixed
// by the struct definitions, so encoding is canonical.
func Encode(w Wrapper) ([]byte, error) {
	if w.V2 != nil {
		return json.Marshal(w.V2)
	}
	return json.Marshal(w.V1)
}

// Lift wraps a v1 envelope as v2 with static routing, no rules, and an
// empty trace.
func Lift(v1 wire.Envelope) wire.EnvelopeV2 {
	return wire.EnvelopeV2{
		Version:  wire.VersionV2,
		Envelope: v1,
		Routing: &wire.RoutingConfig{
			Mode: wire.RoutingStatic,
		},
	}
}

// Project drops the v2 routing fields and returns the embedded v1
// envelope. For any valid v1 envelope e, Project(Lift(e)) == e.
func Project(v2 wire.EnvelopeV2) wire.Envelope {
	return v2.Envelope
}
