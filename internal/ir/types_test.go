package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleManifest() Manifest {
	return Manifest{
		ID:             "acme:drums/humanize",
		Version:        "1.0.0",
		HostAPIVersion: "1.0.0",
		Signature: Signature{
			Inputs:  map[string]string{"notes": "[Event]"},
			Outputs: map[string]string{"out": "[Event]"},
		},
		Params:          IRObject{"type": IRString("object")},
		State:           "{count: Int}",
		DeclaredEffects: Row([]string{"container"}, []string{"events"}, nil),
		RequiredCapabilities: []CapabilityDescriptor{
			{Name: "out", Kind: "EventWrite", Scope: "stream:out"},
		},
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	a := &Artifact{
		FormatVersion: ArtifactFormatVersion,
		Manifest:      sampleManifest(),
		Source:        "fn run(ctx) = ctx.state",
		Program:       IRArray{IRArray{IRString("fn"), IRString("run")}},
		Effects:       Row(nil, []string{"events"}, nil),
		FunctionEffects: map[string]EffectRow{
			"run": Row(nil, []string{"events"}, nil),
		},
		IRVersion:     IRVersion,
		EngineVersion: EngineVersion,
	}
	require.NoError(t, a.Seal())
	assert.Len(t, a.ID, 64)

	data, err := MarshalArtifact(a)
	require.NoError(t, err)

	back, err := UnmarshalArtifact(data)
	require.NoError(t, err)
	assert.Equal(t, a.ID, back.ID)
	assert.Equal(t, a.Manifest.ID, back.Manifest.ID)
	assert.True(t, a.Effects.Equal(back.Effects))

	again, err := MarshalArtifact(back)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again), "canonical bytes must be stable")
}

func TestArtifactTamperDetected(t *testing.T) {
	a := &Artifact{FormatVersion: ArtifactFormatVersion, Manifest: sampleManifest(), Source: "x"}
	require.NoError(t, a.Seal())
	a.Source = "y"
	data, err := MarshalArtifact(a)
	require.NoError(t, err)

	_, err = UnmarshalArtifact(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id mismatch")
}

func TestEffectRowSetOps(t *testing.T) {
	declared := Row([]string{"container"}, nil, nil)
	inferred := Row([]string{"container"}, []string{"container"}, []string{"container"})

	assert.False(t, inferred.SubsetOf(declared))
	missing := inferred.Missing(declared)
	require.Len(t, missing, 2)
	assert.Equal(t, "writes:container", missing[0].String())
	assert.Equal(t, "creates:container", missing[1].String())

	u := declared.Union(Row(nil, []string{"events", "events"}, nil))
	assert.Equal(t, []string{"events"}, u.Writes)
	assert.True(t, declared.SubsetOf(u))
}

func TestPatchOpRoundTrip(t *testing.T) {
	op := PatchOp{
		Op:        OpAddItem,
		Container: "drums",
		Item:      &Item{ID: "k1", Event: Event{At: 0, Dur: 120, Pitch: 36, Vel: 100, Kind: "note"}},
	}
	back, err := PatchOpFromIR(op.ToIR())
	require.NoError(t, err)
	assert.Equal(t, op, back)
	assert.Equal(t, "container:drums", op.Resource())

	_, err = PatchOpFromIR(IRObject{"op": IRString("explode")})
	assert.Error(t, err)
}

func TestPatchIDDistinguishesSeq(t *testing.T) {
	ops := OpsToIR([]PatchOp{{Op: OpSetMeta, Target: "song", Key: "tempo", Value: "120"}})
	a := MustPatchID("acme:x/y", "i1", ops, 3, 1)
	b := MustPatchID("acme:x/y", "i1", ops, 3, 2)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, MustPatchID("acme:x/y", "i1", ops, 3, 1))
}

func TestEventFromIRAcceptsWiderRecords(t *testing.T) {
	obj := Event{At: 1, Dur: 2, Pitch: 60, Vel: 90, Kind: "note"}.ToIR()
	obj["accent"] = IRBool(true)
	ev, err := EventFromIR(obj)
	require.NoError(t, err)
	assert.Equal(t, int64(60), ev.Pitch)

	delete(obj, "vel")
	_, err = EventFromIR(obj)
	assert.Error(t, err)
}
