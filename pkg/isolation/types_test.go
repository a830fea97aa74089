package isolation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prism-data/pattern-launcher/pkg/procmgr"
)

func TestResolveKey(t *testing.T) {
	tests := []struct {
		name    string
		spec    ProcessSpec
		want    Key
		wantErr bool
	}{
		{
			name: "none isolation shares one process",
			spec: ProcessSpec{PatternName: "keyvalue", Level: LevelNone},
			want: "shared:keyvalue",
		},
		{
			name: "none isolation ignores namespace",
			spec: ProcessSpec{PatternName: "keyvalue", Level: LevelNone, Namespace: "tenant-a"},
			want: "shared:keyvalue",
		},
		{
			name: "namespace isolation keys on namespace",
			spec: ProcessSpec{PatternName: "keyvalue", Level: LevelNamespace, Namespace: "tenant-a"},
			want: "ns:tenant-a:keyvalue",
		},
		{
			name: "session isolation keys on session",
			spec: ProcessSpec{PatternName: "stream", Level: LevelSession, SessionID: "sess-42"},
			want: "session:sess-42:stream",
		},
		{
			name:    "namespace isolation requires namespace",
			spec:    ProcessSpec{PatternName: "keyvalue", Level: LevelNamespace},
			wantErr: true,
		},
		{
			name:    "session isolation requires session id",
			spec:    ProcessSpec{PatternName: "stream", Level: LevelSession, Namespace: "tenant-a"},
			wantErr: true,
		},
		{
			name:    "empty pattern name",
			spec:    ProcessSpec{Level: LevelNone},
			wantErr: true,
		},
		{
			name:    "unknown level",
			spec:    ProcessSpec{PatternName: "keyvalue", Level: Level(99)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ResolveKey(tt.spec)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidSpec)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, key)
		})
	}
}

func TestResolveKeyDeterministic(t *testing.T) {
	spec := ProcessSpec{PatternName: "keyvalue", Level: LevelNamespace, Namespace: "tenant-a"}

	k1, err := ResolveKey(spec)
	require.NoError(t, err)
	k2, err := ResolveKey(spec)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Equal(t, procmgr.ProcessID(k1), k1.ProcessID())
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]Level{
		"none":      LevelNone,
		"namespace": LevelNamespace,
		"session":   LevelSession,
	} {
		level, err := ParseLevel(name)
		require.NoError(t, err)
		assert.Equal(t, want, level)
		assert.Equal(t, name, level.String())
	}

	_, err := ParseLevel("tenant")
	assert.Error(t, err)

	assert.Equal(t, "unknown", Level(42).String())
}

func TestFilterMatches(t *testing.T) {
	h := Handle{
		ID: "ns:tenant-a:keyvalue",
		Spec: ProcessSpec{
			PatternName: "keyvalue",
			Level:       LevelNamespace,
			Namespace:   "tenant-a",
		},
	}

	assert.True(t, Filter{}.matches(h))
	assert.True(t, Filter{PatternName: "keyvalue"}.matches(h))
	assert.True(t, Filter{Namespace: "tenant-a"}.matches(h))
	assert.True(t, Filter{PatternName: "keyvalue", Namespace: "tenant-a"}.matches(h))

	assert.False(t, Filter{PatternName: "stream"}.matches(h))
	assert.False(t, Filter{Namespace: "tenant-b"}.matches(h))
	assert.False(t, Filter{PatternName: "keyvalue", Namespace: "tenant-b"}.matches(h))
}
