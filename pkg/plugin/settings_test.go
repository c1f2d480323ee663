package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFor(t *testing.T) {
	tests := []struct{ in, want string }{
		{"gzip", "GZIP"},
		{"gzip_min_size", "GZIP_MIN_SIZE"},
		{"ALREADY_UPPER", "ALREADY_UPPER"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KeyFor(tt.in), "KeyFor(%q)", tt.in)
	}
}

func TestValues_CaseInsensitive(t *testing.T) {
	v := NewValues(map[string]any{"static_dir": "public", "Debug": false})

	assert.True(t, v.IsSet("STATIC_DIR"))
	assert.True(t, v.IsSet("static_dir"))
	assert.Equal(t, "public", v.Get("Static_Dir"))
	assert.True(t, v.IsSet("DEBUG"))
	assert.Equal(t, false, v.Get("debug"))
	assert.False(t, v.IsSet("missing"))
	assert.Nil(t, v.Get("missing"))
}

func TestChain_FirstSourceWins(t *testing.T) {
	overlay := NewValues(map[string]any{"gzip": true})
	base := NewValues(map[string]any{"gzip": false, "hsts": true})
	src := Chain(overlay, base)

	assert.Equal(t, true, src.Get("GZIP"))
	assert.Equal(t, true, src.Get("HSTS"))
	assert.True(t, src.IsSet("HSTS"))
	assert.False(t, src.IsSet("CORS"))
	assert.Nil(t, src.Get("CORS"))
}

func TestChain_Empty(t *testing.T) {
	src := Chain()
	assert.False(t, src.IsSet("ANY"))
	assert.Nil(t, src.Get("ANY"))
}

func TestExtractor_KeySetMatchesDeclarations(t *testing.T) {
	e, err := NewExtractor(Required("hello_message"), Optional("gzip_min_size", 1024))
	require.NoError(t, err)

	got, err := e.Extract(NewValues(map[string]any{
		"hello_message": "Hello, plugins!",
		"unrelated":     "ignored",
	}))
	require.NoError(t, err)
	assert.Equal(t, Settings{
		"hello_message": "Hello, plugins!",
		"gzip_min_size": 1024,
	}, got)
}

func TestExtractor_MissingRequired(t *testing.T) {
	e, err := NewExtractor(Required("secret_key"))
	require.NoError(t, err)

	_, err = e.Extract(Values{})
	require.ErrorIs(t, err, ErrMissingSetting)
	var mse *MissingSettingError
	require.ErrorAs(t, err, &mse)
	assert.Equal(t, "SECRET_KEY", mse.Key)
	assert.Empty(t, mse.Plugin)
	assert.Equal(t, "missing required setting SECRET_KEY", err.Error())
}

func TestExtractor_PresentFalsyValuePassesThrough(t *testing.T) {
	e, err := NewExtractor(Optional("static_dir", "static"))
	require.NoError(t, err)

	got, err := e.Extract(NewValues(map[string]any{"static_dir": nil}))
	require.NoError(t, err)
	assert.True(t, got.Has("static_dir"))
	assert.Nil(t, got["static_dir"])
}

func TestExtractor_Empty(t *testing.T) {
	e, err := NewExtractor()
	require.NoError(t, err)
	got, err := e.Extract(Values{})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestExtractor_InvalidDeclarations(t *testing.T) {
	_, err := NewExtractor(Optional("", 1))
	assert.ErrorIs(t, err, ErrInvalidSetting)

	_, err = NewExtractor(Required("a"), Required("a"))
	assert.ErrorIs(t, err, ErrDuplicateSetting)
}

func TestExtractor_DeclarationsAreCopied(t *testing.T) {
	decls := []Setting{Required("a")}
	e, err := NewExtractor(decls...)
	require.NoError(t, err)
	decls[0].Name = "changed"

	got := e.Declarations()
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Name)
	got[0].Name = "changed again"
	assert.Equal(t, "a", e.Declarations()[0].Name)
}

func TestSettings_TypedGetters(t *testing.T) {
	s := Settings{
		"size":    "2048",
		"enabled": "true",
		"hosts":   []any{"a.example.com", "b.example.com"},
		"cors":    map[string]any{"allow_origins": []string{"*"}},
		"rate":    "2.5",
		"name":    42,
	}

	size, err := s.Int("size")
	require.NoError(t, err)
	assert.Equal(t, 2048, size)

	enabled, err := s.Bool("enabled")
	require.NoError(t, err)
	assert.True(t, enabled)

	hosts, err := s.StringSlice("hosts")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, hosts)

	cors, err := s.Map("cors")
	require.NoError(t, err)
	assert.Contains(t, cors, "allow_origins")

	rate, err := s.Float("rate")
	require.NoError(t, err)
	assert.InDelta(t, 2.5, rate, 1e-9)

	name, err := s.String("name")
	require.NoError(t, err)
	assert.Equal(t, "42", name)
}

func TestSettings_TypedGetterErrors(t *testing.T) {
	s := Settings{"size": "big", "cors": 12}

	_, err := s.Int("size")
	assert.ErrorIs(t, err, ErrInvalidSetting)
	assert.Contains(t, err.Error(), "size")

	_, err = s.Map("cors")
	assert.ErrorIs(t, err, ErrInvalidSetting)
}

func TestSettings_Clone(t *testing.T) {
	var nilSettings Settings
	assert.Nil(t, nilSettings.Clone())

	s := Settings{"a": 1}
	c := s.Clone()
	c["a"] = 2
	assert.Equal(t, 1, s["a"])
}
