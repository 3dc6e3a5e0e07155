package main

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/partial/builder"
	"github.com/wippyai/partial/memory"
	"github.com/wippyai/partial/shape"
	"github.com/wippyai/partial/transcoder"
)

func TestParseOp(t *testing.T) {
	tests := []struct {
		line    string
		want    op
		wantErr bool
	}{
		{"end", op{name: "end"}, false},
		{"  field  name ", op{name: "field", arg: "name"}, false},
		{`set "two words"`, op{name: "set", arg: "two words"}, false},
		{"set 12", op{name: "set", arg: "12"}, false},
		{"elem 3", op{name: "elem", arg: "3"}, false},
		{"", op{}, true},
		{"jump", op{}, true},
		{"field", op{}, true},
		{"end now", op{}, true},
		{"abandon", op{name: "abandon"}, false},
		{"defer x", op{}, true},
		{`set "unterminated`, op{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseOp(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseOp(%q) = %v, want error", tt.line, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseOp(%q): %v", tt.line, err)
			}
			if got != tt.want {
				t.Errorf("parseOp(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
		})
	}
}

func walk(t *testing.T, name string, ops ...string) any {
	t.Helper()
	d, err := lookupDemo(name)
	require.NoError(t, err)
	s, err := newSession(d)
	require.NoError(t, err)
	for _, line := range ops {
		require.NoError(t, s.step(line), "op %q at %s", line, s.p.Path())
	}
	v, err := s.finish()
	require.NoError(t, err)
	return v
}

func TestSession_Point(t *testing.T) {
	v := walk(t, "point", "field Y", "set 4", "end", "field 0", "set -3", "end")
	assert.Equal(t, point{X: -3, Y: 4}, v)
}

func TestSession_Order(t *testing.T) {
	v := walk(t, "order",
		"field ID", "set 1", "end",
		"field Items", "list",
		"item", "field SKU", `set "ab-1"`, "end", "field Quantity", "set 2", "end", "field Price", "set 9.5", "end", "end",
		"end",
		"field Note", "some", "set fragile", "end", "end",
		"field Tags", "map", "item", "set red", "end", "end",
	)
	note := "fragile"
	assert.Equal(t, order{
		ID:    1,
		Items: []lineItem{{SKU: "ab-1", Quantity: 2, Price: 9.5}},
		Note:  &note,
		Tags:  map[string]struct{}{"red": {}},
	}, v)
}

func TestSession_Text(t *testing.T) {
	tests := []struct {
		name string
		ops  []string
		want []string
	}{
		{
			name: "figure",
			ops: []string{
				"variant rect",
				"field min", "field X", "set 1", "end", "field Y", "set 2", "end", "end",
				"field max", "field X", "set 5", "end", "field Y", "set 6", "end", "end",
			},
			want: []string{"rect:", "x: 5", "circle: null"},
		},
		{
			name: "settings",
			ops: []string{
				"field name", "set svc", "end",
				"field retries", "set 3", "end",
				"field limits", "entry cpu", "set 5", "end", "end",
			},
			want: []string{"name: svc", "retries: 3", "cpu: 5", `fallback: ""`},
		},
		{
			name: "lookup",
			ops:  []string{"err", "set -2", "end"},
			want: []string{"err: -2", "ok: null"},
		},
		{
			name: "shared",
			ops:  []string{"ptr", "item", "set 1", "end", "item", "set 2", "end", "end"},
			want: []string{"- 1\n- 2"},
		},
		{
			name: "matrix",
			ops: []string{
				"elem 1", "elem 0", "set 0", "end", "elem 1", "set 2.5", "end", "elem 2", "set 0", "end", "end",
				"elem 0", "item", "set 0", "end", "item", "set 0", "end", "item", "set 0", "end", "end",
				"elem 2", "array", "elem 2", "set 1", "end", "elem 0", "set 0", "end", "elem 1", "set 0", "end", "end",
			},
			want: []string{"- 2.5", "- 1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := formatValue(walk(t, tt.name, tt.ops...), "text")
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, string(b), w)
			}
		})
	}
}

func TestSession_Document(t *testing.T) {
	v := walk(t, "document",
		"entry title", "set hello", "end",
		"entry tags", "list", "item", "set a", "end", "item", "set b", "end", "end",
	)
	assert.Equal(t, map[string]any{"title": "hello", "tags": []any{"a", "b"}}, v)
}

func TestSession_Account(t *testing.T) {
	v := walk(t, "account",
		"defer",
		"field Owner", "end",
		"field Quota", "set 3", "end",
		"field Owner", "set ann", "end",
		"field ID", "inner", "set 7", "end", "end",
		"resolve",
	)
	assert.Equal(t, account{ID: 7, Owner: "ann", Quota: 3}, v)
}

func TestSession_ResolveWithPendingField(t *testing.T) {
	d, err := lookupDemo("account")
	require.NoError(t, err)
	s, err := newSession(d)
	require.NoError(t, err)

	for _, line := range []string{"defer", "field Owner", "end"} {
		require.NoError(t, s.step(line))
	}
	err = s.step("resolve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Owner")
	require.NoError(t, s.abandon())
}

func TestSession_Abandon(t *testing.T) {
	v := walk(t, "order",
		"field ID", "set 1", "end",
		"field Items", "list",
		"item", "field SKU", `set "ab-1"`, "end", "abandon",
		"end",
		"field Note", "some", "set n", "end", "end",
		"field Tags", "map", "end",
	)
	o, ok := v.(order)
	require.True(t, ok, "decoded %T", v)
	assert.Empty(t, o.Items)
	assert.Equal(t, uint64(1), o.ID)
}

func TestSetLoggers(t *testing.T) {
	core, _ := observer.New(zapcore.DebugLevel)
	log := zap.New(core)
	setLoggers(log)
	t.Cleanup(func() { setLoggers(zap.NewNop()) })

	assert.Same(t, log, builder.Logger())
	assert.Same(t, log, memory.Logger())
	assert.Same(t, log, shape.Logger())
	assert.Same(t, log, transcoder.Logger())
}

func TestSession_FailedOpKeepsState(t *testing.T) {
	d, err := lookupDemo("point")
	require.NoError(t, err)
	s, err := newSession(d)
	require.NoError(t, err)

	require.NoError(t, s.step("field X"))
	require.Error(t, s.step("set notanumber"))
	require.Error(t, s.step("item"))
	assert.Equal(t, 2, s.p.Depth())
	require.NoError(t, s.step("set 1"))
	require.NoError(t, s.step("end"))
	assert.Len(t, s.steps, 3)

	_, err = s.finish()
	require.Error(t, err, "Y was never set")
	require.NoError(t, s.abandon())
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadScript(t *testing.T) {
	path := writeScript(t, `
shape = "polyline"
ops = ["item", "field X", "set 1", "end", "field Y", "set 2", "end", "end"]

[options]
staging = "rope"
rope_chunk = 2
`)
	s, err := loadScript(path)
	require.NoError(t, err)
	assert.Equal(t, "polyline", s.Shape)
	assert.Len(t, s.Ops, 8)
	opts, err := s.Options.builderOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 2)

	var out, errOut bytes.Buffer
	require.NoError(t, runScript(s, "text", &out, &errOut, false))
	assert.Contains(t, out.String(), "- x: 1")
	assert.Empty(t, errOut.String())
}

func TestLoadScript_Rejects(t *testing.T) {
	tests := map[string]string{
		"unknown key":   "shape = \"u64\"\nopz = []\n",
		"missing shape": "ops = [\"set 1\"]\n",
		"bad toml":      "shape = \n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := loadScript(writeScript(t, body))
			assert.Error(t, err)
		})
	}

	_, err := scriptOptions{Staging: "eager"}.builderOptions()
	assert.Error(t, err)
}

func TestRunScript_FailurePrintsFrames(t *testing.T) {
	s := &script{Shape: "order", Ops: []string{"field Items", "list", "item", "field SKU", "set", "end"}}
	var out, errOut bytes.Buffer
	err := runScript(s, "text", &out, &errOut, false)
	require.Error(t, err)
	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "op 5 failed")
	assert.Contains(t, errOut.String(), "SKU")
	assert.Contains(t, errOut.String(), "own=")
}

func TestRunScript_Msgpack(t *testing.T) {
	s := &script{Shape: "point", Ops: []string{"field X", "set 3", "end", "field Y", "set 4", "end"}}
	var out, errOut bytes.Buffer
	require.NoError(t, runScript(s, "msgpack", &out, &errOut, false))

	v, err := shape.DecodeMsgpack(out.Bytes())
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok, "decoded %T", v)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{"X", "Y"}, keys)

	_, err = formatValue(1, "xml")
	assert.Error(t, err)
}

func TestCatalog(t *testing.T) {
	names := demoNames()
	assert.True(t, sort.StringsAreSorted(names))
	for _, name := range names {
		d := catalog[name]
		assert.NotNil(t, d.shape, name)
		assert.NotEmpty(t, d.about, name)
	}
	_, err := lookupDemo("nope")
	assert.Error(t, err)
}
