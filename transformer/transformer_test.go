package transformer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileExpression(t *testing.T) {
	p, err := Compile("JSON.parse(data)")
	require.NoError(t, err)

	out, err := p.Run(`{"temperature":23.5,"ok":true,"tags":["a"]}`, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"temperature": 23.5, "ok": true, "tags": []interface{}{"a"}}, out)
}

func TestCompileCSVRule(t *testing.T) {
	p, err := Compile(`data.split('\n').filter(line => line.trim() !== '').map(line => line.split(','))`)
	require.NoError(t, err)

	out, err := p.Run("a,b\n1,2\n\n", 0)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{
		[]interface{}{"a", "b"},
		[]interface{}{"1", "2"},
	}, out)
}

func TestCompileScript(t *testing.T) {
	p, err := Compile(`
function transform(data) {
	var v = parseFloat(data);
	return { celsius: convertTemperature(v, "F", "C"), inRange: validateRange(v, 0, 100) };
}`)
	require.NoError(t, err)

	out, err := p.Run("212", time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"celsius": 100.0, "inRange": false}, out)
}

func TestCompileErrors(t *testing.T) {
	_, err := Compile("   ")
	assert.Error(t, err)

	_, err = Compile("JSON.parse(")
	assert.ErrorContains(t, err, "failed to compile")

	_, err = Compile("function transform(data) { return ; ]")
	assert.ErrorContains(t, err, "failed to execute script")
}

func TestRunErrors(t *testing.T) {
	p, err := Compile("JSON.parse(data)")
	require.NoError(t, err)
	_, err = p.Run("{not json", 0)
	assert.ErrorContains(t, err, "SyntaxError")

	p, err = Compile("function transform(data) { while (true) {} }")
	require.NoError(t, err)
	start := time.Now()
	_, err = p.Run("x", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Less(t, time.Since(start), time.Second)

	// the runtime stays usable after an interrupt
	p, err = Compile("function transform(data) { if (data === 'spin') { while (true) {} } return data.length; }")
	require.NoError(t, err)
	_, err = p.Run("spin", 20*time.Millisecond)
	require.ErrorIs(t, err, ErrBudgetExceeded)
	out, err := p.Run("four", 0)
	require.NoError(t, err)
	assert.Equal(t, 4.0, out)
}

func TestRunUndefined(t *testing.T) {
	p, err := Compile("undefined")
	require.NoError(t, err)
	out, err := p.Run("x", 0)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestParseXML(t *testing.T) {
	out, err := ParseXML(`<?xml version="1.0"?>
<reading id="7">
	<temp unit="C">21.5</temp>
	<tag>a</tag>
	<tag>b</tag>
	<empty/>
</reading>`)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"reading": map[string]interface{}{
			"@id":   "7",
			"temp":  map[string]interface{}{"@unit": "C", "#text": "21.5"},
			"tag":   []interface{}{"a", "b"},
			"empty": "",
		},
	}, out)

	_, err = ParseXML("<a><b></a>")
	assert.Error(t, err)
	_, err = ParseXML("plain text")
	assert.Error(t, err)
}

func TestParseXMLRule(t *testing.T) {
	p, err := Compile("parseXML(data)")
	require.NoError(t, err)
	out, err := p.Run("<m><v>3</v></m>", 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"m": map[string]interface{}{"v": "3"}}, out)

	_, err = p.Run("<m>", 0)
	assert.ErrorContains(t, err, "invalid xml")
}

func TestManager(t *testing.T) {
	m := NewManager(0)

	_, ok, err := m.Parse("thermo", "21")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.SetRule("thermo", "Number(data) * 2"))
	out, ok, err := m.Parse("thermo", "21")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42.0, out)

	assert.Error(t, m.SetRule("thermo", "Number(data"))
	rule, ok := m.Rule("thermo")
	require.True(t, ok)
	assert.Equal(t, "Number(data) * 2", rule, "a broken rule keeps the previous one")

	_, ok, err = m.Parse("thermo", "x")
	assert.True(t, ok)
	assert.Error(t, err, "NaN has no JSON form")

	require.NoError(t, m.SetRule("json", "JSON.parse(data)"))
	_, ok, err = m.Parse("json", "{")
	assert.True(t, ok)
	assert.ErrorContains(t, err, "parse rule failed")

	assert.Equal(t, []string{"json", "thermo"}, m.Devices())

	require.NoError(t, m.SetRule("thermo", ""))
	m.RemoveRule("json")
	assert.Empty(t, m.Devices())
}

func TestManagerLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "balance.js")
	require.NoError(t, os.WriteFile(path, []byte(`function transform(data) { return { grams: Number(data) }; }`), 0o644))

	m := NewManager(time.Second)
	require.NoError(t, m.LoadFile("balance", path))
	out, ok, err := m.Parse("balance", "12.5")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, map[string]interface{}{"grams": 12.5}, out)

	assert.Error(t, m.LoadFile("balance", filepath.Join(t.TempDir(), "missing.js")))
}

func TestBundledCSVLoggerRule(t *testing.T) {
	m := NewManager(DefaultBudget)
	require.NoError(t, m.LoadFile("csv-logger-001", filepath.Join("..", "rules", "csv_logger.js")))

	out, ok, err := m.Parse("csv-logger-001", "timestamp,voltage,current,enabled\n2026-01-02T03:04:05Z,221.5,0.25,true\n")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []interface{}{
		map[string]interface{}{"timestamp": "2026-01-02T03:04:05Z", "voltage": 221.5, "current": 0.25, "enabled": true},
	}, out)
}
