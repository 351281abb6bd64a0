package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevelFiltering(t *testing.T) {
	var console, file bytes.Buffer
	l := NewLoggerWithWriters("tick", &console, &file)

	l.Debug("отладка %d", 1)
	l.Info("тик %d", 2)
	l.Error("сбой %s", "accessor")

	// Консоль по умолчанию INFO+, файл пишет всё
	assert.NotContains(t, console.String(), "отладка 1")
	assert.Contains(t, console.String(), "[INFO] [tick] тик 2")
	assert.Contains(t, console.String(), "[ERROR] [tick] сбой accessor")
	assert.Contains(t, file.String(), "[DEBUG] [tick] отладка 1")

	console.Reset()
	l.SetLevels(ERROR, ERROR)
	l.Warn("предупреждение")
	assert.Empty(t, console.String())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("WARN"))
	assert.Equal(t, INFO, ParseLevel("что-то"))
}

func TestManagerReturnsSameLogger(t *testing.T) {
	m := GetLoggerManager()
	a := m.MustGetLogger("manager-test")
	b := m.MustGetLogger("manager-test")
	require.Same(t, a, b)
	assert.Contains(t, m.ListComponents(), "manager-test")

	require.NoError(t, m.SetLogLevel("manager-test", WARN, WARN))
	assert.Error(t, m.SetLogLevel("нет-такого", WARN, WARN))
}

func TestHexDumpLimits(t *testing.T) {
	assert.Equal(t, "No data", HexDump(nil))
	dump := HexDump(bytes.Repeat([]byte{0xAB}, 1024))
	// 256 байт = 16 строк hex.Dump
	assert.Equal(t, 16, strings.Count(dump, "\n"))
}
