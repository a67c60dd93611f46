package logger

import (
	"bytes"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redirectLogsToBuffer(buf *bytes.Buffer, severity, format string) {
	setLevel(severity)
	defaultLogger = slog.New(newHandler(buf, programLevel, format))
}

func TestTextFormatHonorsSeverityThreshold(t *testing.T) {
	var buf bytes.Buffer
	redirectLogsToBuffer(&buf, Warning, "text")

	Infof("below threshold")
	assert.Empty(t, buf.String())

	Warnf("at threshold")
	assert.Regexp(t, regexp.MustCompile(`severity=WARNING message="at threshold"`), buf.String())
}

func TestTraceIsBelowDebug(t *testing.T) {
	var buf bytes.Buffer
	redirectLogsToBuffer(&buf, Debug, "text")

	Tracef("should be filtered")
	assert.Empty(t, buf.String())

	redirectLogsToBuffer(&buf, Trace, "text")
	Tracef("should appear")
	assert.Contains(t, buf.String(), "severity=TRACE")
}

func TestJSONFormatEmitsSeverityAndMessageKeys(t *testing.T) {
	var buf bytes.Buffer
	redirectLogsToBuffer(&buf, Info, "json")

	Errorf("boom %d", 7)
	assert.Contains(t, buf.String(), `"severity":"ERROR"`)
	assert.Contains(t, buf.String(), `"message":"boom 7"`)
}

func TestOffSuppressesEverything(t *testing.T) {
	var buf bytes.Buffer
	redirectLogsToBuffer(&buf, Off, "text")

	Errorf("should never appear")
	assert.Empty(t, buf.String())
}

func TestInitOpensRotatedFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/outrun.log"
	require.NoError(t, Init(Config{
		Severity:        Debug,
		Format:          "text",
		FilePath:        path,
		MaxFileSizeMB:   1,
		BackupFileCount: 1,
	}))
	defer Close()

	Infof("hello from init")
	require.NoError(t, Close())
}
