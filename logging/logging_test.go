package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
	"github.com/rs/zerolog"
)

type LoggingSuite struct{}

func TestLogging(t *testing.T) {
	suite.RunTests(t, &LoggingSuite{})
}

func (LoggingSuite) TestParseLevel(t *testing.T) {
	expect.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
	expect.Equal(t, zerolog.WarnLevel, parseLevel("warning"))
	expect.Equal(t, zerolog.Disabled, parseLevel("off"))
	expect.Equal(t, zerolog.InfoLevel, parseLevel("bogus"))
}

func (LoggingSuite) TestComponent(t *testing.T) {
	out := &bytes.Buffer{}
	logger := NewWithComponent(
		Config{
			Level:  "info",
			Output: out,
		},
		"session")

	logger.Debug().Msg("dropped")
	logger.Info().Str("variable", "img").Msg("plotted")

	entry := map[string]any{}
	err := json.Unmarshal(out.Bytes(), &entry)
	expect.Nil(t, err)
	expect.Equal(t, "session", entry["component"])
	expect.Equal(t, "img", entry["variable"])
	expect.Equal(t, "plotted", entry["message"])
	expect.Equal(t, "info", entry["level"])
}

func (LoggingSuite) TestPretty(t *testing.T) {
	out := &bytes.Buffer{}
	logger := New(Config{Level: "debug", Pretty: true, Output: out})

	logger.Debug().Msg("hello")
	expect.True(t, bytes.Contains(out.Bytes(), []byte("hello")))
}
