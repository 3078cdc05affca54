package engine_test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/bleterm/internal/codec"
	"github.com/srg/bleterm/internal/engine"
	"github.com/srg/bleterm/internal/settings"
)

type ConsoleTestSuite struct {
	engineSuiteBase
}

func TestConsoleTestSuite(t *testing.T) {
	suite.Run(t, new(ConsoleTestSuite))
}

func (suite *ConsoleTestSuite) TestEntryIDsAreMonotonic() {
	suite.connect("aa:01")

	suite.Require().NoError(suite.eng.Write("aa:01", "180d", "2a39", "one"))
	suite.Require().NoError(suite.eng.Write("aa:01", "180d", "2a39", "two"))

	entries := suite.eng.ConsoleEntries("aa:01")
	suite.Require().Len(entries, 2)
	suite.Less(entries[0].ID, entries[1].ID)
}

func (suite *ConsoleTestSuite) TestSessionsIsolatedPerDevice() {
	suite.connect("aa:01")
	suite.connect("bb:02")

	suite.Require().NoError(suite.eng.Write("aa:01", "180d", "2a39", "for aa"))
	suite.Require().NoError(suite.eng.Write("bb:02", "180d", "2a39", "for bb"))

	suite.Len(suite.eng.ConsoleEntries("aa:01"), 1)
	suite.Len(suite.eng.ConsoleEntries("bb:02"), 1)

	suite.eng.ClearConsole("aa:01")

	suite.Empty(suite.eng.ConsoleEntries("aa:01"))
	suite.Len(suite.eng.ConsoleEntries("bb:02"), 1)
}

func (suite *ConsoleTestSuite) TestMarkPreviousKeepsContent() {
	suite.connect("aa:01")
	suite.Require().NoError(suite.eng.Write("aa:01", "180d", "2a39", "hello"))
	before := suite.eng.ConsoleEntries("aa:01")

	suite.eng.MarkConsolePrevious("aa:01")

	after := suite.eng.ConsoleEntries("aa:01")
	suite.Require().Len(after, len(before))
	for i := range after {
		suite.True(after[i].Previous)
		suite.Equal(before[i].Raw, after[i].Raw)
		suite.Equal(before[i].ID, after[i].ID)
	}
}

func (suite *ConsoleTestSuite) TestRenderFormatFrozenAtAppendTime() {
	suite.connect("aa:01")
	_, err := suite.eng.UpdateDeviceSettings("aa:01", func(s *settings.DeviceSettings) {
		s.DisplayFormat = codec.FormatHex
	})
	suite.Require().NoError(err)
	suite.Require().NoError(suite.eng.Write("aa:01", "180d", "2a39", "Hi"))

	// Switching the display format must not reformat existing history
	_, err = suite.eng.UpdateDeviceSettings("aa:01", func(s *settings.DeviceSettings) {
		s.DisplayFormat = codec.FormatASCII
	})
	suite.Require().NoError(err)
	suite.Require().NoError(suite.eng.Write("aa:01", "180d", "2a39", "Hi"))

	entries := suite.eng.ConsoleEntries("aa:01")
	suite.Require().Len(entries, 2)
	suite.Equal("48 69", entries[0].Text())
	suite.Equal("Hi", entries[1].Text())
}

func (suite *ConsoleTestSuite) TestConsoleFeedDeliversEntries() {
	suite.connect("aa:01")
	feed := suite.eng.ConsoleFeed()

	suite.Require().NoError(suite.eng.Write("aa:01", "180d", "2a39", "ping"))

	select {
	case entry := <-feed:
		suite.Equal("aa:01", entry.DeviceID)
		suite.Equal(engine.DirectionOut, entry.Direction)
		suite.Equal([]byte("ping"), entry.Raw)
	default:
		suite.Fail("expected a console feed entry")
	}
}

func (suite *ConsoleTestSuite) TestFeedClosedOnShutdown() {
	suite.connect("aa:01")
	feed := suite.eng.ConsoleFeed()
	suite.Require().NoError(suite.eng.Write("aa:01", "180d", "2a39", "last"))

	suite.Require().NoError(suite.eng.Close())

	// Buffered entries drain first, then the channel reports closed
	closed := false
	for !closed {
		select {
		case _, ok := <-feed:
			closed = !ok
		default:
			suite.FailNow("console feed still open after engine close")
		}
	}
}

func (suite *ConsoleTestSuite) TestEntriesAreCopies() {
	suite.connect("aa:01")
	suite.Require().NoError(suite.eng.Write("aa:01", "180d", "2a39", "orig"))

	entries := suite.eng.ConsoleEntries("aa:01")
	entries[0].Previous = true

	suite.False(suite.eng.ConsoleEntries("aa:01")[0].Previous)
}
