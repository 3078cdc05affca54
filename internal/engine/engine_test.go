package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/bleterm/internal/codec"
	"github.com/srg/bleterm/internal/engine"
	"github.com/srg/bleterm/internal/settings"
	"github.com/srg/bleterm/internal/testutils"
	"github.com/srg/bleterm/internal/transport"
)

type EngineTestSuite struct {
	engineSuiteBase
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func (suite *EngineTestSuite) TestScanPopulatesRegistry() {
	suite.discover("aa:01", "aa:02")

	devices := suite.eng.Devices("")
	suite.Len(devices, 2)
	suite.Require().Eventually(func() bool {
		return suite.eng.ScanStatus().State == transport.ScanCompleted
	}, waitTimeout, waitInterval)
}

func (suite *EngineTestSuite) TestScanFailure() {
	suite.tr.Errors["scan"] = errors.New("adapter off")

	err := suite.eng.Scan(context.Background())

	suite.Error(err)
	suite.Equal(transport.ScanFailed, suite.eng.ScanStatus().State)
	suite.Equal("adapter off", suite.eng.ScanStatus().Err)
}

func (suite *EngineTestSuite) TestDevicesFilterAndSort() {
	suite.discover("aa:01", "aa:02")

	suite.Len(suite.eng.Devices("aa:02"), 1)
	suite.Empty(suite.eng.Devices("nope"))
}

func (suite *EngineTestSuite) TestRediscoveryPreservesConnectionFields() {
	suite.connect("aa:01")

	// A fresh advertisement for a connected device must not clobber its
	// connection status
	suite.tr.Emit(transport.DeviceUpdated{Device: testutils.NewDeviceInfoBuilder("aa:01").
		WithName("Device aa:01").WithRSSI(-33).Build()})

	suite.Require().Eventually(func() bool {
		dev, _ := suite.eng.Device("aa:01")
		return dev.RSSI == -33
	}, waitTimeout, waitInterval)

	dev, _ := suite.eng.Device("aa:01")
	suite.True(dev.Connected)
	suite.True(dev.PreviouslyConnected)
	suite.NotNil(dev.ConnectedAt)
}

func (suite *EngineTestSuite) TestClearDevices() {
	suite.discover("aa:01")

	suite.eng.ClearDevices()

	suite.Empty(suite.eng.Devices(""))
}

func (suite *EngineTestSuite) TestReadIngestsIntoConsole() {
	suite.connect("aa:01")
	suite.tr.ReadValues["aa:01:180d:2a39"] = []byte("battery=97")

	value, err := suite.eng.Read("aa:01", "180d", "2a39")

	suite.NoError(err)
	suite.Equal([]byte("battery=97"), value)

	entries := suite.eng.ConsoleEntries("aa:01")
	suite.Require().Len(entries, 1)
	suite.Equal(engine.DirectionIn, entries[0].Direction)
	suite.Equal("battery=97", entries[0].Text())
}

func (suite *EngineTestSuite) TestReadUnsupportedCharacteristic() {
	suite.connect("aa:01")

	// 2a37 is notify-only
	_, err := suite.eng.Read("aa:01", "180d", "2a37")

	suite.Error(err)
	suite.Empty(suite.tr.CallsFor("read"))
}

func (suite *EngineTestSuite) TestReadNotConnected() {
	suite.discover("aa:01")

	_, err := suite.eng.Read("aa:01", "180d", "2a39")

	suite.True(errors.Is(err, transport.ErrNotConnected))
}

func (suite *EngineTestSuite) TestWriteFramesAndLogs() {
	suite.connect("aa:01")
	_, err := suite.eng.UpdateDeviceSettings("aa:01", func(s *settings.DeviceSettings) {
		s.SendFormat = codec.FormatHex
		s.MessageStart = `\x02`
		s.MessageDelimiter = `\x03`
	})
	suite.Require().NoError(err)

	suite.Require().NoError(suite.eng.Write("aa:01", "180d", "2a39", "48 65"))

	writes := suite.tr.CallsFor("write")
	suite.Require().Len(writes, 1)
	suite.Equal([]byte{0x02, 0x48, 0x65, 0x03}, writes[0].Data)
	suite.True(writes[0].WithResponse)

	entries := suite.eng.ConsoleEntries("aa:01")
	suite.Require().Len(entries, 1)
	suite.Equal(engine.DirectionOut, entries[0].Direction)
	suite.Equal([]byte{0x02, 0x48, 0x65, 0x03}, entries[0].Raw)

	_, ok := suite.eng.LastWritten("aa:01", "180d", "2a39")
	suite.True(ok)
}

func (suite *EngineTestSuite) TestWriteInvalidHexTouchesNothing() {
	suite.connect("aa:01")
	_, err := suite.eng.UpdateDeviceSettings("aa:01", func(s *settings.DeviceSettings) {
		s.SendFormat = codec.FormatHex
	})
	suite.Require().NoError(err)

	err = suite.eng.Write("aa:01", "180d", "2a39", "4G")

	suite.True(errors.Is(err, codec.ErrInvalidInput))
	suite.Empty(suite.tr.CallsFor("write"))
	suite.Empty(suite.eng.ConsoleEntries("aa:01"))
	_, ok := suite.eng.LastWritten("aa:01", "180d", "2a39")
	suite.False(ok)
}

func (suite *EngineTestSuite) TestWriteModeNoResponse() {
	suite.connect("aa:01")
	suite.eng.SetWriteMode("aa:01", engine.WriteModeNoResp)

	suite.Require().NoError(suite.eng.Write("aa:01", "180d", "2a39", "ping"))

	writes := suite.tr.CallsFor("write")
	suite.Require().Len(writes, 1)
	suite.False(writes[0].WithResponse)
}

func (suite *EngineTestSuite) TestWriteUnsupportedMode() {
	suite.connect("aa:01")

	// 2a37 has no write capability at all
	err := suite.eng.Write("aa:01", "180d", "2a37", "ping")

	suite.Error(err)
	suite.Empty(suite.tr.CallsFor("write"))
}

func (suite *EngineTestSuite) TestNotificationFraming() {
	suite.connect("aa:01")
	_, err := suite.eng.UpdateDeviceSettings("aa:01", func(s *settings.DeviceSettings) {
		s.MessageDelimiter = `\n`
	})
	suite.Require().NoError(err)

	// Messages arrive fragmented; the delimiter lands mid-chunk
	suite.tr.Emit(transport.CharacteristicValue{
		DeviceID: "aa:01", ServiceUUID: "180d", CharUUID: "2a37",
		Value: []byte("hel"), Direction: transport.DirectionNotification,
	})
	suite.tr.Emit(transport.CharacteristicValue{
		DeviceID: "aa:01", ServiceUUID: "180d", CharUUID: "2a37",
		Value: []byte("lo\nwor"), Direction: transport.DirectionNotification,
	})

	suite.Require().Eventually(func() bool {
		return len(suite.eng.ConsoleEntries("aa:01")) == 1
	}, waitTimeout, waitInterval)

	entries := suite.eng.ConsoleEntries("aa:01")
	suite.Equal("hello", entries[0].Text())
	suite.Equal(engine.DirectionIn, entries[0].Direction)
}

func (suite *EngineTestSuite) TestValueForClosedConnectionIgnored() {
	suite.discover("aa:01")

	suite.tr.Emit(transport.CharacteristicValue{
		DeviceID: "aa:01", ServiceUUID: "180d", CharUUID: "2a37",
		Value: []byte("late"), Direction: transport.DirectionNotification,
	})

	suite.waitAction(engine.ActionStaleEventIgnored, "aa:01")
	suite.Empty(suite.eng.ConsoleEntries("aa:01"))
}

func (suite *EngineTestSuite) TestWriteEchoNotDoubleLogged() {
	suite.connect("aa:01")

	suite.tr.Emit(transport.CharacteristicValue{
		DeviceID: "aa:01", ServiceUUID: "180d", CharUUID: "2a39",
		Value: []byte("echo"), Direction: transport.DirectionWrite,
	})
	// Follow with a notification so we can tell processing has caught up
	suite.tr.Emit(transport.CharacteristicValue{
		DeviceID: "aa:01", ServiceUUID: "180d", CharUUID: "2a37",
		Value: []byte("real"), Direction: transport.DirectionNotification,
	})

	suite.Require().Eventually(func() bool {
		return len(suite.eng.ConsoleEntries("aa:01")) == 1
	}, waitTimeout, waitInterval)
	suite.Equal("real", suite.eng.ConsoleEntries("aa:01")[0].Text())
}

func (suite *EngineTestSuite) TestActionLogBounded() {
	suite.discover("aa:01")

	for i := 0; i < 150; i++ {
		suite.eng.ClearDevices()
	}

	log := suite.eng.ActionLog()
	suite.Len(log, 100)
	// Oldest entries were dropped; the surviving tail is dominated by the
	// newest clears even if a late scan event interleaved
	cleared := 0
	for _, a := range log {
		if a.Kind == engine.ActionDevicesCleared {
			cleared++
		}
	}
	suite.GreaterOrEqual(cleared, 99)
}

func (suite *EngineTestSuite) TestScanCountReflectsLatestScan() {
	suite.discover("aa:01", "aa:02")
	suite.Require().Eventually(func() bool {
		st := suite.eng.ScanStatus()
		return st.State == transport.ScanCompleted && st.DeviceCount == 2
	}, waitTimeout, waitInterval)

	// Devices remembered from earlier scans do not inflate the next count
	suite.discover("aa:03")

	suite.Require().Eventually(func() bool {
		st := suite.eng.ScanStatus()
		return st.State == transport.ScanCompleted && st.DeviceCount == 1
	}, waitTimeout, waitInterval)
	suite.Len(suite.eng.Devices(""), 3)
}

func (suite *EngineTestSuite) TestValidateHexInput() {
	v := suite.eng.ValidateHexInput("4", codec.FillerBeginning)
	suite.True(v.Valid)
	suite.Equal("04", v.Formatted)
}
