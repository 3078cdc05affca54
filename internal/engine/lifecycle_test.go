package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/bleterm/internal/engine"
	"github.com/srg/bleterm/internal/registry"
	"github.com/srg/bleterm/internal/transport"
)

type LifecycleTestSuite struct {
	engineSuiteBase
}

func TestLifecycleTestSuite(t *testing.T) {
	suite.Run(t, new(LifecycleTestSuite))
}

func (suite *LifecycleTestSuite) TestConnect() {
	suite.connect("aa:01")

	dev, ok := suite.eng.Device("aa:01")
	suite.Require().True(ok)
	suite.True(dev.Connected)
	suite.Equal(registry.StatusConnected, dev.ConnectionStatus)
	suite.True(dev.PreviouslyConnected)
	suite.NotNil(dev.ConnectedAt)

	conn, ok := suite.eng.Connection("aa:01")
	suite.Require().True(ok)
	suite.Contains(conn.Services, "180d")
}

func (suite *LifecycleTestSuite) TestConnectUnknownDevice() {
	err := suite.eng.Connect(context.Background(), "nobody")

	suite.True(errors.Is(err, transport.ErrUnknownDevice))
	suite.Empty(suite.tr.CallsFor("connect"))
}

func (suite *LifecycleTestSuite) TestConnectWhileConnected() {
	suite.connect("aa:01")

	err := suite.eng.Connect(context.Background(), "aa:01")

	suite.True(errors.Is(err, transport.ErrAlreadyConnected))
	suite.Len(suite.tr.CallsFor("connect"), 1)
}

func (suite *LifecycleTestSuite) TestConnectTransportFailure() {
	suite.discover("aa:01")
	suite.tr.Errors["connect"] = errors.New("link timeout")

	err := suite.eng.Connect(context.Background(), "aa:01")

	suite.Error(err)
	dev, _ := suite.eng.Device("aa:01")
	suite.Equal(registry.StatusDisconnected, dev.ConnectionStatus)
	suite.False(dev.Connected)
	_, connected := suite.eng.Connection("aa:01")
	suite.False(connected)

	// The device is connectable again once the transport recovers
	delete(suite.tr.Errors, "connect")
	suite.tr.Connections["aa:01"] = suite.uartConn("aa:01")
	suite.NoError(suite.eng.Connect(context.Background(), "aa:01"))
}

func (suite *LifecycleTestSuite) TestDisconnectTeardown() {
	suite.connect("aa:01")
	suite.Require().NoError(suite.eng.Subscribe("aa:01", "180d", "2a37"))
	suite.Require().NoError(suite.eng.Write("aa:01", "180d", "2a39", "bye"))

	suite.Require().NoError(suite.eng.Disconnect("aa:01"))

	// Teardown order: unsubscribe, archive console, then transport disconnect
	suite.Len(suite.tr.CallsFor("unsubscribe"), 1)
	suite.Len(suite.tr.CallsFor("disconnect"), 1)

	dev, _ := suite.eng.Device("aa:01")
	suite.Equal(registry.StatusDisconnected, dev.ConnectionStatus)
	suite.False(dev.Connected)
	suite.Nil(dev.ConnectedAt)
	suite.NotNil(dev.ConnectionLostAt)

	_, connected := suite.eng.Connection("aa:01")
	suite.False(connected)
	suite.Empty(suite.eng.ActiveSubscriptions("aa:01"))

	// Console history survives but is archived, not deleted
	entries := suite.eng.ConsoleEntries("aa:01")
	suite.Require().NotEmpty(entries)
	for _, entry := range entries {
		suite.True(entry.Previous)
	}
}

func (suite *LifecycleTestSuite) TestDisconnectNotConnected() {
	suite.discover("aa:01")

	err := suite.eng.Disconnect("aa:01")

	suite.True(errors.Is(err, transport.ErrNotConnected))
}

func (suite *LifecycleTestSuite) TestDisconnectWithFailingUnsubscribe() {
	suite.connect("aa:01")
	suite.Require().NoError(suite.eng.Subscribe("aa:01", "180d", "2a37"))
	suite.tr.Errors["unsubscribe"] = errors.New("gatt busy")

	// Teardown is best-effort: a failing unsubscribe never blocks disconnect
	suite.NoError(suite.eng.Disconnect("aa:01"))

	suite.Len(suite.tr.CallsFor("disconnect"), 1)
	dev, _ := suite.eng.Device("aa:01")
	suite.Equal(registry.StatusDisconnected, dev.ConnectionStatus)
	suite.Empty(suite.eng.ActiveSubscriptions("aa:01"))
}

func (suite *LifecycleTestSuite) TestDisconnectWithFailingTransport() {
	suite.connect("aa:01")
	suite.tr.Errors["disconnect"] = errors.New("device gone")

	suite.NoError(suite.eng.Disconnect("aa:01"))

	dev, _ := suite.eng.Device("aa:01")
	suite.Equal(registry.StatusDisconnected, dev.ConnectionStatus)
	_, connected := suite.eng.Connection("aa:01")
	suite.False(connected)
}

func (suite *LifecycleTestSuite) TestConnectionLost() {
	suite.connect("aa:01")
	suite.Require().NoError(suite.eng.Subscribe("aa:01", "180d", "2a37"))

	suite.tr.Emit(transport.ConnectionChanged{DeviceID: "aa:01", State: transport.LinkLost})
	suite.waitAction(engine.ActionConnectionLost, "aa:01")

	dev, _ := suite.eng.Device("aa:01")
	suite.Equal(registry.StatusLost, dev.ConnectionStatus)
	suite.False(dev.Connected)
	suite.NotNil(dev.ConnectionLostAt)
	_, connected := suite.eng.Connection("aa:01")
	suite.False(connected)
	suite.Empty(suite.eng.ActiveSubscriptions("aa:01"))
}

func (suite *LifecycleTestSuite) TestDisconnectAfterLost() {
	suite.connect("aa:01")
	suite.tr.Emit(transport.ConnectionChanged{DeviceID: "aa:01", State: transport.LinkLost})
	suite.waitAction(engine.ActionConnectionLost, "aa:01")

	// Disconnecting a lost device cleans up locally without a transport call
	suite.NoError(suite.eng.Disconnect("aa:01"))

	suite.Empty(suite.tr.CallsFor("disconnect"))
	dev, _ := suite.eng.Device("aa:01")
	suite.Equal(registry.StatusDisconnected, dev.ConnectionStatus)
}

func (suite *LifecycleTestSuite) TestUnsolicitedDisconnectIsLost() {
	suite.connect("aa:01")

	suite.tr.Emit(transport.ConnectionChanged{DeviceID: "aa:01", State: transport.LinkDisconnected})
	suite.waitAction(engine.ActionConnectionLost, "aa:01")

	dev, _ := suite.eng.Device("aa:01")
	suite.Equal(registry.StatusLost, dev.ConnectionStatus)
}

func (suite *LifecycleTestSuite) TestStaleConnectCompletionIgnored() {
	suite.discover("aa:01")

	// A LinkConnected for a device that never asked to connect is stale
	suite.tr.Emit(transport.ConnectionChanged{
		DeviceID:   "aa:01",
		State:      transport.LinkConnected,
		Connection: suite.uartConn("aa:01"),
	})
	suite.waitAction(engine.ActionStaleEventIgnored, "aa:01")

	dev, _ := suite.eng.Device("aa:01")
	suite.Equal(registry.StatusDisconnected, dev.ConnectionStatus)
	_, connected := suite.eng.Connection("aa:01")
	suite.False(connected)
}

func (suite *LifecycleTestSuite) TestClearDevicesKeepsConnected() {
	suite.connect("aa:01")
	suite.discover("bb:02")

	suite.eng.ClearDevices()

	_, ok := suite.eng.Device("aa:01")
	suite.True(ok, "a connected device survives clearing the registry")
	_, ok = suite.eng.Device("bb:02")
	suite.False(ok)
}

func (suite *LifecycleTestSuite) TestConnectionLostAfterClearDevices() {
	suite.connect("aa:01")
	suite.eng.ClearDevices()

	suite.tr.Emit(transport.ConnectionChanged{DeviceID: "aa:01", State: transport.LinkLost})
	suite.waitAction(engine.ActionConnectionLost, "aa:01")

	_, connected := suite.eng.Connection("aa:01")
	suite.False(connected, "connection object must be destroyed on a lost link")
	dev, ok := suite.eng.Device("aa:01")
	suite.Require().True(ok)
	suite.Equal(registry.StatusLost, dev.ConnectionStatus)
	suite.Empty(suite.eng.ActiveSubscriptions("aa:01"))
}

func (suite *LifecycleTestSuite) TestDisconnectAfterClearDevices() {
	suite.connect("aa:01")
	suite.eng.ClearDevices()

	suite.NoError(suite.eng.Disconnect("aa:01"))

	suite.Len(suite.tr.CallsFor("disconnect"), 1)
	_, connected := suite.eng.Connection("aa:01")
	suite.False(connected)
	dev, _ := suite.eng.Device("aa:01")
	suite.Equal(registry.StatusDisconnected, dev.ConnectionStatus)
}

func (suite *LifecycleTestSuite) TestReconnectAfterDisconnect() {
	suite.connect("aa:01")
	suite.Require().NoError(suite.eng.Write("aa:01", "180d", "2a39", "one"))
	suite.Require().NoError(suite.eng.Disconnect("aa:01"))

	suite.Require().NoError(suite.eng.Connect(context.Background(), "aa:01"))
	suite.Require().NoError(suite.eng.Write("aa:01", "180d", "2a39", "two"))

	// Old entries stay archived; the new session's entry is not
	entries := suite.eng.ConsoleEntries("aa:01")
	suite.Require().Len(entries, 2)
	suite.True(entries[0].Previous)
	suite.False(entries[1].Previous)
}
